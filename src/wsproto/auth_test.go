package wsproto

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ably/terminal-broker/src/config"
)

func TestValidAPIKeyShape(t *testing.T) {
	cases := map[string]bool{
		"":                     true,
		"app1.key1:secret":     true,
		"app1.key1:":           false,
		"app1key1:secret":      false,
		"app1.key1secret":      false,
		"app1.key1:sec:ret":    true,
		".key1:secret":         false,
		"app1.:secret":         false,
	}
	for in, want := range cases {
		if got := validAPIKeyShape(in); got != want {
			t.Errorf("validAPIKeyShape(%q) = %v, want %v", in, got, want)
		}
	}
}

func signedToken(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestValidateAccessTokenEmptyAlwaysValid(t *testing.T) {
	cfg := &config.Config{JWTValidationMode: config.JWTModeStrict}
	if err := validateAccessToken("", cfg); err != nil {
		t.Fatalf("empty token should be valid, got %v", err)
	}
}

func TestValidateAccessTokenStrictRequiresSigningKey(t *testing.T) {
	cfg := &config.Config{JWTValidationMode: config.JWTModeStrict}
	tok := signedToken(t, "some-key", jwt.MapClaims{"sub": "user"})
	if err := validateAccessToken(tok, cfg); err == nil {
		t.Fatal("expected error with no configured signing key")
	}
}

func TestValidateAccessTokenStrictAcceptsCorrectlySigned(t *testing.T) {
	cfg := &config.Config{JWTValidationMode: config.JWTModeStrict, JWTSigningKey: "shared-secret"}
	tok := signedToken(t, "shared-secret", jwt.MapClaims{"sub": "user"})
	if err := validateAccessToken(tok, cfg); err != nil {
		t.Fatalf("expected valid token to pass, got %v", err)
	}
}

func TestValidateAccessTokenStrictRejectsWrongSignature(t *testing.T) {
	cfg := &config.Config{JWTValidationMode: config.JWTModeStrict, JWTSigningKey: "shared-secret"}
	tok := signedToken(t, "wrong-secret", jwt.MapClaims{"sub": "user"})
	if err := validateAccessToken(tok, cfg); err == nil {
		t.Fatal("expected error for wrongly signed token")
	}
}

func TestValidateAccessTokenPermissiveAcceptsUnverified(t *testing.T) {
	cfg := &config.Config{JWTValidationMode: config.JWTModePermissive}
	tok := signedToken(t, "irrelevant", jwt.MapClaims{"sub": "user"})
	if err := validateAccessToken(tok, cfg); err != nil {
		t.Fatalf("permissive mode should accept a syntactically valid token, got %v", err)
	}
}

func TestValidateAccessTokenPermissiveRejectsMalformed(t *testing.T) {
	cfg := &config.Config{JWTValidationMode: config.JWTModePermissive}
	if err := validateAccessToken("not-a-jwt", cfg); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestIsAuthenticated(t *testing.T) {
	if isAuthenticated("") {
		t.Fatal("empty access token must be anonymous")
	}
	if !isAuthenticated("t") {
		t.Fatal("non-empty access token must be authenticated")
	}
}
