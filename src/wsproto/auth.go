package wsproto

import (
	"errors"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ably/terminal-broker/src/config"
)

// errAuthFailed and errAuthTimeout map onto spec.md §4.2's two distinct
// auth-window failure reasons.
var (
	errAuthFailed  = errors.New("wsproto: auth failed")
	errAuthTimeout = errors.New("wsproto: auth timeout")
)

// apiKeyShape is spec.md §6's required `<appId>.<keyId>:<secret>` shape.
var apiKeyShape = regexp.MustCompile(`^[^.:\s]+\.[^.:\s]+:[^\s]+$`)

// validAPIKeyShape reports whether apiKey conforms to the documented
// shape. An empty apiKey is valid: it denotes an anonymous connection.
func validAPIKeyShape(apiKey string) bool {
	if apiKey == "" {
		return true
	}
	return apiKeyShape.MatchString(apiKey)
}

// validateAccessToken checks accessToken against the configured JWT mode.
// An empty token is always valid and denotes an anonymous connection; a
// non-empty token must parse as a JWT, and in strict mode must also carry
// a valid signature and not be expired.
func validateAccessToken(token string, cfg *config.Config) error {
	if token == "" {
		return nil
	}

	switch cfg.JWTValidationMode {
	case config.JWTModePermissive:
		parser := jwt.NewParser(jwt.WithoutClaimsValidation())
		if _, _, err := parser.ParseUnverified(token, jwt.MapClaims{}); err != nil {
			return errAuthFailed
		}
		return nil

	default: // strict
		if cfg.JWTSigningKey == "" {
			// No shared secret configured: a real signature can never be
			// verified, so a presented token cannot be trusted.
			return errAuthFailed
		}
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errAuthFailed
			}
			return []byte(cfg.JWTSigningKey), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			return errAuthFailed
		}
		return nil
	}
}

// isAuthenticated reports whether the presented credentials put the
// connection in the authenticated bucket rather than the anonymous one
// (spec.md §3 glossary): any non-empty access token counts.
func isAuthenticated(accessToken string) bool {
	return accessToken != ""
}

// authDeadline returns the instant by which the first frame must arrive.
func authDeadline(cfg *config.Config) time.Time {
	return time.Now().Add(cfg.AuthTimeout)
}
