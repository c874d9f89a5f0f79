// Package credential derives the resume-comparison digest from the
// authenticating API key and access token. The digest is never secret; it
// exists purely to compare "same caller reconnecting" across sockets.
package credential

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash is the hex-encoded credential digest, safe to log and compare with ==.
type Hash string

// sentinel separates the two components so that ("ab", "c") and ("a", "bc")
// never collide.
const sentinel = 0

// Derive computes the credential hash for (apiKey, accessToken). A missing
// value and an empty string are indistinguishable: both are hashed as "".
func Derive(apiKey, accessToken string) Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails for an oversized key, and we pass nil.
		panic("credential: blake2b.New256: " + err.Error())
	}
	_, _ = h.Write([]byte(apiKey))
	_, _ = h.Write([]byte{sentinel})
	_, _ = h.Write([]byte(accessToken))
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// Equal reports whether two hashes denote the same credential pair.
func Equal(a, b Hash) bool {
	return a == b
}
