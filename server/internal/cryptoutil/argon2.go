// Package cryptoutil holds the Argon2id hashing helpers used for operator
// password storage (auth), plus the random-token generator and the SHA-256
// digest used for refresh tokens. Agent enrollment
// tokens are not hashed here — the session handshake needs the raw secret
// recoverable server-side, so those are encrypted at rest via db.EncryptedString
// instead (see agentsvc).
package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// argon2Time is the number of iterations (time cost) for Argon2id.
	// OWASP minimum recommendation is 1; 2 provides a better security margin.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB for Argon2id (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 2

	// argon2KeyLen is the output hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16
)

// HashSecret returns an Argon2id hash of the given plaintext secret, in the
// format "saltHex:hashHex". Used for operator passwords, so they are never
// stored in plaintext; agent enrollment tokens do not go through it.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptoutil: generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// VerifySecret checks a plaintext secret against a stored Argon2id hash
// produced by HashSecret. Returns false if the hash format is invalid rather
// than propagating an error, since an invalid hash means verification must
// fail either way.
func VerifySecret(secret, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}

	expectedHash, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}

	actual := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expectedHash)))

	return subtle.ConstantTimeCompare(actual, expectedHash) == 1
}

// RandomToken returns a cryptographically random, hex-encoded token of n
// raw bytes. Used for refresh tokens — the raw value is handed to the holder
// and only its SHA-256 digest (below) is ever persisted.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cryptoutil: generating random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SHA256Hex returns the SHA-256 hex digest of raw. Refresh tokens are looked
// up by this cheap hash rather than Argon2id — they are high-entropy random
// values already, so a fast deterministic hash is enough to defeat database
// disclosure without the expense of a memory-hard KDF on every request.
func SHA256Hex(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// splitHash splits a "saltHex:hashHex" string into its two components.
func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
