// Copyright 2026 The TrustGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto holds the primitives every credential in the gateway is
// built from: opaque token generation, hash-at-rest helpers, constant-time
// comparison, and the PBKDF2 hasher used for API keys.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var ErrMalformedHash = errors.New("malformed credential hash")

// GenerateToken returns a URL-safe random string carrying n bytes of entropy.
func GenerateToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process must not continue issuing credentials.
		panic(fmt.Sprintf("crypto: rand.Read: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// HashToken returns the SHA-256 digest of a token, base64url encoded.
// Opaque credentials are only ever persisted in this form.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashSecret hashes an OAuth client secret for storage.
func HashSecret(secret string) string {
	return HashToken(secret)
}

// ConstantTimeEquals compares two strings without leaking their length.
// Inputs are padded with HMAC keyed by a fixed tag before comparison, so
// unequal lengths cost the same as unequal content.
func ConstantTimeEquals(a, b string) bool {
	mac := hmac.New(sha256.New, []byte("trustgate.compare.v1"))
	mac.Write([]byte(a))
	da := mac.Sum(nil)
	mac.Reset()
	mac.Write([]byte(b))
	db := mac.Sum(nil)
	return subtle.ConstantTimeCompare(da, db) == 1 && len(a) == len(b)
}

// KeyHasher derives and verifies API key digests with PBKDF2-SHA512.
// Encoded form is "salt:hash", both segments base64 (raw, standard set).
type KeyHasher struct {
	iterations int
	saltLength int
	keyLength  int
}

// NewKeyHasher builds a hasher. Iterations below 100000 are rejected to
// keep stored keys above the configured work-factor floor.
func NewKeyHasher(iterations, saltLength, keyLength int) (*KeyHasher, error) {
	if iterations < 100000 {
		return nil, fmt.Errorf("pbkdf2 iterations %d below minimum 100000", iterations)
	}
	if saltLength < 16 {
		return nil, fmt.Errorf("pbkdf2 salt length %d below minimum 16", saltLength)
	}
	if keyLength < 32 {
		return nil, fmt.Errorf("pbkdf2 key length %d below minimum 32", keyLength)
	}
	return &KeyHasher{
		iterations: iterations,
		saltLength: saltLength,
		keyLength:  keyLength,
	}, nil
}

// Hash derives a digest for plaintext with a fresh per-record salt.
func (h *KeyHasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	derived := pbkdf2.Key([]byte(plaintext), salt, h.iterations, h.keyLength, sha512.New)

	encoded := fmt.Sprintf("%s:%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	)
	return encoded, nil
}

// Verify re-derives the digest with the stored salt and compares in
// constant time. A malformed stored value is an error, not a mismatch.
func (h *KeyHasher) Verify(plaintext, encoded string) (bool, error) {
	saltB64, hashB64, ok := strings.Cut(encoded, ":")
	if !ok {
		return false, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("%w: bad salt encoding", ErrMalformedHash)
	}
	expected, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("%w: bad hash encoding", ErrMalformedHash)
	}

	derived := pbkdf2.Key([]byte(plaintext), salt, h.iterations, len(expected), sha512.New)

	return subtle.ConstantTimeCompare(derived, expected) == 1, nil
}
