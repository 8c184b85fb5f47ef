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

package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustgate/trustgate/internal/crypto"
)

const minSecretLength = 32

// jtiEntropyBytes is the random length of the jti claim before encoding.
const jtiEntropyBytes = 48

// ErrInvalidToken is returned when a token fails signature or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the payload of a gateway-issued access token.
type Claims struct {
	Scope        string `json:"scope,omitempty"`
	ProjectScope string `json:"project_scope,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256 access tokens. Every token carries a
// unique jti so individual grants are distinguishable in audit trails.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSigner creates a Signer. The secret must be at least 32 bytes.
func NewSigner(secret []byte, issuer string, ttl time.Duration) (*Signer, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", minSecretLength, len(secret))
	}
	if issuer == "" {
		return nil, errors.New("issuer must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("token lifetime must be positive")
	}
	return &Signer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// TTL returns the configured access token lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Sign mints an access token for the subject and returns the compact
// serialization alongside the claims that went into it.
func (s *Signer) Sign(subject, scope, projectScope, clientID string) (string, *Claims, error) {
	now := time.Now().UTC()
	claims := &Claims{
		Scope:        scope,
		ProjectScope: projectScope,
		ClientID:     clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			ID:        crypto.GenerateToken(jtiEntropyBytes),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, claims, nil
}

// Verify parses and validates a compact token. It enforces the HS256
// algorithm, the issuer, and the time-based claims; anything else fails
// with ErrInvalidToken.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
