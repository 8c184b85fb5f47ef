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

package crypto

import (
	"errors"

	"golang.org/x/oauth2"
)

// PKCE challenge methods (RFC 7636 Section 4.2).
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

const (
	verifierMinLength = 43
	verifierMaxLength = 128
)

var (
	ErrInvalidVerifier    = errors.New("code_verifier does not meet RFC 7636 requirements")
	ErrUnsupportedMethod  = errors.New("unsupported code_challenge_method")
	ErrVerifierMismatch   = errors.New("code_verifier does not match code_challenge")
	ErrChallengeMalformed = errors.New("code_challenge is malformed")
)

// GenerateVerifier returns a fresh high-entropy PKCE verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ValidateVerifier enforces the RFC 7636 Section 4.1 grammar:
// 43-128 characters from the unreserved set [A-Za-z0-9-._~].
func ValidateVerifier(verifier string) error {
	if len(verifier) < verifierMinLength || len(verifier) > verifierMaxLength {
		return ErrInvalidVerifier
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return ErrInvalidVerifier
		}
	}
	return nil
}

// DeriveChallenge computes the challenge a client would register for a
// verifier. S256 is base64url(sha256(verifier)) without padding; plain
// echoes the verifier (RFC 7636 Section 4.2).
func DeriveChallenge(verifier, method string) (string, error) {
	if err := ValidateVerifier(verifier); err != nil {
		return "", err
	}
	switch method {
	case PKCEMethodS256:
		return oauth2.S256ChallengeFromVerifier(verifier), nil
	case PKCEMethodPlain, "":
		return verifier, nil
	default:
		return "", ErrUnsupportedMethod
	}
}

// VerifyChallenge checks a presented verifier against the challenge bound
// to an authorization code. Comparison is constant time; length validation
// of the verifier happens before any derivation so oversize input is
// rejected outright.
func VerifyChallenge(challenge, method, verifier string) error {
	if challenge == "" {
		return ErrChallengeMalformed
	}
	derived, err := DeriveChallenge(verifier, method)
	if err != nil {
		return err
	}
	if !ConstantTimeEquals(derived, challenge) {
		return ErrVerifierMismatch
	}
	return nil
}
