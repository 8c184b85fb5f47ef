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

import "fmt"

// Standard OAuth2 error codes (RFC 6749 section 5.2)
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeServerError             = "server_error"
)

// Error is a protocol-level OAuth2 error. The transport layer serializes
// it to the RFC 6749 JSON envelope and maps Code to an HTTP status.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	State       string `json:"state,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error with a formatted description.
func NewError(code, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		Description: fmt.Sprintf(format, args...),
	}
}

// WithState attaches the client-supplied state for redirect responses.
func (e *Error) WithState(state string) *Error {
	return &Error{
		Code:        e.Code,
		Description: e.Description,
		State:       state,
	}
}

// HTTPStatus maps the error code to the response status used on the
// token and introspection endpoints.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidClient:
		return 401
	case ErrCodeAccessDenied:
		return 403
	case ErrCodeServerError:
		return 500
	default:
		return 400
	}
}
