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

package identity

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/trustgate/trustgate/internal/audit"
)

// Bootstrap environment variables. When the email is set the server
// provisions that account in the Users store on startup.
const (
	EnvBootstrapAdminEmail    = "TRUSTGATE_BOOTSTRAP_ADMIN_EMAIL"
	EnvBootstrapAdminPassword = "TRUSTGATE_BOOTSTRAP_ADMIN_PASSWORD"
)

// Bootstrap provisions the initial administrative account when the
// bootstrap variables are set. Safe to run on every start: an account
// that already exists is left untouched and the call is a no-op.
func (s *Service) Bootstrap(ctx context.Context) error {
	email := os.Getenv(EnvBootstrapAdminEmail)
	if email == "" {
		return nil
	}
	password := os.Getenv(EnvBootstrapAdminPassword)
	if password == "" {
		return fmt.Errorf("bootstrap: %s is set but %s is empty", EnvBootstrapAdminEmail, EnvBootstrapAdminPassword)
	}

	_, err := s.ProvisionUser(ctx, audit.ActorSystemBootstrap, email, password, map[string]any{
		"bootstrap": true,
		"role":      "admin",
	})
	if errors.Is(err, ErrUserAlreadyExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return nil
}
