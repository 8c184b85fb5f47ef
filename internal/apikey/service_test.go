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

package apikey

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/crypto"
	"github.com/trustgate/trustgate/internal/event"
)

type mockRepo struct {
	mu             sync.Mutex
	keys           map[string]*Key // by id
	touched        map[string]int
	failPrefixOnce bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		keys:    make(map[string]*Key),
		touched: make(map[string]int),
	}
}

func (m *mockRepo) Create(_ context.Context, key *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPrefixOnce {
		m.failPrefixOnce = false
		return ErrPrefixTaken
	}
	for _, k := range m.keys {
		if k.KeyPrefix == key.KeyPrefix {
			return ErrPrefixTaken
		}
	}
	m.keys[key.ID] = key
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

func (m *mockRepo) ListByOwner(_ context.Context, ownerType, ownerID string) ([]*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Key
	for _, k := range m.keys {
		if k.OwnerType == ownerType && k.OwnerID == ownerID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *mockRepo) ListByPrefix(_ context.Context, prefix string) ([]*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Key
	for _, k := range m.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *mockRepo) Update(_ context.Context, key *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	m.keys[key.ID] = key
	return nil
}

func (m *mockRepo) Revoke(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	key.RevokedAt = &at
	key.IsActive = false
	return nil
}

func (m *mockRepo) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.keys[id]; ok {
		key.LastUsedAt = &at
	}
	m.touched[id]++
	return nil
}

func (m *mockRepo) touchCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched[id]
}

type recordedEvents struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recordedEvents) Record(_ context.Context, evt *event.Event) (*event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	r.events = append(r.events, evt)
	return evt, nil
}

func (r *recordedEvents) typesSeen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func newTestService(t *testing.T) (*Service, *mockRepo, *recordedEvents) {
	t.Helper()
	hasher, err := crypto.NewKeyHasher(100000, 16, 32)
	require.NoError(t, err)
	repo := newMockRepo()
	events := &recordedEvents{}
	svc, err := NewService(repo, hasher, events, passthroughTx{}, audit.NewSlogLogger(), "tg_dev_")
	require.NoError(t, err)
	return svc, repo, events
}

func createInput() *CreateInput {
	return &CreateInput{
		Name:        "ci-pipeline",
		OwnerType:   OwnerUser,
		OwnerID:     "user-1",
		Scopes:      []string{"memory.read"},
		OwnerScopes: []string{"memory.read", "memory.write"},
	}
}

func TestNewService_PrefixValidation(t *testing.T) {
	hasher, err := crypto.NewKeyHasher(100000, 16, 32)
	require.NoError(t, err)

	_, err = NewService(newMockRepo(), hasher, &recordedEvents{}, passthroughTx{}, audit.NewSlogLogger(), "")
	require.Error(t, err)

	_, err = NewService(newMockRepo(), hasher, &recordedEvents{}, passthroughTx{}, audit.NewSlogLogger(), "way_too_long_prefix_")
	require.Error(t, err)
}

// TestPurpose: Verifies hash-at-rest storage of issued API keys.
// Scope: Unit Test
// Security: Credential storage (CWE-256)
// Expected: Only salt:hash is stored; the plaintext verifies against it and nothing else does.
func TestCreate_StoresOnlyHash(t *testing.T) {
	svc, repo, events := newTestService(t)

	key, plaintext, err := svc.Create(context.Background(), createInput())
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)

	assert.True(t, strings.HasPrefix(plaintext, "tg_dev_"))
	assert.Len(t, key.KeyPrefix, 12)
	assert.Equal(t, plaintext[:12], key.KeyPrefix)

	stored := repo.keys[key.ID]
	require.NotNil(t, stored)
	assert.NotContains(t, stored.KeyHash, plaintext)
	assert.Contains(t, stored.KeyHash, ":", "encoded form is salt:hash")

	hasher, err := crypto.NewKeyHasher(100000, 16, 32)
	require.NoError(t, err)
	ok, err := hasher.Verify(plaintext, stored.KeyHash)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = hasher.Verify(plaintext+"x", stored.KeyHash)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Contains(t, events.typesSeen(), event.TypeKeyCreated)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	in := createInput()
	in.Name = "  "
	_, _, err := svc.Create(ctx, in)
	require.ErrorIs(t, err, ErrInvalidInput)

	in = createInput()
	in.OwnerType = "robot"
	_, _, err = svc.Create(ctx, in)
	require.ErrorIs(t, err, ErrInvalidInput)

	in = createInput()
	past := time.Now().Add(-time.Hour)
	in.ExpiresAt = &past
	_, _, err = svc.Create(ctx, in)
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestPurpose: Ensures issued key scopes cannot exceed the creating principal's scopes.
// Scope: Unit Test
// Security: Privilege escalation prevention
// Expected: Requesting a scope outside the owner's set fails; equal or narrower sets succeed.
func TestCreate_ScopeCeiling(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	in := createInput()
	in.Scopes = []string{"memory.read", "admin.write"}
	_, _, err := svc.Create(ctx, in)
	require.ErrorIs(t, err, ErrScopeExceedsOwner)

	in = createInput()
	in.Scopes = []string{"memory.read", "memory.write"}
	_, _, err = svc.Create(ctx, in)
	require.NoError(t, err)

	in = createInput()
	in.Scopes = nil
	_, _, err = svc.Create(ctx, in)
	require.NoError(t, err, "a key without scopes is always within bounds")
}

func TestCreate_PrefixCollisionRetries(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.failPrefixOnce = true

	key, plaintext, err := svc.Create(context.Background(), createInput())
	require.NoError(t, err)
	assert.NotEmpty(t, plaintext)
	assert.NotNil(t, repo.keys[key.ID])
}

func TestAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	key, plaintext, err := svc.Create(ctx, createInput())
	require.NoError(t, err)

	got, err := svc.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, []string{"memory.read"}, got.Scopes)

	_, err = svc.Authenticate(ctx, "short")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = svc.Authenticate(ctx, "wrongprefix_"+strings.Repeat("a", 43))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = svc.Authenticate(ctx, "tg_dev_"+crypto.GenerateToken(32))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestPurpose: Validates the full key lifecycle: create, authenticate, revoke, fail-fast.
// Scope: Unit Test
// Security: Credential revocation
// Expected: A revoked key stops authenticating immediately and answers with a distinct error.
func TestRevoke_FailsFast(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()

	key, plaintext, err := svc.Create(ctx, createInput())
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, plaintext)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, key.ID, OwnerUser, "user-1"))
	_, err = svc.Authenticate(ctx, plaintext)
	require.ErrorIs(t, err, ErrKeyRevoked)

	// Idempotent.
	require.NoError(t, svc.Revoke(ctx, key.ID, OwnerUser, "user-1"))

	// Foreign owners see not-found, not the key's existence.
	err = svc.Revoke(ctx, key.ID, OwnerUser, "user-2")
	require.ErrorIs(t, err, ErrKeyNotFound)

	assert.Contains(t, events.typesSeen(), event.TypeKeyRevoked)
}

func TestAuthenticate_ExpiredKey(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	in := createInput()
	future := time.Now().Add(time.Hour)
	in.ExpiresAt = &future
	key, plaintext, err := svc.Create(ctx, in)
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, plaintext)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	repo.keys[key.ID].ExpiresAt = &past
	_, err = svc.Authenticate(ctx, plaintext)
	require.ErrorIs(t, err, ErrKeyExpired)
}

func TestRotate(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := context.Background()

	key, original, err := svc.Create(ctx, createInput())
	require.NoError(t, err)

	rotated, replacement, err := svc.Rotate(ctx, key.ID, OwnerUser, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, replacement)
	assert.NotEqual(t, original, replacement)
	assert.Equal(t, key.ID, rotated.ID, "rotation keeps the record identity")

	_, err = svc.Authenticate(ctx, original)
	require.Error(t, err, "the old credential must stop working")
	got, err := svc.Authenticate(ctx, replacement)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	require.NoError(t, svc.Revoke(ctx, key.ID, OwnerUser, "user-1"))
	_, _, err = svc.Rotate(ctx, key.ID, OwnerUser, "user-1")
	require.ErrorIs(t, err, ErrKeyRevoked)

	assert.Contains(t, events.typesSeen(), event.TypeKeyRotated)
}

func TestListAndGet_OwnerBoundary(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mine, _, err := svc.Create(ctx, createInput())
	require.NoError(t, err)

	other := createInput()
	other.OwnerID = "user-2"
	other.Name = "other-key"
	_, _, err = svc.Create(ctx, other)
	require.NoError(t, err)

	keys, err := svc.List(ctx, OwnerUser, "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, mine.ID, keys[0].ID)

	_, err = svc.Get(ctx, mine.ID, OwnerUser, "user-2")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAuthenticate_TouchesLastUsedAsync(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	key, plaintext, err := svc.Create(ctx, createInput())
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, plaintext)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return repo.touchCount(key.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The per-key limiter suppresses a second write inside the interval.
	_, err = svc.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, repo.touchCount(key.ID))
}
