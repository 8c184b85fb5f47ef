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

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trustgate/trustgate/internal/audit"
)

// SlidingWindow enforces a per-identity request budget over a rolling
// window, backed by one redis sorted set per identity and route class.
// An unreachable backend fails open: throttling is protection, not a
// correctness guarantee, so degradation must never take the gateway
// down with it. Each degraded decision is audited.
type SlidingWindow struct {
	cache  *Cache
	limit  int64
	window time.Duration
	audit  audit.Logger

	now func() time.Time
}

// NewSlidingWindow builds a limiter allowing limit requests per window.
func NewSlidingWindow(c *Cache, limit int, window time.Duration, auditLogger audit.Logger) *SlidingWindow {
	return &SlidingWindow{
		cache:  c,
		limit:  int64(limit),
		window: window,
		audit:  auditLogger,
		now:    time.Now,
	}
}

// Allow records one request for the identity within the route class and
// reports whether it fits the window budget. The identity is digested
// before use so raw session ids and key prefixes never appear in redis.
func (w *SlidingWindow) Allow(ctx context.Context, class, identity string) bool {
	if !w.cache.Enabled() {
		return true
	}

	now := w.now()
	cutoff := now.Add(-w.window).UnixMilli()
	key := w.cache.key(keyTypeRate, class+":"+digestIdentity(identity))

	pipe := w.cache.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, w.window)

	if _, err := pipe.Exec(ctx); err != nil {
		w.audit.Log(ctx, audit.Event{
			Type:     audit.TypeRateLimitDegraded,
			Resource: class,
			Metadata: map[string]any{audit.AttrReason: err.Error()},
		})
		return true
	}
	return card.Val() <= w.limit
}

func digestIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}
