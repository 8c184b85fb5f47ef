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

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Repository persists audit events to the Gateway store.
type Repository interface {
	Insert(ctx context.Context, event *Event) error
}

// PersistentLogger fans every event out to slog and to an append-only
// audit table. The table write is handed to a background drainer so a
// slow or unavailable store never blocks a request path. Events beyond
// the buffer are dropped and counted.
type PersistentLogger struct {
	slog *SlogLogger
	repo Repository

	queue chan Event
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

const (
	sinkBuffer       = 1024
	sinkWriteTimeout = 5 * time.Second
)

// NewPersistentLogger starts the drainer goroutine. Call Close during
// shutdown to flush buffered events.
func NewPersistentLogger(repo Repository) *PersistentLogger {
	l := &PersistentLogger{
		slog:  NewSlogLogger(),
		repo:  repo,
		queue: make(chan Event, sinkBuffer),
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Log emits the event to slog synchronously and enqueues the store write.
func (l *PersistentLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.stamp(ctx)
	l.slog.Log(ctx, event)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	select {
	case l.queue <- event:
	default:
		l.dropped++
	}
	l.mu.Unlock()
}

// Dropped reports how many events did not fit the buffer.
func (l *PersistentLogger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close stops accepting events and flushes the queue.
func (l *PersistentLogger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.queue)
	l.wg.Wait()
}

func (l *PersistentLogger) drain() {
	defer l.wg.Done()
	for event := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		if err := l.repo.Insert(ctx, &event); err != nil {
			slog.Error("audit sink write failed",
				slog.String("audit_type", event.Type),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}
