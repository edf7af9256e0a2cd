// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package journal keeps the most recent registered messages in memory for
// the operational endpoint. A fixed ring; old entries fall off silently.
package journal

import (
	"context"
	"fmt"
	"sync"

	"github.com/vporoshin/persolog/internal/events"
	"github.com/vporoshin/persolog/internal/logging"
)

// DefaultCapacity bounds the ring when no capacity is given.
const DefaultCapacity = 200

type subscriber interface {
	SubscribeEvents(ctx context.Context) (<-chan *events.RegisteredMessage, error)
}

// Journal records the last capacity registered messages.
type Journal struct {
	bus subscriber

	mu    sync.RWMutex
	ring  []*events.RegisteredMessage
	next  int
	count int
}

// New builds a journal over the bus. capacity <= 0 uses DefaultCapacity.
func New(bus subscriber, capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		bus:  bus,
		ring: make([]*events.RegisteredMessage, capacity),
	}
}

// Run consumes the bus until ctx is canceled or the bus closes.
func (j *Journal) Run(ctx context.Context) error {
	msgs, err := j.bus.SubscribeEvents(ctx)
	if err != nil {
		return fmt.Errorf("journal: subscribe: %w", err)
	}
	logging.Info().Int("capacity", len(j.ring)).Msg("journal started")

	for ev := range msgs {
		j.Add(ev)
	}
	return nil
}

// Add records one message, evicting the oldest when full.
func (j *Journal) Add(ev *events.RegisteredMessage) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ring[j.next] = ev
	j.next = (j.next + 1) % len(j.ring)
	if j.count < len(j.ring) {
		j.count++
	}
}

// Len returns the number of recorded messages.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.count
}

// Recent returns up to n messages, newest first. n <= 0 returns everything
// recorded.
func (j *Journal) Recent(n int) []*events.RegisteredMessage {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n <= 0 || n > j.count {
		n = j.count
	}
	out := make([]*events.RegisteredMessage, 0, n)
	for i := 1; i <= n; i++ {
		idx := (j.next - i + len(j.ring)) % len(j.ring)
		out = append(out, j.ring[idx])
	}
	return out
}
