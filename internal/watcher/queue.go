// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package watcher observes the log root for filesystem activity and queues
// per-file events for the consumer.
//
// The producer side reacts to raw fsnotify notifications: it keeps the tail
// offset table in step with creates, deletes and renames, and turns writes
// into queued events. The queue coalesces repeated events for the same file,
// so a log written a thousand times between two consumer ticks costs one
// read, not a thousand.
package watcher

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vporoshin/persolog/internal/metrics"
)

// EventType names a filesystem event kind.
type EventType string

const (
	Created  EventType = "created"
	Modified EventType = "modified"
	Moved    EventType = "moved"
	Deleted  EventType = "deleted"
)

// Event is one queued filesystem notification.
type Event struct {
	ID   string
	Type EventType
	Path string
	At   time.Time
}

// NewEvent stamps a fresh event for path.
func NewEvent(t EventType, path string) Event {
	return Event{
		ID:   uuid.New().String(),
		Type: t,
		Path: path,
		At:   time.Now(),
	}
}

// Queue is a FIFO of filesystem events shared by the producer and the
// consumer. With everything false, an event for a file already queued is
// absorbed into the queued one; the consumer reads everything appended since
// its stored offset anyway, so one queued event per file is enough.
type Queue struct {
	everything bool

	mu     sync.Mutex
	events []Event
	last   time.Time
}

// NewQueue returns an empty queue. everything disables coalescing.
func NewQueue(everything bool) *Queue {
	return &Queue{everything: everything}
}

// Push appends the event and reports whether it was queued rather than
// coalesced. The activity timestamp advances either way.
func (q *Queue) Push(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.last = e.At
	if !q.everything {
		for _, queued := range q.events {
			if queued.Path == e.Path {
				metrics.ObserverEventsCoalesced.Inc()
				return false
			}
		}
	}
	q.events = append(q.events, e)
	metrics.ObserverQueueDepth.Set(float64(len(q.events)))
	return true
}

// Peek returns the oldest event without removing it.
func (q *Queue) Peek() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	return q.events[0], true
}

// Pop removes the oldest event. The consumer pops only after the event is
// fully processed, so a crash between peek and pop replays the event.
func (q *Queue) Pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return
	}
	q.events = q.events[1:]
	metrics.ObserverQueueDepth.Set(float64(len(q.events)))
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// LastEvent returns when the producer last saw any activity, queued or
// coalesced. The zero time means no event arrived yet.
func (q *Queue) LastEvent() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}
