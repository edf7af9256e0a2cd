// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package events carries registered log messages between the correlation
// engine and its in-process consumers over a Watermill channel.
package events

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version.
// Increment this when making breaking changes to RegisteredMessage.
const SchemaVersion = 1

// TopicRegistered is the bus topic for messages accepted by the audit store.
const TopicRegistered = "audit.registered"

// RegisteredMessage is the canonical record of one log line after the audit
// store has ruled on it. It is published once per registration attempt,
// whether the store created a new row or matched an existing one.
type RegisteredMessage struct {
	// Schema version for forward/backward compatibility
	SchemaVersion int `json:"schema_version,omitempty"`

	// Identification
	EventID   string    `json:"event_id"`
	Source    string    `json:"source"` // bankperso, sdc, exchange
	Timestamp time.Time `json:"timestamp"`

	// Audit store verdict
	MessageID int64  `json:"message_id,omitempty"`
	Status    string `json:"status"`
	New       bool   `json:"new"` // true when the store created a row

	// Order attribution
	OrderID  int64  `json:"order_id"`
	Client   string `json:"client,omitempty"`
	FileName string `json:"filename,omitempty"`

	// Log line
	LogFile   string `json:"log_file"`
	Module    string `json:"module,omitempty"`
	Code      string `json:"code"`
	Count     int    `json:"count,omitempty"`
	Message   string `json:"message"`
	EventDate string `json:"event_date"`
}

// NewRegisteredMessage creates an event with identity and timing filled in.
// The caller populates the verdict, order and line fields before publishing.
func NewRegisteredMessage(source string) *RegisteredMessage {
	return &RegisteredMessage{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		Source:        source,
		Timestamp:     time.Now().UTC(),
	}
}

// Validate checks that the fields every consumer relies on are present.
func (e *RegisteredMessage) Validate() error {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if e.Source == "" {
		return &ValidationError{Field: "source", Message: "required"}
	}
	if e.OrderID == 0 {
		return &ValidationError{Field: "order_id", Message: "required"}
	}
	if e.Code == "" {
		return &ValidationError{Field: "code", Message: "required"}
	}
	if e.Message == "" {
		return &ValidationError{Field: "message", Message: "required"}
	}
	return nil
}

// Serialize validates an event and marshals it to JSON bytes.
func Serialize(e *RegisteredMessage) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Deserialize converts JSON bytes back to an event.
func Deserialize(data []byte) (*RegisteredMessage, error) {
	var e RegisteredMessage
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ValidationError reports a missing or malformed event field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
