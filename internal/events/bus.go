// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
)

// Bus is an in-process publish/subscribe channel for registered messages.
// Subscribers that fall behind block the publisher once their buffer fills,
// so consumers must drain promptly or be dropped before shutdown.
type Bus struct {
	channel *gochannel.GoChannel
	mu      sync.RWMutex
	closed  bool
}

// NewBus creates a bus whose subscribers buffer up to buffer messages each.
// A nil logger falls back to the service logger.
func NewBus(buffer int64, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = NewBusLogger()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		channel: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: buffer,
		}, logger),
	}
}

// Publish serializes the event and hands it to every live subscriber.
func (b *Bus) Publish(ctx context.Context, e *RegisteredMessage) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("events: bus is closed")
	}
	b.mu.RUnlock()

	data, err := Serialize(e)
	if err != nil {
		metrics.RecordEventPublish(err)
		return fmt.Errorf("serialize event: %w", err)
	}

	msg := message.NewMessage(e.EventID, data)
	msg.Metadata.Set("source", e.Source)
	msg.Metadata.Set("code", e.Code)
	msg.SetContext(ctx)

	err = b.channel.Publish(TopicRegistered, msg)
	metrics.RecordEventPublish(err)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of registered-message envelopes. The channel
// closes when ctx is canceled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.channel.Subscribe(ctx, TopicRegistered)
}

// SubscribeEvents returns a channel of decoded events. Envelopes are acked
// as they are decoded; an envelope that does not decode is acked and dropped
// with a log record, since redelivery cannot fix a bad payload.
func (b *Bus) SubscribeEvents(ctx context.Context) (<-chan *RegisteredMessage, error) {
	msgs, err := b.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan *RegisteredMessage)
	go func() {
		defer close(out)
		for msg := range msgs {
			ev, derr := Deserialize(msg.Payload)
			msg.Ack()
			if derr != nil {
				logging.Warn().Err(derr).Str("uuid", msg.UUID).Msg("undecodable event dropped")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the channel down and releases all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.channel.Close()
}

// wmLogger forwards Watermill internals to the service logger. Watermill is
// chatty at info level, so its info and debug output lands below the
// service's own traffic.
type wmLogger struct {
	fields watermill.LogFields
}

// NewBusLogger returns a watermill.LoggerAdapter backed by the service logger.
func NewBusLogger() watermill.LoggerAdapter {
	return &wmLogger{}
}

func (l *wmLogger) Error(msg string, err error, fields watermill.LogFields) {
	logging.Error().Err(err).Fields(l.merge(fields)).Msg(msg)
}

func (l *wmLogger) Info(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(l.merge(fields)).Msg(msg)
}

func (l *wmLogger) Debug(msg string, fields watermill.LogFields) {
	logging.Trace().Fields(l.merge(fields)).Msg(msg)
}

func (l *wmLogger) Trace(msg string, fields watermill.LogFields) {
	logging.Trace().Fields(l.merge(fields)).Msg(msg)
}

func (l *wmLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &wmLogger{fields: l.fields.Add(fields)}
}

func (l *wmLogger) merge(fields watermill.LogFields) map[string]interface{} {
	if len(l.fields) == 0 {
		return map[string]interface{}(fields)
	}
	return map[string]interface{}(l.fields.Add(fields))
}
