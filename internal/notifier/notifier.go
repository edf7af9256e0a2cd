// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package notifier turns newly registered error messages into alarms.
//
// It subscribes to the registered-message bus and applies the alarm policy:
// only messages the audit store accepted as new, with an alarmable severity,
// matching the configured mail keys, produce a notification. Delivery goes
// through the Sender interface; the default sender writes structured log
// records, which the operational errorlog mirror turns into the on-disk
// emergency trace.
package notifier

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/vporoshin/persolog/internal/adapter"
	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/events"
	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
)

// Alarm is one notification ready for delivery.
type Alarm struct {
	Title     string
	Recipient string
	Subject   string
	Body      string
	Code      string
}

// Sender delivers alarms. Implementations must be safe for sequential use
// from the notifier goroutine.
type Sender interface {
	Send(ctx context.Context, a Alarm) error
}

// LogSender writes alarms into the service log at error level.
type LogSender struct{}

func (LogSender) Send(_ context.Context, a Alarm) error {
	logging.Error().Str("recipient", a.Recipient).Str("title", a.Title).
		Str("code", a.Code).Msg(a.Subject + "\n" + a.Body)
	return nil
}

// subscriber is the bus slice the notifier consumes.
type subscriber interface {
	SubscribeEvents(ctx context.Context) (<-chan *events.RegisteredMessage, error)
}

// Notifier applies the alarm policy to registered-message events.
type Notifier struct {
	cfg     *config.Config
	adpt    *adapter.Adapter
	bus     subscriber
	sender  Sender
	limiter *rate.Limiter

	emergency string
	route     config.AlarmRoute
	hasRoute  bool
	mailkeys  []string
}

// New builds a notifier over the bus. A nil sender falls back to LogSender.
func New(cfg *config.Config, adpt *adapter.Adapter, bus subscriber, sender Sender) *Notifier {
	if sender == nil {
		sender = LogSender{}
	}
	n := &Notifier{
		cfg:       cfg,
		adpt:      adpt,
		bus:       bus,
		sender:    sender,
		limiter:   rate.NewLimiter(rate.Limit(1), 10),
		emergency: cfg.Emergency,
	}
	n.route, n.hasRoute = cfg.AlarmRoute()
	for _, k := range cfg.Mailkeys {
		if k != "" {
			n.mailkeys = append(n.mailkeys, strings.ToLower(k))
		}
	}
	return n
}

// Run consumes the bus until ctx is canceled or the bus closes.
func (n *Notifier) Run(ctx context.Context) error {
	if n.emergency == "" && !n.hasRoute {
		logging.Info().Msg("notifier disabled, no alarm destination configured")
		<-ctx.Done()
		return nil
	}

	msgs, err := n.bus.SubscribeEvents(ctx)
	if err != nil {
		return fmt.Errorf("notifier: subscribe: %w", err)
	}
	logging.Info().Str("emergency", n.emergency).Bool("route", n.hasRoute).Msg("notifier started")

	for ev := range msgs {
		n.Handle(ctx, ev)
	}
	return nil
}

// Handle applies the alarm policy to one event.
func (n *Notifier) Handle(ctx context.Context, ev *events.RegisteredMessage) {
	if !n.Eligible(ev) {
		return
	}
	if !n.limiter.Allow() {
		logging.Warn().Str("code", ev.Code).Int64("order", ev.OrderID).
			Msg("alarm dropped, rate limit")
		return
	}

	if n.emergency != "" {
		n.send(ctx, Alarm{
			Title:     "Emergency",
			Recipient: n.emergency,
			Subject:   subject(ev),
			Body:      body(ev),
			Code:      ev.Code,
		})
	}
	if n.hasRoute && strings.Contains(ev.Message, n.route.Key) {
		n.send(ctx, Alarm{
			Title:     n.route.Title,
			Recipient: n.route.Recipient,
			Subject:   subject(ev),
			Body:      body(ev),
			Code:      ev.Code,
		})
	}
}

// Eligible reports whether the event passes the alarm criteria: a new row,
// an alarmable severity and, with mail keys configured, at least one key in
// the client, the order file name or the message.
func (n *Notifier) Eligible(ev *events.RegisteredMessage) bool {
	if !ev.New || !n.adpt.Alarmable(ev.Code) {
		return false
	}
	if len(n.mailkeys) == 0 {
		return true
	}
	hay := strings.ToLower(ev.Client + " " + ev.FileName + " " + ev.Message)
	for _, key := range n.mailkeys {
		if strings.Contains(hay, key) {
			return true
		}
	}
	return false
}

func (n *Notifier) send(ctx context.Context, a Alarm) {
	err := n.sender.Send(ctx, a)
	metrics.RecordAlarm(a.Code, err)
	if err != nil {
		logging.Warn().Err(err).Str("recipient", a.Recipient).Msg("alarm delivery failed")
	}
}

func subject(ev *events.RegisteredMessage) string {
	return fmt.Sprintf("%s: %s [%s] %s", strings.ToUpper(ev.Source), ev.Code, ev.Client, ev.FileName)
}

func body(ev *events.RegisteredMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order: %d (%s)\n", ev.OrderID, ev.FileName)
	fmt.Fprintf(&b, "Log: %s\n", ev.LogFile)
	fmt.Fprintf(&b, "Date: %s\n", ev.EventDate)
	fmt.Fprintf(&b, "%s: %s\n", ev.Code, ev.Message)
	return b.String()
}
