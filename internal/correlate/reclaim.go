// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package correlate

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
	"github.com/vporoshin/persolog/internal/orders"
)

// CheckOverstock runs a reclaim pass when the queue grew past the lower
// bound and by more than the step since the previous pass. Called by the
// consumer after every launched event.
func (e *Engine) CheckOverstock(ctx context.Context, dateFrom time.Time) {
	e.mu.Lock()
	n := len(e.lines)
	grown := n-e.lastLen > overstockStep
	e.mu.Unlock()

	if n > overstockLow && grown {
		e.Reclaim(ctx, "after_event", dateFrom)
	}
}

// Reclaim retries every queued line against the finalized orders: the
// live cache steps aside for a scratch map filled from the wider window
// (delta far, completed statuses only) and is restored afterwards. Queued
// lines are retried in arrival order against orders in name-descending
// order. When the queue tops the upper bound, or too many consecutive
// passes made no progress, the queue is flushed after a diagnostic dump.
func (e *Engine) Reclaim(ctx context.Context, trigger string, dateFrom time.Time) {
	e.mu.Lock()
	queued := len(e.lines)
	e.mu.Unlock()
	if queued == 0 {
		return
	}

	logging.Debug().Int("lines", queued).Str("trigger", trigger).Msg("overstock reclaim started")

	live := e.cache.Swap(nil)
	if _, err := e.cache.Refresh(ctx, dateFrom, e.cfg.DeltaFar(), true, e.deriveKeys(ctx)); err != nil {
		logging.Warn().Err(err).Msg("finalized order refresh failed")
	}

	reclaimed := 0
	for _, id := range e.cache.IDs() {
		o, ok := e.cache.Get(id)
		if !ok || o.State == orders.StatePending {
			continue
		}
		reclaimed += e.reclaimOrder(ctx, o)
		e.mu.Lock()
		if len(e.lines) == 0 {
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()
	}
	e.cache.Swap(live)

	e.mu.Lock()
	n := len(e.lines)
	if reclaimed > 0 {
		e.logged += reclaimed
	}

	force := false
	switch {
	case n == 0:
		e.reclaimLog = nil
	case n > overstockHigh || len(e.reclaimLog) > reclaimRunLimit:
		force = true
	case len(e.reclaimLog) > 0 && e.reclaimLog[len(e.reclaimLog)-1] == n:
		e.reclaimLog = append(e.reclaimLog, n)
	default:
		e.reclaimLog = []int{n}
	}
	e.lastLen = n

	var dump []Line
	if force {
		dump = e.lines
		e.lines = nil
		e.reclaimLog = nil
		e.lastLen = 0
		trigger = "forced"
	}
	metrics.LinesUnresolved.Set(float64(len(e.lines)))
	e.mu.Unlock()

	metrics.RecordReclaim(trigger, reclaimed)

	if force {
		e.dumpOverstock(dump)
	}
	logging.Debug().Int("reclaimed", reclaimed).Int("left", n).Msg("overstock reclaim finished")
}

// reclaimOrder retries the queue for one finalized order, counting lines
// the audit store logged as new. No alarm fan-out on the reclaim path.
func (e *Engine) reclaimOrder(ctx context.Context, o *orders.Order) int {
	e.mu.Lock()
	pending := e.lines
	e.mu.Unlock()

	logged := 0
	var left []Line
	for _, line := range pending {
		st, ok := e.tryLine(ctx, o, line, false)
		if !ok {
			left = append(left, line)
			continue
		}
		if st == StatusNew {
			e.mu.Lock()
			e.found[o.ID]++
			e.mu.Unlock()
			logged++
		}
	}

	e.mu.Lock()
	e.lines = left
	e.mu.Unlock()
	return logged
}

// deriveKeys is the refresh callback that builds keys for orders the
// merge left pending.
func (e *Engine) deriveKeys(ctx context.Context) func(o *orders.Order) {
	return func(o *orders.Order) {
		if err := e.cache.DeriveKeys(ctx, o); err != nil {
			logging.Warn().Err(err).Int64("order", o.ID).Msg("key derivation failed")
		}
	}
}

// dumpOverstock renders the flushed lines grouped by file, followed by
// the order table, so a stuck queue leaves evidence behind.
func (e *Engine) dumpOverstock(lines []Line) {
	if len(lines) == 0 {
		return
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].File < lines[j].File })

	var b strings.Builder
	file := ""
	for _, l := range lines {
		if l.File != file {
			b.WriteString("--> file: " + l.File + "\n")
			file = l.File
		}
		b.WriteString(strings.TrimRight(l.Text, "\r\n") + "\n")
	}
	for _, row := range e.cache.Dump() {
		b.WriteString(row + "\n")
	}
	logging.Warn().Int("lines", len(lines)).Msg("overstock flushed:\n" + b.String())
}
