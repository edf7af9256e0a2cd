// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package consumer drains the observer queue and drives the correlation
// engine.
//
// The consumer ticks on a fixed interval. Each tick takes at most one queued
// event: it tails the file behind the event, feeds the new lines to the
// engine and launches a correlation pass. Quiet periods count up to an idle
// reclaim, and a source silent for longer than the restart window makes the
// consumer fail on purpose so the supervisor rebuilds the watch.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/vporoshin/persolog/internal/adapter"
	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/correlate"
	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/seen"
	"github.com/vporoshin/persolog/internal/tailer"
	"github.com/vporoshin/persolog/internal/watcher"
)

// idleReclaimLimit is the number of consecutive eventless ticks before the
// overstock is retried against finalized orders.
const idleReclaimLimit = 10

// Consumer owns one end of the observer queue. Not safe for concurrent use;
// exactly one goroutine runs it.
type Consumer struct {
	cfg    *config.Config
	adpt   *adapter.Adapter
	queue  *watcher.Queue
	reader *tailer.Reader
	engine *correlate.Engine
	marker *seen.Marker

	// current is the observed date: file names must carry it to be read,
	// and it floors the order window. It starts at the seen marker (or
	// today) and evolves forward with the dates embedded in file names.
	current time.Time
	idle    int
	started time.Time
}

// New builds a consumer starting from the given observed date. A zero
// dateFrom starts from today.
func New(cfg *config.Config, adpt *adapter.Adapter, queue *watcher.Queue, reader *tailer.Reader, engine *correlate.Engine, marker *seen.Marker, dateFrom time.Time) *Consumer {
	if dateFrom.IsZero() {
		dateFrom = time.Now()
	}
	return &Consumer{
		cfg:     cfg,
		adpt:    adpt,
		queue:   queue,
		reader:  reader,
		engine:  engine,
		marker:  marker,
		current: dateFrom,
	}
}

// Current returns the observed date.
func (c *Consumer) Current() time.Time {
	return c.current
}

// Run ticks until ctx is canceled. A staleness failure is returned as an
// error; the supervisor tears the pipeline down and builds it anew.
func (c *Consumer) Run(ctx context.Context) error {
	sleep := time.Duration(c.cfg.Sleep) * time.Second
	if sleep <= 0 {
		sleep = time.Second
	}
	c.started = time.Now()

	ticker := time.NewTicker(sleep)
	defer ticker.Stop()

	logging.Info().Dur("tick", sleep).Str("date_from", c.current.Format("2006-01-02")).
		Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// tick processes at most one queued event.
func (c *Consumer) tick(ctx context.Context) error {
	if err := c.checkStale(); err != nil {
		return err
	}

	ev, ok := c.queue.Peek()
	if !ok {
		c.idle++
		if c.idle >= idleReclaimLimit {
			c.engine.Reclaim(ctx, "idle", c.current)
			c.idle = 0
		}
		return nil
	}
	c.idle = 0

	c.process(ctx, ev)
	c.queue.Pop()
	return nil
}

// checkStale fails the consumer when the source went quiet for longer than
// the restart window. Disabled with restart unset.
func (c *Consumer) checkStale() error {
	if c.cfg.Restart <= 0 {
		return nil
	}
	last := c.queue.LastEvent()
	if last.IsZero() {
		last = c.started
	}
	quiet := time.Since(last)
	if quiet > time.Duration(c.cfg.Restart)*time.Second {
		return fmt.Errorf("consumer: no filesystem activity for %s", quiet.Round(time.Second))
	}
	return nil
}

// process tails the file behind one event and launches a correlation pass.
func (c *Consumer) process(ctx context.Context, ev watcher.Event) {
	path := ev.Path

	if ev.Type == watcher.Deleted || ev.Type == watcher.Moved {
		// The producer already dropped the offset; nothing to read.
		return
	}
	if !c.adpt.MatchFilename(path, c.current) || !c.adpt.MatchClient(path) {
		logging.Trace().Str("file", path).Msg("event skipped, filename not matched")
		return
	}

	dateFrom := c.current
	if d, ok := c.adpt.ParseFileDate(path); ok {
		dateFrom = d
		c.evoluteDate(d)
	}

	lines, err := c.reader.ReadNew(path)
	if err != nil {
		logging.Debug().Err(err).Str("file", path).Msg("tail failed")
		return
	}
	if len(lines) == 0 {
		return
	}

	batch := make([]correlate.Line, 0, len(lines))
	for _, l := range lines {
		if !c.adpt.ValidLine(path, l) {
			continue
		}
		batch = append(batch, correlate.Line{File: path, Text: l})
	}
	logging.Debug().Str("file", path).Int("lines", len(batch)).Msg("log event")
	if len(batch) == 0 && !c.cfg.StackEvents {
		return
	}

	c.engine.AddLines(batch, c.cfg.StackEvents)
	if _, err := c.engine.LaunchEvent(ctx, dateFrom); err != nil {
		logging.Warn().Err(err).Msg("correlation pass failed")
	}
	c.engine.CheckOverstock(ctx, dateFrom)
}

// evoluteDate moves the observed date forward when a file from a newer date
// shows up. Offsets for files outside the new date leave the table and the
// seen marker advances, so a later restart resumes from here.
func (c *Consumer) evoluteDate(d time.Time) {
	if sameDate(d, c.current) {
		return
	}

	c.reader.Table().Prune(func(path string) bool {
		return c.adpt.MatchFilename(path, d)
	})
	if err := c.marker.Store(d); err != nil {
		logging.Warn().Err(err).Msg("seen marker update failed")
	}
	logging.Info().Str("from", c.current.Format("2006-01-02")).
		Str("to", d.Format("2006-01-02")).Msg("observed date evolved")
	c.current = d
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
