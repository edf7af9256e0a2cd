// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package emitter replays existing log files once at startup.
//
// The sweep covers the gap between the last seen date and now: every file
// under the root that passes the filename policy is read from the start and
// its lines offered to the correlation engine one by one. Orders confirm
// through the sweep derivation, which readies them even before their batches
// exist. The sweep runs once; live observation takes over afterwards.
package emitter

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/vporoshin/persolog/internal/adapter"
	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/correlate"
	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
	"github.com/vporoshin/persolog/internal/orders"
	"github.com/vporoshin/persolog/internal/seen"
	"github.com/vporoshin/persolog/internal/tailer"
)

// Emitter sweeps the log root once.
type Emitter struct {
	cfg      *config.Config
	adpt     *adapter.Adapter
	cache    *orders.Cache
	reader   *tailer.Reader
	engine   *correlate.Engine
	marker   *seen.Marker
	dateFrom time.Time
}

// New builds a sweep starting from dateFrom; files dated earlier are skipped.
// A zero dateFrom sweeps everything under the root.
func New(cfg *config.Config, adpt *adapter.Adapter, cache *orders.Cache, reader *tailer.Reader, engine *correlate.Engine, marker *seen.Marker, dateFrom time.Time) *Emitter {
	return &Emitter{
		cfg:      cfg,
		adpt:     adpt,
		cache:    cache,
		reader:   reader,
		engine:   engine,
		marker:   marker,
		dateFrom: dateFrom,
	}
}

// Run walks the root and replays every collected file. Returns nil on
// cancellation; the sweep resumes from the seen marker on the next start.
func (e *Emitter) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.EmitterDuration.Observe(time.Since(start).Seconds())
	}()

	files, err := e.collect()
	if err != nil {
		return err
	}
	logging.Info().Int("files", len(files)).Str("root", e.cfg.Root).Msg("bootstrap sweep started")

	processed := 0
	current := e.dateFrom

	for n, file := range files {
		select {
		case <-ctx.Done():
			logging.Info().Int("done", n).Int("files", len(files)).Msg("bootstrap sweep canceled")
			return nil
		default:
		}

		metrics.EmitterFilesScanned.Inc()
		logging.Debug().Str("file", file).Int("n", n+1).Int("of", len(files)).Msg("sweeping")

		fileDate, dated := e.adpt.ParseFileDate(file)
		dateFrom := current
		if dated {
			dateFrom = fileDate
		}

		// The whole file replays, whatever a previous run read.
		e.reader.Table().Set(file, 0)

		active, err := e.cache.Refresh(ctx, dateFrom, e.cfg.DeltaNear(), false, e.sweepKeys(ctx))
		if err != nil {
			logging.Warn().Err(err).Str("file", file).Msg("order refresh failed, file skipped")
			continue
		}
		if active == 0 {
			logging.Debug().Str("file", file).Msg("no active orders, file skipped")
			continue
		}

		lines, err := e.reader.ReadNew(file)
		if err != nil {
			logging.Warn().Err(err).Msg("sweep read failed")
			continue
		}
		for _, l := range lines {
			if !e.adpt.ValidLine(file, l) {
				continue
			}
			if _, logged := e.engine.SweepLine(ctx, correlate.Line{File: file, Text: l}); logged {
				processed++
			}
			if e.cfg.Limit > 0 && processed > e.cfg.Limit {
				logging.Info().Int("limit", e.cfg.Limit).Msg("sweep line limit reached")
				return e.finish(start, processed)
			}
		}

		if dated && fileDate.After(current) {
			current = fileDate
			if merr := e.marker.Store(current); merr != nil {
				logging.Warn().Err(merr).Msg("seen marker update failed")
			}
		}
	}

	return e.finish(start, processed)
}

func (e *Emitter) finish(start time.Time, processed int) error {
	logging.Info().Int("logged", processed).Dur("took", time.Since(start)).
		Msg("bootstrap sweep finished")
	return nil
}

// collect walks the root and returns the files to replay, sorted by path.
// Files dated before the sweep floor and files the filename policy rejects
// stay out.
func (e *Emitter) collect() ([]string, error) {
	// Without a seen marker the sweep is unbounded unless check_datefrom
	// asks for the near-delta window instead.
	floor := e.dateFrom
	if floor.IsZero() && e.cfg.CheckDateFrom {
		floor = time.Now().AddDate(0, 0, e.cfg.DeltaNear())
	}

	var files []string
	err := filepath.WalkDir(e.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("sweep walk error")
			return nil
		}
		if d.IsDir() {
			if e.adpt.Suspended(path) {
				return filepath.SkipDir
			}
			return nil
		}
		path = tailer.NormPath(path)
		if e.adpt.Suspended(path) || !e.adpt.MatchClient(path) {
			return nil
		}
		if fd, ok := e.adpt.ParseFileDate(path); ok && !floor.IsZero() && fd.Before(floorDate(floor)) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// sweepKeys readies even batchless orders, since swept history may predate
// batch creation.
func (e *Emitter) sweepKeys(ctx context.Context) func(o *orders.Order) {
	return func(o *orders.Order) {
		if err := e.cache.SweepKeys(ctx, o); err != nil {
			logging.Warn().Err(err).Int64("order", o.ID).Msg("sweep key derivation failed")
		}
	}
}

func floorDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
