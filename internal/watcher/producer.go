// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vporoshin/persolog/internal/adapter"
	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
	"github.com/vporoshin/persolog/internal/tailer"
)

// Producer watches the log root recursively and feeds the event queue.
// fsnotify watches single directories, so the producer adds a watch for
// every directory under the root and for directories created later.
type Producer struct {
	root   string
	adpt   *adapter.Adapter
	table  *tailer.Table
	queue  *Queue
	masks  []*regexp.Regexp
	rescan time.Duration
	trace  bool
}

// NewProducer builds a producer over the configured root. The adapter's path
// filters decide which files produce events.
func NewProducer(cfg *config.Config, adpt *adapter.Adapter, table *tailer.Table, queue *Queue) (*Producer, error) {
	var masks []*regexp.Regexp
	for _, src := range adpt.PathRegexes() {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("watcher: path filter %q: %w", src, err)
		}
		masks = append(masks, re)
	}
	return &Producer{
		root:   cfg.Root,
		adpt:   adpt,
		table:  table,
		queue:  queue,
		masks:  masks,
		rescan: time.Duration(cfg.Timeout) * time.Second,
		trace:  cfg.ObserverTrace,
	}, nil
}

// Run watches the root until ctx is canceled. A broken notification channel
// is returned as an error so the supervisor rebuilds the whole pipeline.
func (p *Producer) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer w.Close()

	if err := p.addTree(w, p.root); err != nil {
		return err
	}
	logging.Info().Str("root", p.root).Int("watches", len(w.WatchList())).Msg("observer started")

	// Files written into a directory before its watch attached never raise a
	// notification; a periodic sweep picks them up.
	interval := p.rescan
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweepTree(w)
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher: event channel closed")
			}
			p.handle(w.Add, ev)
		case werr, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher: error channel closed")
			}
			logging.Warn().Err(werr).Msg("observer error")
		}
	}
}

// addTree registers a watch for dir and every directory below it.
func (p *Producer) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory may vanish mid-walk; skip rather than abort.
			logging.Warn().Err(err).Str("path", path).Msg("observer walk error")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p.adpt.Suspended(path) {
			return filepath.SkipDir
		}
		if aerr := w.Add(path); aerr != nil {
			return fmt.Errorf("watcher: watch %s: %w", path, aerr)
		}
		return nil
	})
}

// sweepTree re-walks the root, attaching watches to directories that appeared
// without a create notification and queuing files the table has never seen.
func (p *Producer) sweepTree(w *fsnotify.Watcher) {
	_ = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p.adpt.Suspended(path) {
				return filepath.SkipDir
			}
			if aerr := w.Add(path); aerr != nil {
				logging.Warn().Err(aerr).Str("dir", path).Msg("rescan watch failed")
			}
			return nil
		}
		norm := tailer.NormPath(path)
		if !p.accept(norm) {
			return nil
		}
		if _, known := p.table.Offset(norm); !known {
			p.table.Set(norm, 0)
			p.enqueue(Created, norm)
		}
		return nil
	})
}

// handle maps one raw notification onto the offset table and the queue. add
// attaches a watch to a newly created directory.
func (p *Producer) handle(add func(string) error, ev fsnotify.Event) {
	path := tailer.NormPath(ev.Name)

	switch {
	case ev.Op.Has(fsnotify.Create):
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if p.adpt.Suspended(path) {
				return
			}
			if aerr := add(path); aerr != nil {
				logging.Warn().Err(aerr).Str("dir", path).Msg("watch new directory failed")
			}
			return
		}
		if !p.accept(path) {
			return
		}
		// A created file starts unread whatever its size: a move-in may
		// carry history this source never audited.
		p.table.Set(path, 0)
		p.enqueue(Created, path)

	case ev.Op.Has(fsnotify.Write):
		if !p.accept(path) {
			return
		}
		p.enqueue(Modified, path)

	case ev.Op.Has(fsnotify.Remove):
		if !p.accept(path) {
			return
		}
		p.table.Forget(path)
		p.enqueue(Deleted, path)

	case ev.Op.Has(fsnotify.Rename):
		// Rename reports only the old name; the destination shows up as a
		// separate Create and registers there.
		if !p.accept(path) {
			return
		}
		p.table.Forget(path)
		p.enqueue(Moved, path)
	}
}

// accept reports whether a file path participates in observation.
func (p *Producer) accept(path string) bool {
	if p.adpt.Suspended(path) {
		return false
	}
	for _, re := range p.masks {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (p *Producer) enqueue(t EventType, path string) {
	e := NewEvent(t, path)
	queued := p.queue.Push(e)
	metrics.RecordObserverEvent(string(t))
	if p.trace {
		logging.Trace().Str("event", string(t)).Str("file", path).
			Bool("queued", queued).Msg("observer event")
	}
}
