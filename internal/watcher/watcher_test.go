// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/vporoshin/persolog/internal/adapter"
	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/tailer"
)

func TestQueueCoalescesSameFile(t *testing.T) {
	q := NewQueue(false)

	if !q.Push(NewEvent(Modified, "/logs/a.log")) {
		t.Fatal("first push coalesced")
	}
	if q.Push(NewEvent(Modified, "/logs/a.log")) {
		t.Error("second push for the same file queued")
	}
	if !q.Push(NewEvent(Modified, "/logs/b.log")) {
		t.Error("push for another file coalesced")
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}

	e, ok := q.Peek()
	if !ok || e.Path != "/logs/a.log" {
		t.Errorf("peek = %+v, %t", e, ok)
	}
	q.Pop()
	e, _ = q.Peek()
	if e.Path != "/logs/b.log" {
		t.Errorf("after pop peek = %+v", e)
	}
	q.Pop()
	if _, ok := q.Peek(); ok {
		t.Error("peek on empty queue")
	}
}

func TestQueueWatchEverything(t *testing.T) {
	q := NewQueue(true)
	q.Push(NewEvent(Modified, "/logs/a.log"))
	q.Push(NewEvent(Modified, "/logs/a.log"))
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestQueueStampsActivity(t *testing.T) {
	q := NewQueue(false)
	if !q.LastEvent().IsZero() {
		t.Fatal("fresh queue reports activity")
	}
	q.Push(NewEvent(Modified, "/logs/a.log"))
	first := q.LastEvent()
	if first.IsZero() {
		t.Fatal("push did not stamp activity")
	}
	// A coalesced push still counts as activity.
	q.Push(NewEvent(Modified, "/logs/a.log"))
	if q.LastEvent().Before(first) {
		t.Error("coalesced push moved activity backwards")
	}
}

func newProducer(t *testing.T, cfg *config.Config) (*Producer, *tailer.Table, *Queue) {
	t.Helper()
	adpt, err := adapter.New(cfg)
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	table := tailer.NewTable()
	queue := NewQueue(cfg.WatchEverything)
	p, err := NewProducer(cfg, adpt, table, queue)
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	return p, table, queue
}

func noAdd(string) error { return nil }

func TestHandleCreateRegistersFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "20260210_checker.log")
	if err := os.WriteFile(file, []byte("leftover\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, table, queue := newProducer(t, &config.Config{CType: config.CTypeBankperso, Root: dir})
	p.handle(noAdd, fsnotify.Event{Name: file, Op: fsnotify.Create})

	if off, ok := table.Offset(file); !ok || off != 0 {
		t.Errorf("offset = %d, %t; want 0, true", off, ok)
	}
	e, ok := queue.Peek()
	if !ok || e.Type != Created || e.Path != tailer.NormPath(file) {
		t.Errorf("queued = %+v, %t", e, ok)
	}
}

func TestHandleCreateDirectoryAddsWatch(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "Log_New")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	p, _, queue := newProducer(t, &config.Config{CType: config.CTypeBankperso, Root: dir})
	added := ""
	p.handle(func(path string) error { added = path; return nil }, fsnotify.Event{Name: sub, Op: fsnotify.Create})

	if added != tailer.NormPath(sub) {
		t.Errorf("added = %q, want %q", added, sub)
	}
	if queue.Len() != 0 {
		t.Error("directory create queued an event")
	}
}

func TestHandleRemoveForgetsOffset(t *testing.T) {
	p, table, queue := newProducer(t, &config.Config{CType: config.CTypeBankperso, Root: "/logs"})
	table.Set("/logs/a.log", 42)

	p.handle(noAdd, fsnotify.Event{Name: "/logs/a.log", Op: fsnotify.Remove})

	if _, ok := table.Offset("/logs/a.log"); ok {
		t.Error("offset survived remove")
	}
	e, ok := queue.Peek()
	if !ok || e.Type != Deleted {
		t.Errorf("queued = %+v, %t", e, ok)
	}
}

func TestHandleRenameForgetsOldName(t *testing.T) {
	p, table, queue := newProducer(t, &config.Config{CType: config.CTypeBankperso, Root: "/logs"})
	table.Set("/logs/a.log", 42)

	p.handle(noAdd, fsnotify.Event{Name: "/logs/a.log", Op: fsnotify.Rename})

	if _, ok := table.Offset("/logs/a.log"); ok {
		t.Error("offset survived rename")
	}
	e, ok := queue.Peek()
	if !ok || e.Type != Moved {
		t.Errorf("queued = %+v, %t", e, ok)
	}
}

func TestHandleSuppressedPathIgnored(t *testing.T) {
	p, table, queue := newProducer(t, &config.Config{
		CType:      config.CTypeBankperso,
		Root:       "/logs",
		Suppressed: []string{"archive"},
	})

	p.handle(noAdd, fsnotify.Event{Name: "/logs/ARCHIVE/a.log", Op: fsnotify.Write})

	if queue.Len() != 0 || table.Len() != 0 {
		t.Error("suppressed path produced an event")
	}
}

func TestSweepTreePicksUpUnseenFiles(t *testing.T) {
	dir := t.TempDir()
	known := filepath.Join(dir, "20260210_known.log")
	missed := filepath.Join(dir, "20260210_missed.log")
	for _, f := range []string{known, missed} {
		if err := os.WriteFile(f, []byte("line\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p, table, queue := newProducer(t, &config.Config{CType: config.CTypeBankperso, Root: dir})
	table.Set(tailer.NormPath(known), 5)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	p.sweepTree(w)

	if off, ok := table.Offset(tailer.NormPath(known)); !ok || off != 5 {
		t.Errorf("known offset = %d, %t; want 5, true", off, ok)
	}
	if off, ok := table.Offset(tailer.NormPath(missed)); !ok || off != 0 {
		t.Errorf("missed offset = %d, %t; want 0, true", off, ok)
	}
	e, ok := queue.Peek()
	if !ok || e.Type != Created || e.Path != tailer.NormPath(missed) {
		t.Errorf("queued = %+v, %t", e, ok)
	}
	if queue.Len() != 1 {
		t.Errorf("len = %d, want 1", queue.Len())
	}
}

func TestHandleFilemask(t *testing.T) {
	p, _, queue := newProducer(t, &config.Config{
		CType:    config.CTypeBankperso,
		Root:     "/logs",
		Filemask: `\.log$`,
	})

	p.handle(noAdd, fsnotify.Event{Name: "/logs/notes.txt", Op: fsnotify.Write})
	if queue.Len() != 0 {
		t.Fatal("mask let a non-log file through")
	}
	p.handle(noAdd, fsnotify.Event{Name: "/logs/today.log", Op: fsnotify.Write})
	if queue.Len() != 1 {
		t.Fatal("mask dropped a log file")
	}
}
