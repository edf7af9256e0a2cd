// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package seen persists the last observed log date between runs.
//
// The marker is a single-line YYYYMMDD file. On startup it becomes the
// date_from floor for order queries, so a restarted service resumes where the
// previous run stopped instead of re-auditing a full week of logs.
package seen

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const dateLayout = "20060102"

// Marker stores the date floor in a single-line file. Writes go through a
// rename so a crash mid-write never clobbers the previous value.
type Marker struct {
	path string
}

// New returns a Marker bound to path. An empty path disables persistence;
// Load then reports no date and Store becomes a no-op.
func New(path string) *Marker {
	return &Marker{path: path}
}

// Enabled reports whether the marker is backed by a file.
func (m *Marker) Enabled() bool {
	return m.path != ""
}

// Path returns the marker file path, empty when disabled.
func (m *Marker) Path() string {
	return m.path
}

// Load reads the stored date. A disabled or absent marker returns ok=false
// without error; content that does not parse as YYYYMMDD is an error, since
// silently restarting from scratch would re-audit and re-alarm a full window.
func (m *Marker) Load() (date time.Time, ok bool, err error) {
	if m.path == "" {
		return time.Time{}, false, nil
	}

	b, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read seen marker: %w", err)
	}

	line, _, _ := strings.Cut(string(b), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return time.Time{}, false, nil
	}

	date, err = time.ParseInLocation(dateLayout, line, time.Local)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("seen marker %s: bad date %q", m.path, line)
	}
	return date, true, nil
}

// Store writes date atomically, creating the parent directory on first use.
// Disabled markers and zero dates are ignored.
func (m *Marker) Store(date time.Time) error {
	if m.path == "" || date.IsZero() {
		return nil
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("seen marker dir: %w", err)
		}
	}
	if err := renameio.WriteFile(m.path, []byte(date.Format(dateLayout)), 0o644); err != nil {
		return fmt.Errorf("write seen marker: %w", err)
	}
	return nil
}
