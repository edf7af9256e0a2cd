// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package tailer reads newly appended lines from watched log files.
//
// A Table keeps one byte offset per file, advanced only past complete lines;
// a trailing segment without a newline stays unread until the writer finishes
// it. Files that shrink below their stored offset are treated as rotated and
// reread from the start.
package tailer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
	"github.com/vporoshin/persolog/internal/textenc"
)

// NormPath brings a watched file path to its canonical form. All Table keys
// go through it, so observer events and sweep walks address the same entry.
func NormPath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(filepath.FromSlash(p))
}

// Table tracks per-file read offsets. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	offsets map[string]int64
}

// NewTable returns an empty offset table.
func NewTable() *Table {
	return &Table{offsets: make(map[string]int64)}
}

// Offset returns the stored offset for path and whether the file is known.
func (t *Table) Offset(path string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	off, ok := t.offsets[NormPath(path)]
	return off, ok
}

// Set stores the offset for path, registering the file when new.
func (t *Table) Set(path string, off int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offsets[NormPath(path)] = off
}

// Forget drops the entry for path.
func (t *Table) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.offsets, NormPath(path))
}

// Rename moves tracking from old to new. The new file starts from offset 0:
// a moved-in file has never been read here, whatever its name suggests.
func (t *Table) Rename(old, new string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.offsets, NormPath(old))
	if new != "" {
		t.offsets[NormPath(new)] = 0
	}
}

// Prune removes entries for which keep returns false. Used when the observed
// date moves forward and files from past dates leave the match window.
func (t *Table) Prune(keep func(path string) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for path := range t.offsets {
		if !keep(path) {
			delete(t.offsets, path)
		}
	}
}

// Len returns the number of tracked files.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.offsets)
}

// Snapshot returns a copy of the offset map for status reporting.
func (t *Table) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.offsets))
	for k, v := range t.offsets {
		out[k] = v
	}
	return out
}

// Paths returns the tracked file paths in sorted order.
func (t *Table) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.offsets))
	for k := range t.offsets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reader reads new complete lines past the offsets stored in a Table.
type Reader struct {
	table *Table
	codec *textenc.Codec
	trace bool

	mu     sync.Mutex
	denied map[string]bool
}

// NewReader returns a Reader decoding lines with codec. When trace is set,
// every decode failure is logged with the file and the offending line.
func NewReader(table *Table, codec *textenc.Codec, trace bool) *Reader {
	return &Reader{table: table, codec: codec, trace: trace, denied: make(map[string]bool)}
}

// Table returns the offset table the reader advances.
func (r *Reader) Table() *Table {
	return r.table
}

// ReadNew returns the complete lines appended to path since the last read and
// advances the stored offset past them. Empty lines are dropped; a line that
// fails to decode is replaced by a synthetic "{exception: reason}" line so the
// failure surfaces downstream instead of vanishing.
func (r *Reader) ReadNew(path string) ([]string, error) {
	path = NormPath(path)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return r.deniedLines(path, err), nil
		}
		return nil, fmt.Errorf("tail %s: %w", path, err)
	}
	defer f.Close()
	r.allow(path)

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", path, err)
	}

	off, _ := r.table.Offset(path)
	if fi.Size() < off {
		logging.Debug().Str("file", path).Int64("offset", off).Int64("size", fi.Size()).
			Msg("log file shrank, rereading from start")
		metrics.TailRotations.Inc()
		off = 0
	}
	if fi.Size() == off {
		r.table.Set(path, off)
		return nil, nil
	}

	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("tail %s: seek: %w", path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", path, err)
	}

	// Only complete lines count; the tail past the last newline stays unread.
	consumed := bytes.LastIndexByte(data, '\n') + 1
	if consumed == 0 {
		r.table.Set(path, off)
		return nil, nil
	}

	lines := r.decodeLines(path, data[:consumed])
	r.table.Set(path, off+int64(consumed))
	metrics.RecordTailRead(int64(consumed), len(lines))
	return lines, nil
}

// deniedLines turns a permission failure into a synthetic exception line,
// once per file: the first denial warns and surfaces downstream, repeats
// stay quiet until the file opens again.
func (r *Reader) deniedLines(path string, err error) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied[path] {
		return nil
	}
	r.denied[path] = true
	logging.Warn().Err(err).Str("file", path).Msg("log file access denied")
	return []string{fmt.Sprintf("{exception: %v}", err)}
}

func (r *Reader) allow(path string) {
	r.mu.Lock()
	delete(r.denied, path)
	r.mu.Unlock()
}

func (r *Reader) decodeLines(path string, chunk []byte) []string {
	raw := bytes.Split(chunk, []byte{'\n'})
	out := make([]string, 0, len(raw))
	for _, b := range raw {
		b = bytes.TrimRight(b, "\r")
		if len(b) == 0 {
			continue
		}
		line, err := r.codec.Decode(b)
		if err != nil {
			metrics.TailDecodeErrors.Inc()
			if r.trace {
				logging.Warn().Str("file", path).Err(err).Msg("log line decode failed")
			}
			line = fmt.Sprintf("{exception: %v}", err)
		}
		out = append(out, line)
	}
	return out
}
