// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// datestamp is the layout of the date embedded in errorlog file names.
const datestamp = "20060102"

// ErrorlogSink mirrors log records into the operational errorlog: an
// append-only text file whose name carries the current date and whose
// content is transcoded to the 8-bit Cyrillic codepage consumed by the
// back-office tooling. The sink re-opens the file when the date rolls
// over, so a long-running service never writes yesterday's file.
//
// The path is a template: a "%s" verb is substituted with the YYYYMMDD
// stamp; a template without the verb gets "_YYYYMMDD" appended before
// the extension.
type ErrorlogSink struct {
	mu       sync.Mutex
	template string
	encoder  *encoding.Encoder
	now      func() time.Time

	file *os.File
	date string
}

// NewErrorlogSink opens (creating if needed) the errorlog for today.
func NewErrorlogSink(template string) (*ErrorlogSink, error) {
	s := &ErrorlogSink{
		template: template,
		encoder:  encoding.ReplaceUnsupported(charmap.Windows1251.NewEncoder()),
		now:      time.Now,
	}
	if err := s.rotate(s.now()); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the file path the sink currently appends to.
func (s *ErrorlogSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

// Write transcodes p and appends it to today's errorlog. The date check
// happens on every write so midnight rollover needs no external trigger.
func (s *ErrorlogSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if date := s.now().Format(datestamp); date != s.date {
		if err := s.rotate(s.now()); err != nil {
			return 0, err
		}
	}

	encoded, err := s.encoder.Bytes(p)
	if err != nil {
		// Unsupported runes are replaced, not failed; any other encoder
		// error still must not lose the record.
		encoded = p
	}
	if _, err := s.file.Write(encoded); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases the underlying file.
func (s *ErrorlogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// rotate points the sink at the file for the given date (mu held).
func (s *ErrorlogSink) rotate(t time.Time) error {
	date := t.Format(datestamp)
	path := expandTemplate(s.template, date)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("errorlog dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("errorlog open: %w", err)
	}

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = f
	s.date = date
	return nil
}

// expandTemplate resolves the configured errorlog template for a date stamp.
func expandTemplate(template, date string) string {
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, date)
	}
	ext := filepath.Ext(template)
	return template[:len(template)-len(ext)] + "_" + date + ext
}
