// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package seen

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMarkerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.dat")
	m := New(path)

	want := time.Date(2026, 8, 21, 0, 0, 0, 0, time.Local)
	if err := m.Store(want); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, ok, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected stored date")
	}
	if !got.Equal(want) {
		t.Errorf("Load = %v, want %v", got, want)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read marker file: %v", err)
	}
	if string(b) != "20260821" {
		t.Errorf("file content = %q", b)
	}
}

func TestMarkerMissingFile(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "absent.dat"))

	_, ok, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Error("absent marker should report ok=false")
	}
}

func TestMarkerDisabled(t *testing.T) {
	m := New("")
	if m.Enabled() {
		t.Error("empty path should disable the marker")
	}
	if _, ok, err := m.Load(); ok || err != nil {
		t.Errorf("Load on disabled = %v, %v", ok, err)
	}
	if err := m.Store(time.Now()); err != nil {
		t.Errorf("Store on disabled: %v", err)
	}
}

func TestMarkerBadContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.dat")
	if err := os.WriteFile(path, []byte("yesterday\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := New(path).Load()
	if err == nil {
		t.Fatal("expected error for unparseable marker content")
	}
}

func TestMarkerReadsFirstLineOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.dat")
	if err := os.WriteFile(path, []byte("20260820\ntrailing junk\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, ok, err := New(path).Load()
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	want := time.Date(2026, 8, 20, 0, 0, 0, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("Load = %v, want %v", got, want)
	}
}

func TestStoreCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "nested", "seen.dat")
	if err := New(path).Store(time.Date(2026, 1, 2, 0, 0, 0, 0, time.Local)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("marker not created: %v", err)
	}
}

func TestStoreZeroDateIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.dat")
	if err := New(path).Store(time.Time{}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("zero date should not create the marker file")
	}
}
