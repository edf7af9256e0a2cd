// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package config

import (
	"reflect"
	"testing"
)

func TestParserUnmarshalTypes(t *testing.T) {
	input := `
; comment line
# another comment
ctype::bankperso
root::/var/spool/perso/FTP_BANK
limit::100
debug::True
stack_events::false
mailkeys::CITI_BANK|HOME_CREDIT
suppressed::PROCESS:CLOCK
delta_datefrom::-7:-30
options::with_aliases:jzdo
broken line without separator
`
	m, err := Parser{}.Unmarshal([]byte(input))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	tests := []struct {
		key  string
		want interface{}
	}{
		{"ctype", "bankperso"},
		{"root", "/var/spool/perso/FTP_BANK"},
		{"limit", 100},
		{"debug", true},
		{"stack_events", false},
		{"mailkeys", []string{"CITI_BANK", "HOME_CREDIT"}},
		{"suppressed", []string{"PROCESS", "CLOCK"}},
		{"delta_datefrom", []int{-7, -30}},
		{"options", "with_aliases:jzdo"},
	}
	for _, tt := range tests {
		got, ok := m[tt.key]
		if !ok {
			t.Errorf("key %q missing", tt.key)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("key %q = %#v, want %#v", tt.key, got, tt.want)
		}
	}

	if _, ok := m["broken line without separator"]; ok {
		t.Error("line without separator should be skipped")
	}
	if len(m) != len(tests) {
		t.Errorf("got %d keys, want %d", len(m), len(tests))
	}
}

func TestParserUnmarshalBadDelta(t *testing.T) {
	_, err := Parser{}.Unmarshal([]byte("delta_datefrom::-7:soon"))
	if err == nil {
		t.Fatal("expected error for non-integer delta_datefrom element")
	}
}

func TestParserValueEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		line string
		key  string
		want interface{}
	}{
		{"negative number stays string", "ip::-5", "ip", "-5"},
		{"digits become int", "restart::900", "restart", 900},
		{"mixed case bool", "emitter::TRUE", "emitter", true},
		{"value with spaces trimmed", "client::  CITI_BANK  ", "client", "CITI_BANK"},
		{"single pipe element dropped empties", "complete::62|", "complete", []string{"62"}},
		{"alarms keeps colons", "alarms::REMAILER:perso@bank.ru:ALARM", "alarms", "REMAILER:perso@bank.ru:ALARM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parser{}.Unmarshal([]byte(tt.line))
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got := m[tt.key]; !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParserMarshalRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"root":           "/var/spool/perso",
		"limit":          100,
		"debug":          true,
		"mailkeys":       []string{"A", "B"},
		"suppressed":     []string{"PROCESS", "CLOCK"},
		"delta_datefrom": []int{-7, -30},
	}

	b, err := Parser{}.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Parser{}.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !reflect.DeepEqual(out["mailkeys"], []string{"A", "B"}) {
		t.Errorf("mailkeys = %#v", out["mailkeys"])
	}
	if !reflect.DeepEqual(out["suppressed"], []string{"PROCESS", "CLOCK"}) {
		t.Errorf("suppressed = %#v", out["suppressed"])
	}
	if !reflect.DeepEqual(out["delta_datefrom"], []int{-7, -30}) {
		t.Errorf("delta_datefrom = %#v", out["delta_datefrom"])
	}
	if out["limit"] != 100 || out["debug"] != true {
		t.Errorf("scalars = %#v / %#v", out["limit"], out["debug"])
	}
}
