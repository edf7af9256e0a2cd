// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package config

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Parser implements koanf.Parser for the flat persolog configuration format.
//
// Each line is "key::value". Blank lines and lines starting with ';' or '#'
// are skipped. Values are typed while parsing:
//
//   - suppressed       -> list, split on ':'
//   - delta_datefrom   -> int list, split on ':'
//   - values with '|'  -> list, split on '|'
//   - "true"/"false"   -> bool
//   - unsigned digits  -> int
//   - everything else  -> string
//
// Colon-joined values such as options and alarms stay plain strings; their
// structure belongs to the component that consumes them.
type Parser struct{}

// Unmarshal parses the configuration bytes into a flat key map.
func (Parser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	for i, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "::")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}

		typed, err := parseValue(key, value)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out[key] = typed
	}

	return out, nil
}

// Marshal renders the key map back into the line format. Lists are rejoined
// with the separator Unmarshal split them on.
func (Parser) Marshal(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		sep := "|"
		if k == "suppressed" || k == "delta_datefrom" {
			sep = ":"
		}
		fmt.Fprintf(&buf, "%s::%s\n", k, renderValue(m[k], sep))
	}
	return buf.Bytes(), nil
}

func parseValue(key, raw string) (interface{}, error) {
	switch key {
	case "suppressed":
		return splitList(raw, ":"), nil
	case "delta_datefrom":
		parts := splitList(raw, ":")
		deltas := make([]int, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("delta_datefrom: %q is not an integer", p)
			}
			deltas = append(deltas, n)
		}
		return deltas, nil
	}

	if strings.Contains(raw, "|") {
		return splitList(raw, "|"), nil
	}
	switch strings.ToLower(raw) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if isDigits(raw) {
		n, err := strconv.Atoi(raw)
		if err == nil {
			return n, nil
		}
	}
	return raw, nil
}

func renderValue(v interface{}, sep string) string {
	switch val := v.(type) {
	case []string:
		return strings.Join(val, sep)
	case []int:
		parts := make([]string, len(val))
		for i, n := range val {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, sep)
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = fmt.Sprint(e)
		}
		return strings.Join(parts, sep)
	default:
		return fmt.Sprint(v)
	}
}

func splitList(raw, sep string) []string {
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
