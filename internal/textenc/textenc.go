// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package textenc resolves the byte encodings the upstream processors write
// their logs in. The back-office default is Windows-1251; individual sources
// can override it per config. Decoding is strict: a byte with no assigned
// code point is an error, so the tail reader can surface it as a decode
// exception instead of silently corrupting a message.
package textenc

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// DefaultName is the encoding assumed when the config does not set one.
const DefaultName = "cp1251"

// Codec decodes raw log bytes into Go strings and back.
// A nil charmap means the source writes UTF-8.
type Codec struct {
	name string
	cm   *charmap.Charmap
}

// Resolve maps a config encoding name onto a Codec.
func Resolve(name string) (*Codec, error) {
	if name == "" {
		name = DefaultName
	}
	norm := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(name))

	switch norm {
	case "cp1251", "windows1251", "win1251":
		return &Codec{name: name, cm: charmap.Windows1251}, nil
	case "cp1252", "windows1252":
		return &Codec{name: name, cm: charmap.Windows1252}, nil
	case "cp866", "ibm866", "dos866":
		return &Codec{name: name, cm: charmap.CodePage866}, nil
	case "koi8r":
		return &Codec{name: name, cm: charmap.KOI8R}, nil
	case "iso88591", "latin1":
		return &Codec{name: name, cm: charmap.ISO8859_1}, nil
	case "utf8":
		return &Codec{name: name}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

// MustResolve is Resolve for the built-in names used in defaults and tests.
func MustResolve(name string) *Codec {
	c, err := Resolve(name)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the configured encoding name.
func (c *Codec) Name() string { return c.name }

// Decode converts raw bytes to a string, failing on bytes the encoding
// leaves unassigned (and on invalid UTF-8 for the utf8 codec).
func (c *Codec) Decode(b []byte) (string, error) {
	if c.cm == nil {
		if !utf8.Valid(b) {
			return "", fmt.Errorf("invalid utf-8 sequence")
		}
		return string(b), nil
	}

	var sb strings.Builder
	sb.Grow(len(b))
	for i, x := range b {
		r := c.cm.DecodeByte(x)
		if r == utf8.RuneError {
			return "", fmt.Errorf("undecodable byte 0x%02x at offset %d", x, i)
		}
		sb.WriteRune(r)
	}
	return sb.String(), nil
}

// Encode converts a string back to source bytes, substituting unsupported
// runes rather than failing.
func (c *Codec) Encode(s string) []byte {
	if c.cm == nil {
		return []byte(s)
	}
	b, err := encoding.ReplaceUnsupported(c.cm.NewEncoder()).Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return b
}

// PrintableCyrillic reports whether every rune of s maps to a Windows-1251
// byte in the printable ranges the exchange daemon emits: plain ASCII
// (<= 0x7f) or the Cyrillic block (>= 0xc0). Pseudo-graphics and control
// garbage land in between and mark the line as noise.
func PrintableCyrillic(s string) bool {
	for _, r := range s {
		b, ok := charmap.Windows1251.EncodeRune(r)
		if !ok {
			return false
		}
		if b > 0x7f && b < 0xc0 {
			return false
		}
	}
	return true
}
