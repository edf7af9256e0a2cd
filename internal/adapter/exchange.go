// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package adapter

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/textenc"
)

// jzdoColumns is the column order of whitespace split JZDO lines, which
// carry a leading tag instead of a separate time column.
var jzdoColumns = []string{"Module", "Date", "Code", "Message"}

// NewExchange returns the adapter for exchange logs: Date, Time, Module,
// Code, Message lines split on TAB, or on whitespace for JZDO transfer
// files (OCG*, PPCARD*). The per line module column uses the NAME[N]
// notation where N is the message repeat count.
func NewExchange(cfg *config.Config) (*Adapter, error) {
	a := &Adapter{
		Name:           config.CTypeExchange,
		Columns:        []string{"Date", "Time", "Module", "Code", "Message"},
		Split:          "\t",
		FileDateLayout: "02.01.2006",
		LineTimeLayout: "02.01.2006 15:04:05",
		ModuleSplit:    "_logfile_",
		MinMessage:     30,
		WithAliases:    true,
		fileDateRe:     regexp.MustCompile(`.*_(\d{2}\.\d{2}\.\d{4})`),
	}
	if err := a.applyConfig(cfg); err != nil {
		return nil, err
	}
	a.valid = a.exchangeLineValid
	a.parse = a.parseExchangeLine
	a.module = a.moduleFromColumn
	return a, nil
}

// IsJZDO reports whether a file holds JZDO transfer logs: the option must
// be configured and the file name must carry the tag.
func (a *Adapter) IsJZDO(filename string) bool {
	return a.jzdo && strings.Contains(strings.ToLower(filename), "jzdo")
}

// exchangeColumns splits an exchange line. TAB lines keep the raw split so
// that a surplus column fails validation; whitespace lines drop one column
// for JZDO files and fold surplus tokens back into the message. The second
// result is the column count a valid line must have.
func (a *Adapter) exchangeColumns(filename, line string) ([]string, int) {
	if strings.Contains(line, a.Split) {
		return strings.Split(line, a.Split), len(a.Columns)
	}
	n := len(a.Columns)
	if a.IsJZDO(filename) {
		n--
	}
	v := strings.Fields(line)
	if len(v) > n {
		v[n-1] = strings.Join(v[n-1:], " ")
		v = v[:n]
	}
	return v, n
}

// exchangeLineValid accepts a line when the column count is exact, the date
// column parses, and the message is long enough and survives a cp1251
// round trip without typography bytes.
func (a *Adapter) exchangeLineValid(filename, line string) bool {
	if line == "" {
		return false
	}
	cols, n := a.exchangeColumns(filename, line)
	if len(cols) != n {
		return false
	}
	di := 0
	if a.IsJZDO(filename) {
		di = 1
	}
	date := cols[di]
	if date == "" || date[0] < '0' || date[0] > '9' {
		return false
	}
	if _, err := time.ParseInLocation(a.FileDateLayout, date, time.Local); err != nil {
		return false
	}
	last := cols[len(cols)-1]
	return textenc.PrintableCyrillic(last) &&
		utf8.RuneCountInString(last) > a.MinMessage
}

// parseExchangeLine maps the split columns onto the TAB or the JZDO column
// order and folds the NAME[N] repeat count out of the module column.
func (a *Adapter) parseExchangeLine(filename, line string) (Item, bool) {
	if !a.exchangeLineValid(filename, line) {
		return Item{}, false
	}
	cols, n := a.exchangeColumns(filename, line)
	names := a.Columns
	if n < len(a.Columns) {
		names = jzdoColumns
	}
	it := a.itemFromColumns(names, cols)
	_, it.Count = SplitModuleName(it.Module)
	return it, true
}

// moduleFromColumn takes the module name from the parsed line, stripping
// the repeat count suffix.
func (a *Adapter) moduleFromColumn(_ string, it Item) string {
	name, _ := SplitModuleName(it.Module)
	return name
}
