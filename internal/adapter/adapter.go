// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package adapter describes the three personalization log dialects and how
// file names and lines of each are filtered, parsed and attributed.
//
// One Adapter value bundles everything dialect specific: column order, split
// character, datetime layouts, the filename date pattern and the module
// naming convention. The correlation engine, the emitter and the watcher
// stay dialect agnostic and consult the adapter for every decision that
// depends on the log format.
package adapter

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vporoshin/persolog/internal/config"
)

// EventTimeLayout is the normalized form of every event timestamp handed to
// the audit store.
const EventTimeLayout = "2006-01-02 15:04:05"

// InfoSplitter joins the parts of source, module and log descriptors.
const InfoSplitter = "::"

// alarmCodes are the message severities that participate in alarm routing.
var alarmCodes = []string{"ERROR", "WARNING"}

// Item is a single parsed log line.
type Item struct {
	Date    string // event timestamp, EventTimeLayout when it parsed
	Module  string // raw module column, exchange dialect only
	Code    string
	Message string
	Count   int // repeat count from the NAME[N] module notation
}

// Adapter holds the format description of one log dialect. Constructors
// NewPerso, NewSDC and NewExchange populate it from the service config; the
// zero value is not usable.
type Adapter struct {
	Name    string   // dialect name, one of the config.CType* values
	Columns []string // column order of a well formed line
	Split   string   // column separator

	FileDateLayout string // layout of the date embedded in file names
	LineTimeLayout string // layout of the in-line timestamp, fraction stripped
	ModuleSplit    string // directory marker in front of the module name
	MinMessage     int    // shortest message column accepted, in runes
	WithAliases    bool   // client aliases participate in line matching

	fileDateRe  *regexp.Regexp
	filemask    *regexp.Regexp
	filemaskSrc string
	suppressed  []string
	clientKeys  []string
	alarm       map[string]struct{}
	jzdo        bool

	valid  func(filename, line string) bool
	parse  func(filename, line string) (Item, bool)
	module func(filename string, it Item) string
}

// New returns the adapter for the configured source type. Unknown types get
// the perso adapter, mirroring the config fallback.
func New(cfg *config.Config) (*Adapter, error) {
	switch cfg.CType {
	case config.CTypeSDC:
		return NewSDC(cfg)
	case config.CTypeExchange:
		return NewExchange(cfg)
	default:
		return NewPerso(cfg)
	}
}

// applyConfig copies the dialect independent knobs out of the config.
func (a *Adapter) applyConfig(cfg *config.Config) error {
	for _, s := range cfg.Suppressed {
		if s != "" {
			a.suppressed = append(a.suppressed, strings.ToLower(s))
		}
	}
	if cfg.CheckFilename && cfg.Client != "" && cfg.Client != "*" {
		for _, k := range []string{cfg.Client, cfg.Alias} {
			if k != "" {
				a.clientKeys = append(a.clientKeys, strings.ToLower(k))
			}
		}
	}
	a.alarm = make(map[string]struct{}, len(alarmCodes))
	for _, c := range alarmCodes {
		a.alarm[c] = struct{}{}
	}
	if cfg.Filemask != "" {
		re, err := regexp.Compile(cfg.Filemask)
		if err != nil {
			return err
		}
		a.filemask = re
		a.filemaskSrc = cfg.Filemask
	}
	a.jzdo = cfg.HasOption("jzdo")
	return nil
}

// MatchFilename reports whether a file belongs to the current day and is not
// suppressed. The consumer checks it before reading anything from the file.
func (a *Adapter) MatchFilename(filename string, now time.Time) bool {
	if a.Suspended(filename) {
		return false
	}
	return strings.Contains(filename, now.Format(a.FileDateLayout))
}

// Suspended reports whether the path carries one of the suppressed
// substrings. The check is case insensitive.
func (a *Adapter) Suspended(filename string) bool {
	f := strings.ToLower(filename)
	for _, key := range a.suppressed {
		if strings.Contains(f, key) {
			return true
		}
	}
	return false
}

// MatchClient reports whether the file name carries the configured client
// name or alias. Always true unless check_filename is enabled.
func (a *Adapter) MatchClient(filename string) bool {
	if len(a.clientKeys) == 0 {
		return true
	}
	f := strings.ToLower(filename)
	for _, key := range a.clientKeys {
		if strings.Contains(f, key) {
			return true
		}
	}
	return false
}

// ParseFileDate extracts the date embedded in the file name. ok is false
// when the name carries no date or the date does not parse.
func (a *Adapter) ParseFileDate(filename string) (time.Time, bool) {
	m := a.fileDateRe.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(a.FileDateLayout, m[1], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// ValidLine reports whether the line is well formed for this dialect.
func (a *Adapter) ValidLine(filename, line string) bool {
	return a.valid(filename, line)
}

// Parse splits a line into an Item with the event timestamp normalized to
// EventTimeLayout. ok is false for lines ValidLine rejects.
func (a *Adapter) Parse(filename, line string) (Item, bool) {
	return a.parse(filename, line)
}

// ModuleInfo derives the module name and module path for a log file.
func (a *Adapter) ModuleInfo(filename string, it Item) (string, string) {
	return a.module(filename, it), filepath.ToSlash(filepath.Dir(filename))
}

// LogInfo is the log name registered in the audit store, the bare file name.
func (a *Adapter) LogInfo(filename string) string {
	return filepath.Base(filename)
}

// Alarmable reports whether a message code participates in alarm routing.
func (a *Adapter) Alarmable(code string) bool {
	_, ok := a.alarm[code]
	return ok
}

// PathRegexes lists the path filters handed to the filesystem watcher. With
// a filemask configured only matching files produce events, otherwise
// everything under the root is watched.
func (a *Adapter) PathRegexes() []string {
	if a.filemaskSrc != "" {
		return []string{"(?is).*" + a.filemaskSrc}
	}
	return []string{".*"}
}

// splitLineValid is the perso and sdc line predicate: enough columns and a
// message longer than the dialect minimum.
func (a *Adapter) splitLineValid(_ string, line string) bool {
	if line == "" {
		return false
	}
	cols := strings.Split(line, a.Split)
	return len(cols) >= len(a.Columns) &&
		utf8.RuneCountInString(cols[len(cols)-1]) > a.MinMessage
}

// parseSplitLine maps separator split columns onto the dialect column list.
// Surplus trailing columns fold back into the message.
func (a *Adapter) parseSplitLine(filename, line string) (Item, bool) {
	if !a.valid(filename, line) {
		return Item{}, false
	}
	cols := strings.Split(line, a.Split)
	n := len(a.Columns)
	if len(cols) > n {
		cols[n-1] = strings.Join(cols[n-1:], a.Split)
		cols = cols[:n]
	}
	return a.itemFromColumns(a.Columns, cols), true
}

// itemFromColumns assembles an Item from named columns.
func (a *Adapter) itemFromColumns(names, cols []string) Item {
	it := Item{Count: 1}
	var date, clock string
	for i, name := range names {
		switch name {
		case "Date":
			date = cols[i]
		case "Time":
			clock = cols[i]
		case "Module":
			it.Module = cols[i]
		case "Code":
			it.Code = cols[i]
		case "Message":
			it.Message = cols[i]
		}
	}
	it.Date = a.normalizeEventTime(date, clock)
	return it
}

// clockFractionRe strips fractional seconds, both comma and dot notation.
var clockFractionRe = regexp.MustCompile(`(\d:\d{2}:\d{2})[.,]\d+`)

// normalizeEventTime renders the line timestamp in EventTimeLayout. A bare
// date gets a midnight clock; a timestamp that does not parse at all stays
// as read, fraction stripped.
func (a *Adapter) normalizeEventTime(date, clock string) string {
	s := date
	if clock != "" {
		s += " " + clock
	}
	s = clockFractionRe.ReplaceAllString(s, "$1")
	if t, err := time.ParseInLocation(a.LineTimeLayout, s, time.Local); err == nil {
		return t.Format(EventTimeLayout)
	}
	if t, err := time.ParseInLocation(a.FileDateLayout, s, time.Local); err == nil {
		return t.Format(EventTimeLayout)
	}
	return s
}

// moduleFromPath takes the module name from the directory component behind
// the dialect marker, "<root>/Log_<module>/<file>" style.
func (a *Adapter) moduleFromPath(filename string, _ Item) string {
	cpath := filepath.ToSlash(filepath.Dir(filename))
	parts := strings.Split(cpath, a.ModuleSplit)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// moduleCountRe splits the NAME[N] module notation; the greedy head keeps
// the last bracket group as the count.
var moduleCountRe = regexp.MustCompile(`(.*)\[(\d+)\]`)

// SplitModuleName splits the exchange NAME[N] module notation into the bare
// name and the repeat count. Names without a bracket group count as one.
func SplitModuleName(s string) (string, int) {
	m := moduleCountRe.FindStringSubmatch(s)
	if m == nil {
		return s, 1
	}
	n, _ := strconv.Atoi(m[2])
	return m[1], n
}
