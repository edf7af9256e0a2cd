// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package adapter

import (
	"regexp"

	"github.com/vporoshin/persolog/internal/config"
)

// NewSDC returns the adapter for SDC dispatcher logs: TAB separated Date,
// Time, Code, Message lines in files carrying a DD.MM.YYYY date. The module
// name comes from capture group one of the configured filemask.
func NewSDC(cfg *config.Config) (*Adapter, error) {
	a := &Adapter{
		Name:           config.CTypeSDC,
		Columns:        []string{"Date", "Time", "Code", "Message"},
		Split:          "\t",
		FileDateLayout: "02.01.2006",
		LineTimeLayout: "02.01.2006 15:04:05",
		ModuleSplit:    "sdc_",
		MinMessage:     20,
		WithAliases:    true,
		fileDateRe:     regexp.MustCompile(`.*_(\d{2}\.\d{2}\.\d{4})`),
	}
	if err := a.applyConfig(cfg); err != nil {
		return nil, err
	}
	a.valid = a.splitLineValid
	a.parse = a.parseSplitLine
	a.module = a.moduleFromMask
	return a, nil
}

// moduleFromMask takes the module name from capture group one of the
// filemask applied to the bare file name.
func (a *Adapter) moduleFromMask(filename string, _ Item) string {
	if a.filemask == nil {
		return ""
	}
	m := a.filemask.FindStringSubmatch(a.LogInfo(filename))
	if len(m) > 1 {
		return m[1]
	}
	return ""
}
