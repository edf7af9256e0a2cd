// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package adapter

import (
	"regexp"

	"github.com/vporoshin/persolog/internal/config"
)

// NewPerso returns the adapter for native personalization logs: TAB
// separated Date, Code, Message lines in files named YYYYMMDD_*, grouped in
// Log_<module> directories.
func NewPerso(cfg *config.Config) (*Adapter, error) {
	a := &Adapter{
		Name:           config.CTypeBankperso,
		Columns:        []string{"Date", "Code", "Message"},
		Split:          "\t",
		FileDateLayout: "20060102",
		LineTimeLayout: EventTimeLayout,
		ModuleSplit:    "Log_",
		MinMessage:     20,
		fileDateRe:     regexp.MustCompile(`^(\d{8})_`),
	}
	if err := a.applyConfig(cfg); err != nil {
		return nil, err
	}
	a.valid = a.splitLineValid
	a.parse = a.parseSplitLine
	a.module = a.moduleFromPath
	return a, nil
}
