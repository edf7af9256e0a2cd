// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package config loads the persolog service configuration.
//
// Configuration is layered with koanf, later layers overriding earlier ones:
//
//  1. Built-in defaults
//  2. Config file in the flat "key::value" format (see Parser)
//  3. PERSOLOG_* environment variables
//
// The result is a single flat Config struct shared by every component; there
// is one config file per watched source, so one process equals one source.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/textenc"
	"github.com/vporoshin/persolog/internal/validation"
)

// Source types. Unknown values fall back to CTypeBankperso.
const (
	CTypeBankperso = "bankperso"
	CTypeSDC       = "sdc"
	CTypeExchange  = "exchange"
)

// DefaultConfigPaths lists where the config file is searched, in order.
var DefaultConfigPaths = []string{
	"persolog.conf",
	"/etc/persolog/persolog.conf",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces environment overrides: PERSOLOG_CTYPE, PERSOLOG_ROOT, ...
const envPrefix = "PERSOLOG_"

// defaultComplete is the FileStatusID set that marks an order file as finalized.
var defaultComplete = []int{62, 64, 98, 197, 198, 201, 202, 203, 255}

// Config is the full flat configuration of one persolog process.
type Config struct {
	// Source selection.
	CType    string `koanf:"ctype" validate:"omitempty,oneof=bankperso sdc exchange"`
	Root     string `koanf:"root" validate:"required"`
	IP       string `koanf:"ip"`
	Alias    string `koanf:"alias"`
	Client   string `koanf:"client"`
	Encoding string `koanf:"encoding"`
	Filemask string `koanf:"filemask"`
	Options  string `koanf:"options"`

	// State and trace files.
	Seen      string `koanf:"seen"`
	Console   string `koanf:"console"`
	Errorlog  string `koanf:"errorlog"`
	Emergency string `koanf:"emergency"`

	// Alarm routing.
	Alarms   string   `koanf:"alarms"`
	Mailkeys []string `koanf:"mailkeys"`
	WebPerso string   `koanf:"webperso"`

	// Correlation tuning.
	Suppressed    []string `koanf:"suppressed"`
	DeltaDateFrom []int    `koanf:"delta_datefrom" validate:"omitempty,len=2"`
	Complete      []int    `koanf:"complete"`

	CheckDateFrom   bool `koanf:"check_datefrom"`
	CheckFilename   bool `koanf:"check_filename"`
	CaseInsensitive bool `koanf:"case_insensitive"`
	ForcedRefresh   bool `koanf:"forced_refresh"`
	WatchEverything bool `koanf:"watch_everything"`
	StackEvents     bool `koanf:"stack_events"`
	Emitter         bool `koanf:"emitter"`

	Limit   int `koanf:"limit" validate:"min=0"`
	Sleep   int `koanf:"sleep" validate:"min=0"`
	Timeout int `koanf:"timeout" validate:"min=0"`
	Restart int `koanf:"restart" validate:"min=0"`

	// Diagnostics.
	Debug         bool `koanf:"debug"`
	DeepDebug     bool `koanf:"deepdebug"`
	Trace         bool `koanf:"trace"`
	ExistsTrace   bool `koanf:"existstrace"`
	DecoderTrace  bool `koanf:"decoder_trace"`
	ObserverTrace bool `koanf:"observertrace"`
	DisableOutput bool `koanf:"disableoutput"`

	LogLevel  string `koanf:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `koanf:"log_format" validate:"omitempty,oneof=json console"`
	Listen    string `koanf:"listen" validate:"required,hostname_port"`

	// Database connections.
	BankpersoDSN string `koanf:"bankperso_dsn"`
	OrderlogDSN  string `koanf:"orderlog_dsn"`

	// File is the config file the values were loaded from, empty when running
	// on defaults and environment only.
	File string `koanf:"-"`
}

// defaultConfig returns the built-in defaults applied before file and env layers.
func defaultConfig() *Config {
	return &Config{
		CType:         CTypeBankperso,
		Encoding:      textenc.DefaultName,
		DeltaDateFrom: []int{-7, -30},
		Complete:      append([]int(nil), defaultComplete...),
		Sleep:         1,
		Timeout:       1,
		Listen:        ":9477",
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Load builds the configuration from defaults, the config file and the
// environment. An empty path triggers the DefaultConfigPaths search, where
// absence is tolerated; an explicitly given path must exist and parse.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), Parser{}); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := normalizeListKeys(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.File = path
	cfg.normalize()

	if err := validation.ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "" when none is found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// listConfigKeys maps list-valued keys to the separator used when the value
// arrives as a plain string from the environment layer.
var listConfigKeys = map[string]string{
	"mailkeys":       "|",
	"complete":       "|",
	"suppressed":     ":",
	"delta_datefrom": ":",
}

// normalizeListKeys splits list-valued keys that came in as strings. File
// values are already typed by Parser; environment values are not.
func normalizeListKeys(k *koanf.Koanf) error {
	for key, sep := range listConfigKeys {
		strVal, ok := k.Get(key).(string)
		if !ok || strVal == "" {
			continue
		}
		if err := k.Set(key, splitList(strVal, sep)); err != nil {
			return fmt.Errorf("normalize %s: %w", key, err)
		}
	}
	return nil
}

// normalize coerces loaded values into their canonical form before validation.
func (c *Config) normalize() {
	c.CType = strings.ToLower(strings.TrimSpace(c.CType))
	switch c.CType {
	case CTypeBankperso, CTypeSDC, CTypeExchange:
	default:
		if c.CType != "" {
			logging.Warn().Str("ctype", c.CType).Msg("unknown source type, falling back to bankperso")
		}
		c.CType = CTypeBankperso
	}

	c.Root = cleanPath(c.Root)
	c.Seen = cleanPath(c.Seen)
	c.Console = cleanPath(c.Console)
	c.Errorlog = cleanPath(c.Errorlog)
	c.Emergency = cleanPath(c.Emergency)

	if len(c.DeltaDateFrom) == 0 {
		c.DeltaDateFrom = []int{-7, -30}
	}
	if len(c.Complete) == 0 {
		c.Complete = append([]int(nil), defaultComplete...)
	}
	if c.Sleep == 0 {
		c.Sleep = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 1
	}
	if c.Encoding == "" {
		c.Encoding = textenc.DefaultName
	}
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

// DeltaNear is the day offset for the usual dateFrom floor of order queries.
func (c *Config) DeltaNear() int {
	if len(c.DeltaDateFrom) >= 1 {
		return c.DeltaDateFrom[0]
	}
	return -7
}

// DeltaFar is the wider day offset used while reclaiming overstock lines.
func (c *Config) DeltaFar() int {
	if len(c.DeltaDateFrom) >= 2 {
		return c.DeltaDateFrom[1]
	}
	return -30
}

// HasOption reports whether the colon-joined options value contains name.
func (c *Config) HasOption(name string) bool {
	for _, opt := range strings.Split(c.Options, ":") {
		if strings.EqualFold(strings.TrimSpace(opt), name) {
			return true
		}
	}
	return false
}

// AlarmRoute is the parsed alarms destination.
type AlarmRoute struct {
	Title     string
	Recipient string
	Key       string
}

// AlarmRoute parses the "title:recipient:key" alarms value. The second return
// is false when alarms is unset or incomplete, which disables notification.
func (c *Config) AlarmRoute() (AlarmRoute, bool) {
	if c.Alarms == "" {
		return AlarmRoute{}, false
	}
	parts := strings.SplitN(c.Alarms, ":", 3)
	if len(parts) != 3 {
		return AlarmRoute{}, false
	}
	route := AlarmRoute{
		Title:     strings.TrimSpace(parts[0]),
		Recipient: strings.TrimSpace(parts[1]),
		Key:       strings.TrimSpace(parts[2]),
	}
	if route.Recipient == "" || route.Key == "" {
		return AlarmRoute{}, false
	}
	return route, true
}
