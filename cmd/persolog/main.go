// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package main is the entry point of the persolog service.
//
// Persolog watches the log tree of one card personalization source
// (bankperso, sdc or exchange), correlates new log lines with active
// production orders and registers the matched messages in the central audit
// database. One process observes one source; the config file selects which.
//
// # Startup order
//
//  1. Configuration: defaults, the key::value config file, PERSOLOG_* env
//  2. Logging: service log plus the cp1251 operational errorlog mirror
//  3. Databases: operational order views and the audit store
//  4. Correlation engine and the in-process event bus
//  5. Supervision tree: bootstrap sweep (optional), observer pipeline,
//     notifier, journal, ops endpoint
//
// # Signal handling
//
// SIGINT and SIGTERM stop the tree gracefully; the exit summary with the
// processed totals prints on the way out.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vporoshin/persolog/internal/adapter"
	"github.com/vporoshin/persolog/internal/auditdb"
	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/consumer"
	"github.com/vporoshin/persolog/internal/correlate"
	"github.com/vporoshin/persolog/internal/emitter"
	"github.com/vporoshin/persolog/internal/events"
	"github.com/vporoshin/persolog/internal/journal"
	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/notifier"
	"github.com/vporoshin/persolog/internal/ops"
	"github.com/vporoshin/persolog/internal/orders"
	"github.com/vporoshin/persolog/internal/persodb"
	"github.com/vporoshin/persolog/internal/seen"
	"github.com/vporoshin/persolog/internal/supervisor"
	"github.com/vporoshin/persolog/internal/tailer"
	"github.com/vporoshin/persolog/internal/textenc"
	"github.com/vporoshin/persolog/internal/watcher"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file path (default: persolog.conf search)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("persolog %s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		logging.Error().Err(err).Msg("service failed")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if err := initLogging(cfg); err != nil {
		return err
	}

	fmt.Printf("Logger started[%s], root: %s\n", cfg.CType, cfg.Root)
	logging.Info().Str("version", version).Str("ctype", cfg.CType).
		Str("root", cfg.Root).Str("config", cfg.File).Msg("persolog starting")

	if fi, err := os.Stat(cfg.Root); err != nil || !fi.IsDir() {
		return fmt.Errorf("log root %s is not a directory", cfg.Root)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Databases.
	perso, err := persodb.Connect(ctx, "bankperso", cfg.BankpersoDSN)
	if err != nil {
		return fmt.Errorf("operational database: %w", err)
	}
	defer perso.Close()

	audit, err := auditdb.Connect(ctx, "orderlog", cfg.OrderlogDSN)
	if err != nil {
		return fmt.Errorf("audit database: %w", err)
	}
	defer audit.Close()

	// Shared observation state. These survive pipeline rebuilds.
	adpt, err := adapter.New(cfg)
	if err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	codec, err := textenc.Resolve(cfg.Encoding)
	if err != nil {
		return fmt.Errorf("encoding: %w", err)
	}
	table := tailer.NewTable()
	reader := tailer.NewReader(table, codec, cfg.DecoderTrace)
	marker := seen.New(cfg.Seen)

	dateFrom, ok, err := marker.Load()
	if err != nil {
		return err
	}
	if ok {
		logging.Info().Str("seen", dateFrom.Format("2006-01-02")).Msg("resuming from seen date")
	}

	bus := events.NewBus(64, nil)
	defer bus.Close()

	cache := orders.New(perso, adpt, cfg)
	engine := correlate.New(cfg, adpt, cache, audit, bus)
	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("source registration: %w", err)
	}

	// Supervision tree.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// The queue is rebuilt with the pipeline; the ops endpoint reads
	// whichever queue is current.
	var liveQueue atomic.Pointer[watcher.Queue]
	tree.AddPipelineService(supervisor.NewPipeline("observer", func(context.Context) ([]supervisor.Runner, error) {
		queue := watcher.NewQueue(cfg.WatchEverything)
		liveQueue.Store(queue)
		producer, err := watcher.NewProducer(cfg, adpt, table, queue)
		if err != nil {
			return nil, err
		}
		cons := consumer.New(cfg, adpt, queue, reader, engine, marker, dateFrom)
		return []supervisor.Runner{producer, cons}, nil
	}))

	if cfg.Emitter {
		sweep := emitter.New(cfg, adpt, cache, reader, engine, marker, dateFrom)
		tree.AddService(supervisor.NewOneShot("sweep", sweep))
	}

	jrnl := journal.New(bus, journal.DefaultCapacity)
	tree.AddService(supervisor.NewService("journal", jrnl))
	tree.AddService(supervisor.NewService("notifier", notifier.New(cfg, adpt, bus, nil)))

	opsServer := ops.NewServer(cfg, ops.Deps{
		Engine:  engine,
		Audit:   audit,
		Perso:   perso,
		Journal: jrnl,
		QueueDepth: func() int {
			if q := liveQueue.Load(); q != nil {
				return q.Len()
			}
			return 0
		},
		TrackedFiles: table.Len,
		LastEvent: func() time.Time {
			if q := liveQueue.Load(); q != nil {
				return q.LastEvent()
			}
			return time.Time{}
		},
	})
	tree.AddService(supervisor.NewService("ops", opsServer))

	err = tree.Serve(ctx)

	totals := engine.Totals()
	fmt.Printf("New messages found: %d\n", totals.Logged)
	fmt.Printf("Total processed: %d\n", totals.Processed)
	fmt.Printf("Unresolved: %d\n", totals.Unresolved)
	logging.Info().Int("logged", totals.Logged).Int("processed", totals.Processed).
		Int("unresolved", totals.Unresolved).Msg("persolog stopped")

	if err != nil && ctx.Err() != nil {
		// A canceled tree is a normal shutdown.
		return nil
	}
	return err
}

// initLogging wires the service log and, when configured, the cp1251
// errorlog mirror.
func initLogging(cfg *config.Config) error {
	logCfg := logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Timestamp: true,
		Output:    os.Stderr,
	}
	switch {
	case cfg.DeepDebug || cfg.Trace:
		logCfg.Level = "trace"
	case cfg.Debug:
		logCfg.Level = "debug"
	}
	if cfg.DisableOutput {
		logCfg.Output = io.Discard
	}
	if cfg.Errorlog != "" {
		sink, err := logging.NewErrorlogSink(cfg.Errorlog)
		if err != nil {
			return fmt.Errorf("errorlog: %w", err)
		}
		logCfg.Mirror = sink
	}
	logging.Init(logCfg)
	return nil
}
