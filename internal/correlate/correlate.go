// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package correlate matches decoded log lines against active orders and
// registers the matched ones in the audit store.
//
// The engine owns the overstock queue: lines no active order claimed wait
// there until a reclaim pass retries them against finalized orders, or
// until the queue is flushed. One engine serves one source and is driven
// by one goroutine at a time (the sweep first, then the consumer); the
// mutex only shields the counters and the queue length that the ops
// endpoint reads concurrently.
package correlate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vporoshin/persolog/internal/adapter"
	"github.com/vporoshin/persolog/internal/auditdb"
	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/events"
	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
	"github.com/vporoshin/persolog/internal/orders"
)

// Overstock bounds: reclaim starts past low when the queue grew by step
// since the last pass, a forced flush empties it past high.
const (
	overstockLow  = 9
	overstockHigh = 99
	overstockStep = 3
)

// reclaimRunLimit flushes the queue after this many consecutive reclaim
// passes without progress.
const reclaimRunLimit = 10

// fatalStatuses are the audit store verdicts that mean the row is broken
// on the database side. The message id is still retained.
const fatalStatuses = "SMLB"

// Line is one decoded log line waiting for attribution.
type Line struct {
	File string
	Text string
}

// Status classifies one registration outcome.
type Status int

const (
	// StatusNull means the procedure returned no row at all.
	StatusNull Status = iota
	// StatusNew means the store created a message row.
	StatusNew
	// StatusExists means the store already held the message.
	StatusExists
	// StatusFatal means the store rejected the row with an S, M, L or B
	// verdict.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusExists:
		return "exists"
	case StatusFatal:
		return "fatal"
	default:
		return "null"
	}
}

// auditStore is the slice of the audit database client the engine calls.
type auditStore interface {
	CheckSource(ctx context.Context, root, ip, ctype string) (int64, error)
	CheckModule(ctx context.Context, sourceID int64, cname, cpath string) (int64, error)
	CheckLog(ctx context.Context, sourceID, moduleID int64, cname string) (int64, error)
	Register(ctx context.Context, m *auditdb.Message) (auditdb.RegisterResult, error)
	Reconnect(ctx context.Context) error
}

// publisher fans registered messages out to the notifier and the journal.
type publisher interface {
	Publish(ctx context.Context, e *events.RegisteredMessage) error
}

// Totals is a snapshot of the engine counters for the status endpoint and
// the exit summary.
type Totals struct {
	// Processed counts orders on the observer path and matched lines on
	// the sweep path; the exit summary carries whichever path ran.
	Processed  int           `json:"processed"`
	Logged     int           `json:"logged"`
	Unresolved int           `json:"unresolved"`
	Found      map[int64]int `json:"found,omitempty"`
}

// Engine correlates lines of one source with its orders.
type Engine struct {
	cfg   *config.Config
	adpt  *adapter.Adapter
	cache *orders.Cache
	audit auditStore
	bus   publisher
	now   func() time.Time

	sourceID int64
	moduleID int64
	logID    int64
	lastFile string

	mu         sync.Mutex
	lines      []Line
	reclaimLog []int // queue lengths after consecutive no-progress reclaims
	lastLen    int   // queue length after the previous reclaim
	processed  int
	logged     int
	found      map[int64]int
}

// New builds an engine over the order cache and the audit store. A nil bus
// disables event fan-out.
func New(cfg *config.Config, adpt *adapter.Adapter, cache *orders.Cache, audit auditStore, bus publisher) *Engine {
	return &Engine{
		cfg:   cfg,
		adpt:  adpt,
		cache: cache,
		audit: audit,
		bus:   bus,
		now:   time.Now,
		found: make(map[int64]int),
	}
}

// Init registers the observed source in the audit store. Must run before
// any line is launched.
func (e *Engine) Init(ctx context.Context) error {
	id, err := e.audit.CheckSource(ctx, e.cfg.Root, e.cfg.IP, e.cfg.CType)
	if err != nil {
		return err
	}
	e.sourceID = id
	logging.Info().Int64("source_id", id).Str("ctype", e.cfg.CType).Msg("source registered")
	return nil
}

// AddLines feeds freshly tailed lines into the queue. With stack false the
// previous leftover is replaced, matching the per-event reset of the
// observer path. Decode exception lines are reported and never queued.
func (e *Engine) AddLines(lines []Line, stack bool) {
	kept := make([]Line, 0, len(lines))
	for _, l := range lines {
		if strings.HasPrefix(l.Text, "{exception:") {
			logging.Warn().Str("file", l.File).Msg(l.Text)
			continue
		}
		kept = append(kept, l)
	}

	e.mu.Lock()
	if stack {
		e.lines = append(e.lines, kept...)
	} else {
		e.lines = kept
	}
	metrics.LinesUnresolved.Set(float64(len(e.lines)))
	e.mu.Unlock()
}

// Unresolved returns the current overstock length.
func (e *Engine) Unresolved() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lines)
}

// Totals snapshots the engine counters.
func (e *Engine) Totals() Totals {
	e.mu.Lock()
	defer e.mu.Unlock()
	found := make(map[int64]int, len(e.found))
	for id, n := range e.found {
		found[id] = n
	}
	return Totals{
		Processed:  e.processed,
		Logged:     e.logged,
		Unresolved: len(e.lines),
		Found:      found,
	}
}

// LaunchEvent refreshes the active orders for dateFrom and walks them
// against the queued lines. The first order that claims at least one line
// wins the walk; every claimed line leaves the queue. Returns the number
// of newly logged messages.
func (e *Engine) LaunchEvent(ctx context.Context, dateFrom time.Time) (int, error) {
	n, err := e.cache.Refresh(ctx, dateFrom, e.cfg.DeltaNear(), false, e.deriveKeys(ctx))
	metrics.OrdersRefreshes.Inc()
	metrics.OrdersActive.Set(float64(n))
	if err != nil {
		return 0, err
	}

	if e.cfg.ForcedRefresh {
		for _, id := range e.cache.ActiveIDs() {
			if o, ok := e.cache.Get(id); ok {
				if derr := e.cache.DeriveKeys(ctx, o); derr != nil {
					logging.Warn().Err(derr).Int64("order", id).Msg("key derivation failed")
				}
			}
		}
	}

	logged := 0
	for _, id := range e.cache.ActiveIDs() {
		o, ok := e.cache.Get(id)
		if !ok || o.State == orders.StatePending {
			continue
		}
		done := e.tryOrder(ctx, o)
		e.mu.Lock()
		e.processed++
		if done > 0 {
			e.found[o.ID] += done
			e.logged += done
			logged += done
		}
		e.mu.Unlock()
		if done > 0 {
			break
		}
	}

	e.mu.Lock()
	metrics.LinesUnresolved.Set(float64(len(e.lines)))
	e.mu.Unlock()

	return logged, nil
}

// SweepLine attributes one line during the bootstrap sweep. The line never
// joins the overstock: the sweep replays whole files and must not hoard
// recurring lines. Returns whether an order claimed the line and whether
// the audit store logged it as new.
func (e *Engine) SweepLine(ctx context.Context, line Line) (matched, logged bool) {
	for _, id := range e.cache.ActiveIDs() {
		o, ok := e.cache.Get(id)
		if !ok || o.State == orders.StatePending {
			continue
		}
		st, ok := e.tryLine(ctx, o, line, false)
		if !ok {
			continue
		}
		e.mu.Lock()
		e.processed++
		if st == StatusNew {
			e.found[o.ID]++
			e.logged++
		}
		e.mu.Unlock()
		return true, st == StatusNew
	}
	return false, false
}

// tryOrder attempts every queued line for one order. Claimed lines leave
// the queue whatever their registration verdict; the return value counts
// only newly logged messages.
func (e *Engine) tryOrder(ctx context.Context, o *orders.Order) int {
	e.mu.Lock()
	pending := e.lines
	e.mu.Unlock()

	logged := 0
	var left []Line
	for _, line := range pending {
		st, ok := e.tryLine(ctx, o, line, true)
		if !ok {
			left = append(left, line)
			continue
		}
		if st == StatusNew {
			logged++
		}
	}

	e.mu.Lock()
	e.lines = left
	e.mu.Unlock()
	return logged
}

// tryLine matches one line against one order and registers it on success.
// ok is false when the line does not belong to the order or the audit
// store could not be reached; such lines stay queued.
func (e *Engine) tryLine(ctx context.Context, o *orders.Order, line Line, withMail bool) (Status, bool) {
	ci := e.cfg.CaseInsensitive

	// Exchange logs are per-order files, so the file name itself must
	// carry an order key before any line of it can match.
	if e.adpt.Name == config.CTypeExchange && !o.MatchFilename(line.File, ci) {
		return StatusNull, false
	}

	it, ok := e.adpt.Parse(line.File, line.Text)
	if !ok {
		return StatusNull, false
	}
	if !o.MatchMessage(it.Message, ci) {
		return StatusNull, false
	}
	if e.adpt.WithAliases && !o.MatchAlias(it.Message, ci) {
		return StatusNull, false
	}

	st, err := e.register(ctx, line.File, it, o, withMail)
	if err != nil {
		// The store is unreachable; keep the line for a later pass.
		return StatusNull, false
	}
	if st == StatusNull {
		return st, false
	}
	return st, true
}

// register writes one matched item into the audit store and classifies
// the verdict. Module and log descriptors re-register when the file name
// changed since the previous item or the line carries a module column.
func (e *Engine) register(ctx context.Context, file string, it adapter.Item, o *orders.Order, withMail bool) (Status, error) {
	if file != e.lastFile || it.Module != "" {
		cname, cpath := e.adpt.ModuleInfo(file, it)
		moduleID, err := e.audit.CheckModule(ctx, e.sourceID, cname, cpath)
		if err != nil {
			return StatusNull, err
		}
		logID, err := e.audit.CheckLog(ctx, e.sourceID, moduleID, e.adpt.LogInfo(file))
		if err != nil {
			return StatusNull, err
		}
		e.moduleID, e.logID = moduleID, logID
		e.lastFile = file
	}

	cname, cpath := e.adpt.ModuleInfo(file, it)
	msg := &auditdb.Message{
		SourceID:   e.sourceID,
		ModuleID:   e.moduleID,
		LogID:      e.logID,
		SourceInfo: strings.Join([]string{e.cfg.Root, e.cfg.IP, e.cfg.CType}, adapter.InfoSplitter),
		ModuleInfo: cname + adapter.InfoSplitter + cpath,
		LogInfo:    e.adpt.LogInfo(file),
		FileID:     o.ID,
		Client:     o.Client,
		FileName:   o.Name,
		Code:       it.Code,
		Count:      it.Count,
		Message:    strings.TrimSpace(it.Message),
		EventDate:  it.Date,
		Registered: e.now().Format(adapter.EventTimeLayout),
	}

	res, err := e.audit.Register(ctx, msg)
	if err != nil {
		return StatusNull, err
	}

	st := classify(res)
	metrics.MessagesProcessed.Inc()

	switch st {
	case StatusNull:
		logging.Warn().Str("file", file).Int64("order", o.ID).
			Msg("message not registered, reopening audit connection")
		metrics.AuditReconnects.Inc()
		if rerr := e.audit.Reconnect(ctx); rerr != nil {
			logging.Error().Err(rerr).Msg("audit reconnect failed")
		}
		return st, nil
	case StatusNew:
		metrics.MessagesLogged.Inc()
		logging.Debug().Str("status", res.Status).Int64("order", o.ID).
			Str("code", it.Code).Msg("new message")
	case StatusFatal:
		logging.Error().Str("status", res.Status).Int64("order", o.ID).
			Str("file", file).Msg("audit store rejected the message")
	case StatusExists:
		if e.cfg.ExistsTrace {
			logging.Debug().Str("status", res.Status).Int64("order", o.ID).
				Msg("message already recorded")
		}
	}

	e.publish(ctx, st, res, msg, it, file, withMail)
	return st, nil
}

// classify maps the procedure verdict onto the status machine.
func classify(res auditdb.RegisterResult) Status {
	switch {
	case res.Status == "" && !res.MessageID.Valid:
		return StatusNull
	case strings.HasPrefix(res.Status, "ID:"):
		return StatusNew
	case len(res.Status) == 1 && strings.Contains(fatalStatuses, res.Status):
		return StatusFatal
	default:
		return StatusExists
	}
}

// publish fans the verdict out on the bus. Best effort: a full or closed
// bus never affects the registration.
func (e *Engine) publish(ctx context.Context, st Status, res auditdb.RegisterResult, msg *auditdb.Message, it adapter.Item, file string, withMail bool) {
	if e.bus == nil || st == StatusNull {
		return
	}
	ev := events.NewRegisteredMessage(e.cfg.CType)
	ev.MessageID = res.MessageID.Int64
	ev.Status = res.Status
	ev.New = st == StatusNew && withMail
	ev.OrderID = msg.FileID
	ev.Client = msg.Client
	ev.FileName = msg.FileName
	ev.LogFile = file
	ev.Module = it.Module
	ev.Code = msg.Code
	ev.Count = msg.Count
	ev.Message = msg.Message
	ev.EventDate = msg.EventDate
	if err := e.bus.Publish(ctx, ev); err != nil {
		logging.Warn().Err(err).Msg("registered message event dropped")
	}
}
