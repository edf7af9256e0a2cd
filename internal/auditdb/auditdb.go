// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package auditdb writes correlated log messages into the audit database
// through its stored procedures. Every call runs behind a circuit
// breaker: when the audit side goes down the registrations fail fast
// until the breaker lets a probe through, and the consumer keeps
// draining events meanwhile.
package auditdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
)

const (
	procCheckSource = "[OrderLog].[dbo].[CHECK_Source_sp]"
	procCheckModule = "[OrderLog].[dbo].[CHECK_Module_sp]"
	procCheckLog    = "[OrderLog].[dbo].[CHECK_Log_sp]"
	procRegister    = "[OrderLog].[dbo].[REGISTER_LogMessage_sp]"

	connectAttempts = 3
	connectDelay    = 3 * time.Second
	pingTimeout     = 5 * time.Second
)

// The procedures take a leading result mode and a trailing output
// placeholder, both fixed.
var (
	queryCheckSource = "EXEC " + procCheckSource + " 0, @p1, @p2, @p3, null"
	queryCheckModule = "EXEC " + procCheckModule + " 0, @p1, @p2, @p3, null"
	queryCheckLog    = "EXEC " + procCheckLog + " 0, @p1, @p2, @p3, null"
	queryRegister    = "EXEC " + procRegister +
		" 0, @p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11, @p12, @p13, @p14, @p15, null"
)

// Message carries one correlated log line into the registration
// procedure, in its positional parameter order.
type Message struct {
	SourceID   int64
	ModuleID   int64
	LogID      int64
	SourceInfo string
	ModuleInfo string
	LogInfo    string
	FileID     int64
	BatchID    sql.NullInt64
	Client     string
	FileName   string
	Code       string
	Count      int
	Message    string
	EventDate  string
	Registered string
}

// RegisterResult is the registration outcome. An invalid MessageID with
// an empty Status means the procedure returned no row.
type RegisterResult struct {
	MessageID sql.NullInt64
	Status    string
}

// procResult is the single row shape the procedures return.
type procResult struct {
	id     sql.NullInt64
	status string
	found  bool
}

// Engine is the audit database connection with its circuit breaker.
type Engine struct {
	name string
	dsn  string

	mu      sync.Mutex
	db      *sqlx.DB
	healthy bool

	cb *gobreaker.CircuitBreaker[procResult]
}

// Connect opens the engine and verifies the connection, retrying a few
// times before giving up.
func Connect(ctx context.Context, name, dsn string) (*Engine, error) {
	e := &Engine{name: name, dsn: dsn, cb: newBreaker(name)}
	if err := e.open(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker[procResult] {
	metrics.SetBreakerState(0)
	return gobreaker.NewCircuitBreaker[procResult](gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("engine", name).
				Str("from", stateName(from)).
				Str("to", stateName(to)).
				Msg("audit breaker state changed")
			metrics.SetBreakerState(int(to))
		},
	})
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func (e *Engine) open(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err := sqlx.Open("sqlserver", e.dsn)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err = db.PingContext(pingCtx)
			cancel()
			if err == nil {
				db.SetMaxOpenConns(2)
				db.SetMaxIdleConns(1)
				db.SetConnMaxLifetime(30 * time.Minute)
				e.mu.Lock()
				e.db = db
				e.healthy = true
				e.mu.Unlock()
				return nil
			}
			_ = db.Close()
		}
		lastErr = err
		logging.Warn().Err(err).Str("engine", e.name).Int("attempt", attempt).
			Msg("audit database connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	return fmt.Errorf("auditdb: connect %s: %w", e.name, lastErr)
}

// Reconnect drops the current connection and opens a fresh one.
func (e *Engine) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	if e.db != nil {
		_ = e.db.Close()
		e.db = nil
	}
	e.healthy = false
	e.mu.Unlock()

	logging.Info().Str("engine", e.name).Msg("reopening audit database")
	return e.open(ctx)
}

// Healthy reports whether the last call succeeded.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// BreakerState names the current breaker state for status reporting.
func (e *Engine) BreakerState() string {
	return stateName(e.cb.State())
}

// Ping verifies the connection.
func (e *Engine) Ping(ctx context.Context) error {
	db := e.database()
	if db == nil {
		return fmt.Errorf("auditdb: %s is not connected", e.name)
	}
	return db.PingContext(ctx)
}

// Close releases the connection pool.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = false
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

func (e *Engine) database() *sqlx.DB {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db
}

func (e *Engine) setHealth(ok bool) {
	e.mu.Lock()
	e.healthy = ok
	e.mu.Unlock()
}

// CheckSource resolves the audit id of the observed source, creating it
// on first sight.
func (e *Engine) CheckSource(ctx context.Context, root, ip, ctype string) (int64, error) {
	return e.checkID(ctx, "check_source", queryCheckSource, root, ip, ctype)
}

// CheckModule resolves the audit id of a module under the source.
func (e *Engine) CheckModule(ctx context.Context, sourceID int64, cname, cpath string) (int64, error) {
	return e.checkID(ctx, "check_module", queryCheckModule, sourceID, cname, cpath)
}

// CheckLog resolves the audit id of a log file under the module.
func (e *Engine) CheckLog(ctx context.Context, sourceID, moduleID int64, cname string) (int64, error) {
	return e.checkID(ctx, "check_log", queryCheckLog, sourceID, moduleID, cname)
}

func (e *Engine) checkID(ctx context.Context, name, query string, args ...any) (int64, error) {
	r, err := e.call(ctx, name, query, scanID, args...)
	if err != nil {
		return 0, err
	}
	if !r.found || !r.id.Valid {
		return 0, fmt.Errorf("auditdb: %s: no id returned", name)
	}
	return r.id.Int64, nil
}

// Register runs the message registration procedure and returns its
// outcome. A zero result with a nil error means the procedure produced
// no row; the caller decides whether to reopen the connection.
func (e *Engine) Register(ctx context.Context, m *Message) (RegisterResult, error) {
	r, err := e.call(ctx, "register_log_message", queryRegister, scanRegister,
		m.SourceID, m.ModuleID, m.LogID,
		m.SourceInfo, m.ModuleInfo, m.LogInfo,
		m.FileID, m.BatchID, m.Client, m.FileName,
		m.Code, m.Count, m.Message, m.EventDate, m.Registered)
	if err != nil {
		return RegisterResult{}, err
	}
	if !r.found {
		return RegisterResult{}, nil
	}
	return RegisterResult{MessageID: r.id, Status: r.status}, nil
}

type rowScan func(rows *sql.Rows) (procResult, error)

func scanID(rows *sql.Rows) (procResult, error) {
	var r procResult
	if !rows.Next() {
		return r, rows.Err()
	}
	r.found = true
	return r, rows.Scan(&r.id)
}

func scanRegister(rows *sql.Rows) (procResult, error) {
	var r procResult
	if !rows.Next() {
		return r, rows.Err()
	}
	r.found = true
	var status sql.NullString
	if err := rows.Scan(&r.id, &status); err != nil {
		return r, err
	}
	r.status = status.String
	return r, nil
}

func (e *Engine) call(ctx context.Context, name, query string, scan rowScan, args ...any) (procResult, error) {
	start := time.Now()
	res, err := e.cb.Execute(func() (procResult, error) {
		db := e.database()
		if db == nil {
			return procResult{}, fmt.Errorf("not connected")
		}
		// One transaction per procedure: a call that fails mid-procedure
		// rolls back instead of leaving partial audit state behind.
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return procResult{}, err
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			_ = tx.Rollback()
			return procResult{}, err
		}
		r, err := scan(rows)
		rows.Close()
		if err != nil {
			_ = tx.Rollback()
			return procResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return procResult{}, err
		}
		return r, nil
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.RecordAuditCall(name, "ok", elapsed)
		e.setHealth(true)
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RecordAuditCall(name, "rejected", elapsed)
	default:
		metrics.RecordAuditCall(name, "error", elapsed)
		e.setHealth(false)
		logging.Error().Err(err).Str("procedure", name).Msg("audit procedure failed")
	}
	if err != nil {
		return procResult{}, fmt.Errorf("auditdb: %s: %w", name, err)
	}
	return res, nil
}
