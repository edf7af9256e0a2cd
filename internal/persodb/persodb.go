// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package persodb reads the operational personalization database: the order
// status view, the batch list and the client alias dictionary. All access is
// read only.
package persodb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/vporoshin/persolog/internal/logging"
	"github.com/vporoshin/persolog/internal/metrics"
)

const (
	ordersView  = "[BankDB].[dbo].[WEB_OrdersStatus_vw]"
	batchesView = "[BankDB].[dbo].[WEB_OrdersBatchList_vw]"
	aliasesView = "[OrderState].[dbo].[SHOW_Aliases_vw]"

	connectAttempts = 3
	connectDelay    = 3 * time.Second
	pingTimeout     = 5 * time.Second
)

// filterDateLayout renders the window bounds inside the orders filter.
const filterDateLayout = "2006-01-02"

// Engine is one connection to the operational database. A lost connection
// flips Healthy to false; Reconnect restores it.
type Engine struct {
	name string
	dsn  string

	mu      sync.Mutex
	db      *sqlx.DB
	healthy bool
}

// Order is one row of the order status view.
type Order struct {
	FileID   int64  `db:"FileID"`
	FName    string `db:"FName"`
	BankName string `db:"BankName"`
	StatusID int    `db:"FileStatusID"`
}

// Batch is one row of the batch list view. TZ, the work order number, can
// be absent.
type Batch struct {
	TID int64         `db:"TID"`
	TZ  sql.NullInt64 `db:"TZ"`
}

// OrderFilter describes the selection window for Orders. A zero DateFrom
// disables the date clauses and selects on the client alone.
type OrderFilter struct {
	DateFrom  time.Time
	Delta     int   // days added to DateFrom for the status date floor
	Complete  []int // status codes that count as completed
	Client    string
	Finalized bool
}

// where renders the filter as the view's WHERE clause. Date bounds and
// status codes are rendered inline, the client name binds.
func (f OrderFilter) where() (string, []any) {
	var items []string
	var args []any

	if !f.DateFrom.IsZero() {
		floor := f.DateFrom.AddDate(0, 0, f.Delta).Format(filterDateLayout)
		var complete []string
		for _, c := range f.Complete {
			if c != 0 {
				complete = append(complete, fmt.Sprintf("%d", c))
			}
		}
		in := strings.Join(complete, ",")
		if f.Finalized {
			items = append(items, fmt.Sprintf(
				"(StatusDate <= '%s 00:00' and FileStatusID in (%s))", floor, in))
		} else {
			items = append(items, fmt.Sprintf(
				"(StatusDate >= '%s 00:00' or FileStatusID not in (%s))", floor, in))
			items = append(items, fmt.Sprintf(
				"RegisterDate <= '%s 23:59'", f.DateFrom.Format(filterDateLayout)))
		}
	}

	if f.Client != "" && f.Client != "*" {
		items = append(items, "BankName = @client")
		args = append(args, sql.Named("client", f.Client))
	}

	return strings.Join(items, " and "), args
}

// Connect opens the engine and verifies the connection, retrying a few
// times before giving up.
func Connect(ctx context.Context, name, dsn string) (*Engine, error) {
	e := &Engine{name: name, dsn: dsn}
	if err := e.open(ctx); err != nil {
		return nil, err
	}
	return e, nil
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
				db.SetMaxOpenConns(4)
				db.SetMaxIdleConns(2)
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
			Msg("operational database connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	return fmt.Errorf("persodb: connect %s: %w", e.name, lastErr)
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

	logging.Info().Str("engine", e.name).Msg("reopening operational database")
	return e.open(ctx)
}

// Healthy reports whether the last operation succeeded.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// Ping verifies the connection.
func (e *Engine) Ping(ctx context.Context) error {
	db := e.database()
	if db == nil {
		return fmt.Errorf("persodb: %s is not connected", e.name)
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

// Orders selects the distinct order rows matching the filter, newest file
// first.
func (e *Engine) Orders(ctx context.Context, f OrderFilter) ([]Order, error) {
	query := "SELECT DISTINCT FileID, FName, BankName, FileStatusID FROM " + ordersView
	where, args := f.where()
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY FileID DESC"

	var rows []Order
	err := e.selectQuery(ctx, "orders", &rows, query, args...)
	return rows, err
}

// Batches lists the batches of one order in TID order.
func (e *Engine) Batches(ctx context.Context, fileID int64) ([]Batch, error) {
	query := "SELECT TID, TZ FROM " + batchesView + " WHERE FileID = @fileid ORDER BY TID"

	var rows []Batch
	err := e.selectQuery(ctx, "batches", &rows, query, sql.Named("fileid", fileID))
	return rows, err
}

// ClientAliases returns the raw alias strings of every dictionary row that
// mentions the client. Entries are colon joined lists; the caller splits.
func (e *Engine) ClientAliases(ctx context.Context, client string) ([]string, error) {
	query := "SELECT Aliases FROM " + aliasesView +
		" WHERE Aliases LIKE @pattern OR Name = @name"

	var rows []sql.NullString
	err := e.selectQuery(ctx, "aliases", &rows, query,
		sql.Named("pattern", "%"+client+"%"), sql.Named("name", client))
	if err != nil {
		return nil, err
	}
	var aliases []string
	for _, r := range rows {
		if r.Valid && r.String != "" {
			aliases = append(aliases, r.String)
		}
	}
	return aliases, nil
}

// selectQuery runs one SELECT and tracks health and metrics.
func (e *Engine) selectQuery(ctx context.Context, name string, dest any, query string, args ...any) error {
	db := e.database()
	if db == nil {
		return fmt.Errorf("persodb: %s is not connected", e.name)
	}

	start := time.Now()
	err := db.SelectContext(ctx, dest, query, args...)
	metrics.RecordPersoDBQuery(name, time.Since(start), err)

	if err != nil {
		e.setHealth(false)
		logging.Error().Err(err).Str("engine", e.name).Str("query", name).
			Msg("operational database query failed")
		return fmt.Errorf("persodb: %s: %w", name, err)
	}
	e.setHealth(true)
	return nil
}
