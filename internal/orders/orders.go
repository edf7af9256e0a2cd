// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

// Package orders caches the operational order list for one log source
// and derives the keys that tie log lines back to their orders.
//
// The cache mirrors the order status view. Refresh merges the current
// view rows into the cache, DeriveKeys pulls batch numbers and client
// aliases for a single order. Once derivation is done the matching
// helpers on Order read immutable key slices, so the consumer goroutine
// matches without further locking.
package orders

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vporoshin/persolog/internal/adapter"
	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/persodb"
)

const aliasSplitter = ":"

// jzdoAlias widens matching for JZDO exchange orders whose lines carry
// the flow name instead of the client.
const jzdoAlias = "JZDO"

// State tracks how far an order went through key derivation.
type State int

const (
	// StatePending marks an order whose keys are not derived yet.
	StatePending State = iota
	// StateReady marks an order with confirmed keys.
	StateReady
	// StateSweeping marks an order force-readied by the startup sweep
	// before its batches showed up.
	StateSweeping
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateSweeping:
		return "sweeping"
	default:
		return "pending"
	}
}

// Order is one cached personalization order.
type Order struct {
	ID       int64
	Name     string
	Client   string
	StatusID int
	DateFrom time.Time
	Inactive bool
	State    State

	// Keys carry the order file id, name, name stem and batch numbers.
	// Aliases widen matching with the client name and its spellings.
	Keys    []string
	Aliases []string

	needles      []string
	aliasNeedles []string
}

// JZDO reports whether the order belongs to the JZDO exchange flow.
func (o *Order) JZDO() bool {
	return strings.HasPrefix(o.Name, "OCG") || strings.HasPrefix(o.Name, "PPCARD")
}

// MatchMessage reports whether any order key occurs in the message.
func (o *Order) MatchMessage(message string, insensitive bool) bool {
	if insensitive {
		return containsAny(strings.ToLower(message), o.needles)
	}
	return containsAny(message, o.Keys)
}

// MatchAlias reports whether any client alias occurs in the message.
func (o *Order) MatchAlias(message string, insensitive bool) bool {
	if insensitive {
		return containsAny(strings.ToLower(message), o.aliasNeedles)
	}
	return containsAny(message, o.Aliases)
}

// MatchFilename reports whether the log filename carries one of the
// order keys.
func (o *Order) MatchFilename(filename string, insensitive bool) bool {
	if insensitive {
		return containsAny(strings.ToLower(filename), o.needles)
	}
	return containsAny(filename, o.Keys)
}

// Describe renders the order for diagnostic dumps.
func (o *Order) Describe() string {
	return fmt.Sprintf(
		"{FileID: %d, FName: %s, BankName: %s, FileStatusID: %d, state: %s, inactive: %t, date_from: %s, keys: %v, aliases: %v}",
		o.ID, o.Name, o.Client, o.StatusID, o.State, o.Inactive,
		o.DateFrom.Format("2006-01-02"), o.Keys, o.Aliases)
}

func containsAny(s string, needles []string) bool {
	for _, x := range needles {
		if x != "" && strings.Contains(s, x) {
			return true
		}
	}
	return false
}

// View is the slice of the operational database the cache reads.
// *persodb.Engine implements it; tests inject fakes.
type View interface {
	Orders(ctx context.Context, f persodb.OrderFilter) ([]persodb.Order, error)
	Batches(ctx context.Context, fileID int64) ([]persodb.Batch, error)
	ClientAliases(ctx context.Context, client string) ([]string, error)
	Healthy() bool
	Reconnect(ctx context.Context) error
}

// Cache mirrors the order status view for one source.
type Cache struct {
	engine   View
	adpt     *adapter.Adapter
	client   string
	complete []int

	mu     sync.RWMutex
	orders map[int64]*Order
}

// New builds an empty cache over the operational database engine.
func New(engine View, adpt *adapter.Adapter, cfg *config.Config) *Cache {
	return &Cache{
		engine:   engine,
		adpt:     adpt,
		client:   cfg.Client,
		complete: cfg.Complete,
		orders:   make(map[int64]*Order),
	}
}

// Refresh reloads the status view and merges it into the cache. New rows
// come in pending, a status change sends a derived order back to pending,
// and orders missing from the view turn inactive. The extra callback runs
// after the merge for each order the merge left pending, in view order.
// Returns the number of active orders.
func (c *Cache) Refresh(ctx context.Context, dateFrom time.Time, delta int, finalized bool, extra func(*Order)) (int, error) {
	f := persodb.OrderFilter{Client: c.client}
	if !dateFrom.IsZero() {
		f.DateFrom = dateFrom
		f.Delta = delta
		f.Complete = c.complete
		f.Finalized = finalized
	}

	rows, err := c.engine.Orders(ctx, f)

	var pending []*Order
	active := make(map[int64]bool, len(rows))

	c.mu.Lock()
	for i := range rows {
		row := &rows[i]
		if row.FileID == 0 {
			continue
		}
		o := c.orders[row.FileID]
		switch {
		case o == nil:
			o = &Order{
				ID:       row.FileID,
				Name:     row.FName,
				Client:   row.BankName,
				StatusID: row.StatusID,
				DateFrom: dateFrom,
			}
			c.orders[row.FileID] = o
		case row.StatusID != o.StatusID && o.State != StatePending:
			// A status change means new batches may exist, so the
			// derived keys are stale.
			o.StatusID = row.StatusID
			o.State = StatePending
		default:
			o = nil
		}
		active[row.FileID] = true
		if extra != nil && o != nil {
			pending = append(pending, o)
		}
	}
	for id, o := range c.orders {
		o.Inactive = !active[id]
	}
	c.mu.Unlock()

	for _, o := range pending {
		extra(o)
	}

	if (err != nil || len(rows) == 0) && !c.engine.Healthy() {
		if rerr := c.engine.Reconnect(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}

	return len(active), err
}

// DeriveKeys rebuilds the matching keys for one order. Perso and SDC
// orders confirm through their batch list and stay pending until at
// least one batch exists, exchange orders confirm on the bare file name.
// Client aliases derive once and stick with the order.
func (c *Cache) DeriveKeys(ctx context.Context, o *Order) error {
	keys := []string{strconv.FormatInt(o.ID, 10)}
	if o.Name != "" {
		keys = append(keys, o.Name)
		if i := strings.Index(o.Name, "."); i > 0 {
			keys = append(keys, o.Name[:i])
		}
	}

	var err error
	ready := false

	if c.adpt.Name == config.CTypeExchange {
		ready = o.Name != ""
	} else {
		var batches []persodb.Batch
		batches, err = c.engine.Batches(ctx, o.ID)
		for _, b := range batches {
			keys = appendUnique(keys, strconv.FormatInt(b.TID, 10))
			if b.TZ.Valid {
				keys = appendUnique(keys, strconv.FormatInt(b.TZ.Int64, 10))
			}
		}
		ready = len(batches) > 0
	}

	aliases := o.Aliases
	if aliases == nil {
		if c.adpt.WithAliases {
			var aerr error
			aliases, aerr = c.deriveAliases(ctx, o)
			if err == nil {
				err = aerr
			}
		}
		if aliases == nil {
			aliases = []string{}
		}
	}

	c.mu.Lock()
	o.Keys = keys
	o.Aliases = aliases
	o.needles = lowered(keys)
	o.aliasNeedles = lowered(aliases)
	if ready {
		o.State = StateReady
	}
	c.mu.Unlock()

	return err
}

// SweepKeys derives keys for the startup sweep. The sweep matches orders
// before their batches exist, so an order still pending after derivation
// is promoted to StateSweeping.
func (c *Cache) SweepKeys(ctx context.Context, o *Order) error {
	err := c.DeriveKeys(ctx, o)
	c.mu.Lock()
	if o.State == StatePending {
		o.State = StateSweeping
	}
	c.mu.Unlock()
	return err
}

// deriveAliases collects the client name, its spellings from the alias
// view and the JZDO flow tag where it applies.
func (c *Cache) deriveAliases(ctx context.Context, o *Order) ([]string, error) {
	var aliases []string
	var err error

	if o.Client != "" {
		aliases = append(aliases, o.Client)
		var rows []string
		rows, err = c.engine.ClientAliases(ctx, o.Client)
		for _, row := range rows {
			for _, a := range strings.Split(row, aliasSplitter) {
				if a != "" {
					aliases = appendUnique(aliases, a)
				}
			}
		}
	}

	if c.adpt.Name == config.CTypeExchange && o.JZDO() {
		aliases = appendUnique(aliases, jzdoAlias)
	}

	return aliases, err
}

// Get returns the cached order by its file id.
func (c *Cache) Get(id int64) (*Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[id]
	return o, ok
}

// Delete drops an order from the cache.
func (c *Cache) Delete(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, id)
}

// Len returns the number of cached orders, active or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}

// IDs returns all cached order ids, newest file names first.
func (c *Cache) IDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedIDs(false)
}

// ActiveIDs returns the ids of orders present in the last view refresh,
// newest file names first.
func (c *Cache) ActiveIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedIDs(true)
}

// sortedIDs assumes the lock is held.
func (c *Cache) sortedIDs(activeOnly bool) []int64 {
	ids := make([]int64, 0, len(c.orders))
	for id, o := range c.orders {
		if activeOnly && o.Inactive {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := c.orders[ids[i]], c.orders[ids[j]]
		if a.Name != b.Name {
			return a.Name > b.Name
		}
		return a.ID > b.ID
	})
	return ids
}

// Swap replaces the cached order map and returns the previous one. The
// reclaim pass runs against a scratch map and swaps the original back
// when done.
func (c *Cache) Swap(m map[int64]*Order) map[int64]*Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.orders
	if m == nil {
		m = make(map[int64]*Order)
	}
	c.orders = m
	return prev
}

// Dump renders every cached order for the unresolved diagnostics.
func (c *Cache) Dump() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.sortedIDs(false)
	lines := make([]string, 0, len(ids))
	for n, id := range ids {
		lines = append(lines, fmt.Sprintf("%03d: %s", n, c.orders[id].Describe()))
	}
	return lines
}

func appendUnique(items []string, v string) []string {
	for _, x := range items {
		if x == v {
			return items
		}
	}
	return append(items, v)
}

func lowered(items []string) []string {
	out := make([]string, 0, len(items))
	for _, x := range items {
		if x != "" {
			out = append(out, strings.ToLower(x))
		}
	}
	return out
}
