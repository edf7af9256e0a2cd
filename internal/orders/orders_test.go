// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package orders

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/vporoshin/persolog/internal/adapter"
	"github.com/vporoshin/persolog/internal/config"
	"github.com/vporoshin/persolog/internal/persodb"
)

type fakeView struct {
	rows     []persodb.Order
	rowsErr  error
	batches  map[int64][]persodb.Batch
	aliases  map[string][]string
	aliasErr error

	healthy    bool
	batchCalls int
	aliasCalls int
	reconnects int
	lastFilter persodb.OrderFilter
}

func (f *fakeView) Orders(_ context.Context, flt persodb.OrderFilter) ([]persodb.Order, error) {
	f.lastFilter = flt
	return f.rows, f.rowsErr
}

func (f *fakeView) Batches(_ context.Context, fileID int64) ([]persodb.Batch, error) {
	f.batchCalls++
	return f.batches[fileID], nil
}

func (f *fakeView) ClientAliases(_ context.Context, client string) ([]string, error) {
	f.aliasCalls++
	return f.aliases[client], f.aliasErr
}

func (f *fakeView) Healthy() bool { return f.healthy }

func (f *fakeView) Reconnect(context.Context) error {
	f.reconnects++
	f.healthy = true
	return nil
}

func newCache(t *testing.T, cfg *config.Config, fv *fakeView) *Cache {
	t.Helper()
	adpt, err := adapter.New(cfg)
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	return &Cache{
		engine:   fv,
		adpt:     adpt,
		client:   cfg.Client,
		complete: cfg.Complete,
		orders:   make(map[int64]*Order),
	}
}

func TestRefreshMergesView(t *testing.T) {
	fv := &fakeView{
		rows: []persodb.Order{
			{FileID: 200, FName: "BBB_0222.zip", BankName: "VTB", StatusID: 14},
			{FileID: 100, FName: "AAA_0111.zip", BankName: "VTB", StatusID: 12},
			{FileID: 0, FName: "GHOST.zip", BankName: "VTB", StatusID: 1},
		},
		healthy: true,
	}
	c := newCache(t, &config.Config{CType: config.CTypeBankperso, Client: "VTB", Complete: []int{62, 255}}, fv)

	from := time.Date(2026, 2, 10, 0, 0, 0, 0, time.Local)
	n, err := c.Refresh(context.Background(), from, -1, false, nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n != 2 {
		t.Errorf("active = %d, want 2", n)
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}

	o, ok := c.Get(100)
	if !ok {
		t.Fatal("order 100 not cached")
	}
	if o.State != StatePending || o.StatusID != 12 || !o.DateFrom.Equal(from) || o.Inactive {
		t.Errorf("unexpected order: %s", o.Describe())
	}

	flt := fv.lastFilter
	if !flt.DateFrom.Equal(from) || flt.Delta != -1 || flt.Client != "VTB" || flt.Finalized {
		t.Errorf("filter = %+v", flt)
	}
	if !reflect.DeepEqual(flt.Complete, []int{62, 255}) {
		t.Errorf("filter complete = %v", flt.Complete)
	}
}

func TestRefreshWithoutDateKeepsClientFilter(t *testing.T) {
	fv := &fakeView{
		rows:    []persodb.Order{{FileID: 1, FName: "A.zip", BankName: "VTB", StatusID: 1}},
		healthy: true,
	}
	c := newCache(t, &config.Config{CType: config.CTypeBankperso, Client: "VTB", Complete: []int{62}}, fv)

	if _, err := c.Refresh(context.Background(), time.Time{}, -1, false, nil); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !fv.lastFilter.DateFrom.IsZero() || fv.lastFilter.Complete != nil {
		t.Errorf("date clauses leaked into the filter: %+v", fv.lastFilter)
	}
	if fv.lastFilter.Client != "VTB" {
		t.Errorf("client = %q, want VTB", fv.lastFilter.Client)
	}
}

func TestRefreshStatusChange(t *testing.T) {
	fv := &fakeView{
		rows:    []persodb.Order{{FileID: 100, FName: "AAA_0111.zip", BankName: "VTB", StatusID: 12}},
		batches: map[int64][]persodb.Batch{100: {{TID: 7001}}},
		healthy: true,
	}
	c := newCache(t, &config.Config{CType: config.CTypeBankperso, Client: "VTB"}, fv)
	ctx := context.Background()
	from := time.Date(2026, 2, 10, 0, 0, 0, 0, time.Local)

	var derived []int64
	extra := func(o *Order) {
		derived = append(derived, o.ID)
		if err := c.DeriveKeys(ctx, o); err != nil {
			t.Fatalf("derive: %v", err)
		}
	}

	if _, err := c.Refresh(ctx, from, 0, false, extra); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !reflect.DeepEqual(derived, []int64{100}) {
		t.Fatalf("derived = %v, want [100]", derived)
	}
	o, _ := c.Get(100)
	if o.State != StateReady {
		t.Fatalf("state = %v, want ready", o.State)
	}

	// Unchanged status keeps the derived keys.
	derived = nil
	if _, err := c.Refresh(ctx, from, 0, false, extra); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(derived) != 0 {
		t.Errorf("derived = %v, want none", derived)
	}

	// A status move sends the order back through derivation.
	fv.rows[0].StatusID = 14
	if _, err := c.Refresh(ctx, from, 0, false, extra); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !reflect.DeepEqual(derived, []int64{100}) {
		t.Errorf("derived = %v, want [100]", derived)
	}
	if o.StatusID != 14 {
		t.Errorf("status = %d, want 14", o.StatusID)
	}
	if o.State != StateReady {
		t.Errorf("state = %v, want ready after re-derivation", o.State)
	}
}

func TestRefreshDeactivatesMissing(t *testing.T) {
	fv := &fakeView{
		rows: []persodb.Order{
			{FileID: 100, FName: "AAA.zip", BankName: "VTB", StatusID: 1},
			{FileID: 200, FName: "BBB.zip", BankName: "VTB", StatusID: 1},
		},
		healthy: true,
	}
	c := newCache(t, &config.Config{CType: config.CTypeBankperso, Client: "VTB"}, fv)
	ctx := context.Background()
	from := time.Date(2026, 2, 10, 0, 0, 0, 0, time.Local)

	if n, _ := c.Refresh(ctx, from, 0, false, nil); n != 2 {
		t.Fatalf("active = %d, want 2", n)
	}

	fv.rows = fv.rows[:1]
	n, err := c.Refresh(ctx, from, 0, false, nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n != 1 {
		t.Errorf("active = %d, want 1", n)
	}
	o, ok := c.Get(200)
	if !ok {
		t.Fatal("missing orders must stay cached")
	}
	if !o.Inactive {
		t.Error("order 200 still active")
	}
	if got := c.ActiveIDs(); !reflect.DeepEqual(got, []int64{100}) {
		t.Errorf("active ids = %v, want [100]", got)
	}
	if got := c.IDs(); !reflect.DeepEqual(got, []int64{200, 100}) {
		t.Errorf("ids = %v, want [200 100]", got)
	}
}

func TestRefreshReconnectsOnError(t *testing.T) {
	fv := &fakeView{rowsErr: errors.New("conn reset")}
	c := newCache(t, &config.Config{CType: config.CTypeBankperso}, fv)

	from := time.Date(2026, 2, 10, 0, 0, 0, 0, time.Local)
	if _, err := c.Refresh(context.Background(), from, 0, false, nil); err == nil {
		t.Fatal("expected refresh error")
	}
	if fv.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", fv.reconnects)
	}

	// An empty result over a healthy connection is left alone.
	idle := &fakeView{healthy: true}
	c = newCache(t, &config.Config{CType: config.CTypeBankperso}, idle)
	n, err := c.Refresh(context.Background(), from, 0, false, nil)
	if err != nil || n != 0 {
		t.Fatalf("refresh = %d, %v", n, err)
	}
	if idle.reconnects != 0 {
		t.Errorf("reconnects = %d, want 0", idle.reconnects)
	}
}

func TestDeriveKeysPerso(t *testing.T) {
	fv := &fakeView{
		batches: map[int64][]persodb.Batch{
			100: {
				{TID: 7001, TZ: sql.NullInt64{Int64: 3101, Valid: true}},
				{TID: 7002},
			},
		},
		healthy: true,
	}
	c := newCache(t, &config.Config{CType: config.CTypeBankperso}, fv)

	o := &Order{ID: 100, Name: "AAA_0111.zip", Client: "VTB"}
	if err := c.DeriveKeys(context.Background(), o); err != nil {
		t.Fatalf("derive: %v", err)
	}
	wantKeys := []string{"100", "AAA_0111.zip", "AAA_0111", "7001", "3101", "7002"}
	if !reflect.DeepEqual(o.Keys, wantKeys) {
		t.Errorf("keys = %v, want %v", o.Keys, wantKeys)
	}
	if o.State != StateReady {
		t.Errorf("state = %v, want ready", o.State)
	}
	if len(o.Aliases) != 0 {
		t.Errorf("perso orders carry no aliases, got %v", o.Aliases)
	}
	if fv.aliasCalls != 0 {
		t.Errorf("alias calls = %d, want 0", fv.aliasCalls)
	}

	// Without batches the order keeps waiting for confirmation.
	bare := &Order{ID: 200, Name: "BBB_0222.zip"}
	if err := c.DeriveKeys(context.Background(), bare); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if bare.State != StatePending {
		t.Errorf("state = %v, want pending", bare.State)
	}
	if !reflect.DeepEqual(bare.Keys, []string{"200", "BBB_0222.zip", "BBB_0222"}) {
		t.Errorf("keys = %v", bare.Keys)
	}
}

func TestDeriveKeysExchange(t *testing.T) {
	fv := &fakeView{
		aliases: map[string][]string{"РОСБАНК": {"ROSBANK:РОСБАНК:ROS", "РОСБАНК"}},
		healthy: true,
	}
	c := newCache(t, &config.Config{CType: config.CTypeExchange, Client: "РОСБАНК"}, fv)
	ctx := context.Background()

	o := &Order{ID: 300, Name: "OCG_20260210.dat", Client: "РОСБАНК"}
	if err := c.DeriveKeys(ctx, o); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if o.State != StateReady {
		t.Errorf("state = %v, want ready", o.State)
	}
	if !reflect.DeepEqual(o.Keys, []string{"300", "OCG_20260210.dat", "OCG_20260210"}) {
		t.Errorf("keys = %v", o.Keys)
	}
	wantAliases := []string{"РОСБАНК", "ROSBANK", "ROS", "JZDO"}
	if !reflect.DeepEqual(o.Aliases, wantAliases) {
		t.Errorf("aliases = %v, want %v", o.Aliases, wantAliases)
	}
	if fv.batchCalls != 0 {
		t.Errorf("batch calls = %d, want 0", fv.batchCalls)
	}

	// Aliases derive once and stick with the order.
	if err := c.DeriveKeys(ctx, o); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if fv.aliasCalls != 1 {
		t.Errorf("alias calls = %d, want 1", fv.aliasCalls)
	}

	// Outside the JZDO flow the tag is not added.
	plain := &Order{ID: 500, Name: "FILE_A.dat", Client: "РОСБАНК"}
	if err := c.DeriveKeys(ctx, plain); err != nil {
		t.Fatalf("derive: %v", err)
	}
	for _, a := range plain.Aliases {
		if a == "JZDO" {
			t.Errorf("aliases = %v, JZDO not expected", plain.Aliases)
		}
	}

	// Nameless orders cannot confirm.
	blank := &Order{ID: 400, Client: "РОСБАНК"}
	if err := c.DeriveKeys(ctx, blank); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if blank.State != StatePending {
		t.Errorf("state = %v, want pending", blank.State)
	}
}

func TestDeriveKeysSDCAliases(t *testing.T) {
	fv := &fakeView{
		batches: map[int64][]persodb.Batch{100: {{TID: 7001}}},
		aliases: map[string][]string{"VTB": {"ВТБ:VTB24"}},
		healthy: true,
	}
	c := newCache(t, &config.Config{CType: config.CTypeSDC, Client: "VTB"}, fv)

	o := &Order{ID: 100, Name: "OCG_A.zip", Client: "VTB"}
	if err := c.DeriveKeys(context.Background(), o); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if o.State != StateReady {
		t.Errorf("state = %v, want ready", o.State)
	}
	// The JZDO tag belongs to the exchange flow alone.
	if !reflect.DeepEqual(o.Aliases, []string{"VTB", "ВТБ", "VTB24"}) {
		t.Errorf("aliases = %v", o.Aliases)
	}
}

func TestSweepKeysForcesReadiness(t *testing.T) {
	fv := &fakeView{healthy: true}
	c := newCache(t, &config.Config{CType: config.CTypeBankperso}, fv)
	ctx := context.Background()

	o := &Order{ID: 100, Name: "AAA.zip"}
	if err := c.SweepKeys(ctx, o); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if o.State != StateSweeping {
		t.Errorf("state = %v, want sweeping", o.State)
	}

	fv.batches = map[int64][]persodb.Batch{200: {{TID: 1}}}
	confirmed := &Order{ID: 200, Name: "BBB.zip"}
	if err := c.SweepKeys(ctx, confirmed); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if confirmed.State != StateReady {
		t.Errorf("state = %v, want ready", confirmed.State)
	}
}

func TestOrderMatching(t *testing.T) {
	o := &Order{
		Keys:    []string{"100", "AAA_0111.zip", "AAA_0111"},
		Aliases: []string{"РОСБАНК", "ROSBANK"},
	}
	o.needles = lowered(o.Keys)
	o.aliasNeedles = lowered(o.Aliases)

	if !o.MatchMessage("файл AAA_0111.zip принят", false) {
		t.Error("exact key missed")
	}
	if o.MatchMessage("файл aaa_0111.zip принят", false) {
		t.Error("case must matter without the flag")
	}
	if !o.MatchMessage("файл aaa_0111.zip принят", true) {
		t.Error("insensitive key missed")
	}
	if !o.MatchAlias("клиент росбанк подтвердил", true) {
		t.Error("insensitive alias missed")
	}
	if o.MatchAlias("клиент росбанк подтвердил", false) {
		t.Error("alias case must matter without the flag")
	}
	if !o.MatchFilename("/var/perso/20260210_AAA_0111.zip.log", false) {
		t.Error("filename key missed")
	}
	if o.MatchFilename("/var/perso/20260210_XXX.log", true) {
		t.Error("foreign filename matched")
	}

	empty := &Order{Keys: []string{""}}
	if empty.MatchMessage("anything at all", false) {
		t.Error("blank keys must never match")
	}
}

func TestOrderListing(t *testing.T) {
	c := &Cache{orders: map[int64]*Order{
		1: {ID: 1, Name: "AAA.zip"},
		2: {ID: 2, Name: "CCC.zip", Inactive: true},
		3: {ID: 3, Name: "BBB.zip"},
		4: {ID: 4, Name: "BBB.zip"},
	}}

	if got := c.IDs(); !reflect.DeepEqual(got, []int64{2, 4, 3, 1}) {
		t.Errorf("ids = %v, want [2 4 3 1]", got)
	}
	if got := c.ActiveIDs(); !reflect.DeepEqual(got, []int64{4, 3, 1}) {
		t.Errorf("active ids = %v, want [4 3 1]", got)
	}

	c.Delete(4)
	if got := c.IDs(); !reflect.DeepEqual(got, []int64{2, 3, 1}) {
		t.Errorf("ids after delete = %v, want [2 3 1]", got)
	}
}

func TestSwapForReclaim(t *testing.T) {
	fv := &fakeView{
		rows:    []persodb.Order{{FileID: 900, FName: "OLD.zip", BankName: "VTB", StatusID: 62}},
		healthy: true,
	}
	c := newCache(t, &config.Config{CType: config.CTypeBankperso, Client: "VTB"}, fv)
	c.orders[100] = &Order{ID: 100, Name: "AAA.zip"}

	saved := c.Swap(nil)
	if c.Len() != 0 {
		t.Fatalf("len = %d, want 0 after swap", c.Len())
	}

	from := time.Date(2026, 2, 10, 0, 0, 0, 0, time.Local)
	if _, err := c.Refresh(context.Background(), from, -7, false, nil); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := c.Get(900); !ok {
		t.Fatal("reclaim window order not cached")
	}

	c.Swap(saved)
	if _, ok := c.Get(100); !ok {
		t.Error("original order lost after restore")
	}
	if _, ok := c.Get(900); ok {
		t.Error("scratch order leaked into the restored map")
	}
}

func TestDump(t *testing.T) {
	c := &Cache{orders: map[int64]*Order{
		1: {ID: 1, Name: "AAA.zip", Client: "VTB", StatusID: 12, Keys: []string{"1"}},
		2: {ID: 2, Name: "BBB.zip", Inactive: true},
	}}

	lines := c.Dump()
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if !strings.HasPrefix(lines[0], "000: {FileID: 2") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "FName: AAA.zip") || !strings.Contains(lines[1], "state: pending") {
		t.Errorf("second line = %q", lines[1])
	}
}
