// Persolog - Card Personalization Log Audit Service
// Copyright 2026 V. Poroshin (vporoshin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vporoshin/persolog

package persodb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	e := &Engine{name: "bankperso", db: sqlx.NewDb(db, "sqlserver"), healthy: true}
	t.Cleanup(func() { _ = e.Close() })
	return e, mock
}

func TestOrderFilterWhere(t *testing.T) {
	dateFrom := time.Date(2026, 2, 10, 0, 0, 0, 0, time.Local)
	complete := []int{62, 64, 0, 255}

	tests := []struct {
		name   string
		filter OrderFilter
		want   string
		args   int
	}{
		{
			name: "active window",
			filter: OrderFilter{
				DateFrom: dateFrom, Delta: -7, Complete: complete, Client: "VTB",
			},
			want: "(StatusDate >= '2026-02-03 00:00' or FileStatusID not in (62,64,255))" +
				" and RegisterDate <= '2026-02-10 23:59' and BankName = @client",
			args: 1,
		},
		{
			name: "finalized window",
			filter: OrderFilter{
				DateFrom: dateFrom, Delta: -30, Complete: complete, Finalized: true,
			},
			want: "(StatusDate <= '2026-01-11 00:00' and FileStatusID in (62,64,255))",
		},
		{
			name:   "client only",
			filter: OrderFilter{Client: "VTB"},
			want:   "BankName = @client",
			args:   1,
		},
		{
			name:   "wildcard client drops the clause",
			filter: OrderFilter{Client: "*"},
			want:   "",
		},
		{
			name:   "empty filter",
			filter: OrderFilter{},
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := tt.filter.where()
			if got != tt.want {
				t.Errorf("where() = %q, want %q", got, tt.want)
			}
			if len(args) != tt.args {
				t.Errorf("len(args) = %d, want %d", len(args), tt.args)
			}
		})
	}
}

func TestOrders(t *testing.T) {
	e, mock := newMockEngine(t)

	query := "SELECT DISTINCT FileID, FName, BankName, FileStatusID FROM " + ordersView +
		" WHERE BankName = @client ORDER BY FileID DESC"
	mock.ExpectQuery(query).
		WithArgs(sql.Named("client", "VTB")).
		WillReturnRows(sqlmock.NewRows([]string{"FileID", "FName", "BankName", "FileStatusID"}).
			AddRow(201, "B.TXT", "VTB", 5).
			AddRow(105, "A.TXT", "VTB", 62))

	rows, err := e.Orders(context.Background(), OrderFilter{Client: "VTB"})
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].FileID != 201 || rows[0].FName != "B.TXT" || rows[0].StatusID != 5 {
		t.Errorf("first row = %+v", rows[0])
	}
	if !e.Healthy() {
		t.Error("engine should stay healthy after a good query")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestOrdersQueryErrorMarksUnhealthy(t *testing.T) {
	e, mock := newMockEngine(t)

	query := "SELECT DISTINCT FileID, FName, BankName, FileStatusID FROM " + ordersView +
		" ORDER BY FileID DESC"
	mock.ExpectQuery(query).WillReturnError(sql.ErrConnDone)

	if _, err := e.Orders(context.Background(), OrderFilter{}); err == nil {
		t.Fatal("expected query error")
	}
	if e.Healthy() {
		t.Error("engine should be unhealthy after a failed query")
	}
}

func TestBatches(t *testing.T) {
	e, mock := newMockEngine(t)

	query := "SELECT TID, TZ FROM " + batchesView + " WHERE FileID = @fileid ORDER BY TID"
	mock.ExpectQuery(query).
		WithArgs(sql.Named("fileid", int64(201))).
		WillReturnRows(sqlmock.NewRows([]string{"TID", "TZ"}).
			AddRow(11, 70001).
			AddRow(12, nil))

	rows, err := e.Batches(context.Background(), 201)
	if err != nil {
		t.Fatalf("Batches: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].TID != 11 || !rows[0].TZ.Valid || rows[0].TZ.Int64 != 70001 {
		t.Errorf("first row = %+v", rows[0])
	}
	if rows[1].TZ.Valid {
		t.Error("second TZ should be NULL")
	}
}

func TestClientAliases(t *testing.T) {
	e, mock := newMockEngine(t)

	query := "SELECT Aliases FROM " + aliasesView + " WHERE Aliases LIKE @pattern OR Name = @name"
	mock.ExpectQuery(query).
		WithArgs(sql.Named("pattern", "%VTB%"), sql.Named("name", "VTB")).
		WillReturnRows(sqlmock.NewRows([]string{"Aliases"}).
			AddRow("VTB24:VTBRETAIL").
			AddRow(nil).
			AddRow(""))

	aliases, err := e.ClientAliases(context.Background(), "VTB")
	if err != nil {
		t.Fatalf("ClientAliases: %v", err)
	}
	if len(aliases) != 1 || aliases[0] != "VTB24:VTBRETAIL" {
		t.Errorf("aliases = %v", aliases)
	}
}

func TestNotConnected(t *testing.T) {
	e := &Engine{name: "bankperso"}
	if _, err := e.Orders(context.Background(), OrderFilter{}); err == nil {
		t.Fatal("expected error from a disconnected engine")
	}
	if err := e.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error from a disconnected engine")
	}
}
