// Copyright 2024 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history keeps a local record of the events the device has
// published, for diagnostics.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gaslyt/device-updates/api"
	"github.com/gaslyt/device-updates/internal/bus"
	"github.com/gaslyt/device-updates/internal/clock"
	"github.com/golang/glog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Entry is a single recorded event.
type Entry struct {
	ID int64 `json:"id"`
	// Time is the device's wall clock time, in seconds, when the event was
	// recorded.
	Time    int64         `json:"time"`
	Topic   string        `json:"topic"`
	Kind    api.EventKind `json:"kind"`
	Payload []byte        `json:"payload"`
}

// Database stores events. This has been tested with sqlite and MariaDB.
type Database struct {
	db *sql.DB
}

// Open opens the history database with the given driver and connection
// string.
func Open(driver, dsn string) (*Database, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	return NewDatabase(db)
}

// NewDatabase wraps an existing connection and ensures the schema exists.
func NewDatabase(db *sql.DB) (*Database, error) {
	d := &Database{db: db}
	return d, d.Init()
}

// Init creates the tables if needed. It is idempotent.
func (d *Database) Init() error {
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY,
		ts BIGINT,
		topic VARCHAR(200),
		kind VARCHAR(20),
		payload BLOB
		)`); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Record appends an entry, assigning it the next ID.
func (d *Database) Record(ctx context.Context, e Entry) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("BeginTx(): %v", err)
	}
	var max int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM events").Scan(&max); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("Scan(): %v", err)
	}
	id := max + 1
	if _, err := tx.ExecContext(ctx, "INSERT INTO events (id, ts, topic, kind, payload) VALUES (?, ?, ?, ?, ?)", id, e.Time, e.Topic, string(e.Kind), e.Payload); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("Exec(): %v", err)
	}
	return id, tx.Commit()
}

// Latest returns up to n entries, newest first.
func (d *Database) Latest(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "n must be positive, got %d", n)
	}
	rows, err := d.db.QueryContext(ctx, "SELECT id, ts, topic, kind, payload FROM events ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ret := make([]Entry, 0, n)
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	return ret, rows.Err()
}

// Last returns the newest entry of the given kind. If there is none then an
// error with status codes.NotFound is returned.
func (d *Database) Last(ctx context.Context, k api.EventKind) (Entry, error) {
	row := d.db.QueryRowContext(ctx, "SELECT id, ts, topic, kind, payload FROM events WHERE kind = ? ORDER BY id DESC LIMIT 1", string(k))
	e, err := scan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, status.Errorf(codes.NotFound, "no %s events recorded", k)
		}
		return Entry{}, err
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(s scanner) (Entry, error) {
	var e Entry
	var kind string
	if err := s.Scan(&e.ID, &e.Time, &e.Topic, &kind, &e.Payload); err != nil {
		return Entry{}, err
	}
	e.Kind = api.EventKind(kind)
	return e, nil
}

// KindOf works out which event shape a published payload carries.
// Error and status events share a topic, so this looks at the fields.
func KindOf(payload []byte) api.EventKind {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	switch {
	case fields["error"] != nil:
		return api.KindError
	case fields["comando"] != nil:
		return api.KindConfirmation
	case fields["progreso"] != nil:
		return api.KindProgress
	case fields["estado"] != nil:
		return api.KindStatus
	}
	return ""
}

// Publisher is a bus.Publisher which records everything it forwards.
type Publisher struct {
	Next  bus.Publisher
	DB    *Database
	Clock clock.Clock
}

// Publish implements bus.Publisher. A failure to record is logged but does
// not stop the event from being published.
func (p Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	e := Entry{
		Time:    p.Clock.Now().Unix(),
		Topic:   topic,
		Kind:    KindOf(payload),
		Payload: payload,
	}
	if _, err := p.DB.Record(ctx, e); err != nil {
		glog.Warningf("Failed to record event on %q: %v", topic, err)
	}
	return p.Next.Publish(ctx, topic, payload)
}
