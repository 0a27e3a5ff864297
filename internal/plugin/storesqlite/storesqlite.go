// Copyright 2025 Tom Barlow
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

// Package storesqlite implements the store_sqlite storage plugin. Each
// metric of a stored snapshot becomes one row of the samples table.
package storesqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
	"github.com/ovis-hpc/ldmsd/internal/request"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// Name is the plugin name.
const Name = "store_sqlite"

// Compile-time interface assertion.
var _ plugin.Store = (*Store)(nil)

func init() {
	plugin.Register(Name, New)
}

// Store is the store_sqlite plugin.
type Store struct {
	logger *slog.Logger

	mu   sync.Mutex
	db   *sql.DB
	path string
}

// New is the plugin factory.
func New(env plugin.Env) plugin.Plugin {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger}
}

// Name implements plugin.Plugin.
func (s *Store) Name() string { return Name }

// Type implements plugin.Plugin.
func (s *Store) Type() plugin.Type { return plugin.TypeStore }

// Usage implements plugin.Plugin.
func (s *Store) Usage() string {
	return "config name=" + Name + " path=<db_path> [wal=true|false]\n" +
		"    <db_path>  The SQLite database file. Created if missing.\n" +
		"    wal        Enable write-ahead logging (default true).\n"
}

// Configure opens the database. Reconfiguring with a new path closes
// the previous database first.
func (s *Store) Configure(ctx context.Context, avl request.AVList) error {
	path := avl.Value("path")
	if path == "" {
		return ldmsderrors.Status(unix.EINVAL, "%s: config requires path=", Name)
	}
	wal := true
	if v, ok := avl.Lookup("wal"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return ldmsderrors.Status(unix.EINVAL, "%s: invalid wal value '%s'", Name, v)
		}
		wal = b
	}

	db, err := open(ctx, path, wal)
	if err != nil {
		return ldmsderrors.WrapStatus(err, unix.EIO, "%s: %v", Name, err)
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.path = path
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.logger.Info("store opened", slog.String("path", path), slog.Bool("wal", wal))
	return nil
}

func open(ctx context.Context, path string, wal bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ldmsderrors.Wrap(err, "failed to open database")
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, ldmsderrors.Wrap(err, "failed to connect to database")
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, ldmsderrors.Wrapf(err, "failed to execute %s", pragma)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, ldmsderrors.Wrap(err, "failed to run migrations")
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS samples (
			container TEXT NOT NULL,
			schema TEXT NOT NULL,
			instance TEXT NOT NULL,
			producer TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			metric TEXT NOT NULL,
			value INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_container_schema ON samples(container, schema)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_instance_ts ON samples(instance, timestamp)`,
	}
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Store writes every metric of snap under container in one transaction.
// Timestamps are stored as unix microseconds.
func (s *Store) Store(ctx context.Context, container string, snap metricset.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ldmsderrors.Status(unix.EINVAL, "%s: not configured", Name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ldmsderrors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (container, schema, instance, producer, timestamp, metric, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return ldmsderrors.Wrap(err, "failed to prepare insert")
	}
	defer stmt.Close()

	ts := snap.Timestamp.UnixMicro()
	for _, m := range snap.Metrics {
		// SQLite integers are signed; counters above 2^63 wrap.
		if _, err := stmt.ExecContext(ctx, container, snap.Schema, snap.Instance, snap.Producer, ts, m.Name, int64(m.Value)); err != nil {
			return ldmsderrors.Wrapf(err, "failed to insert %s/%s", snap.Instance, m.Name)
		}
	}
	return tx.Commit()
}

// Flush checkpoints the write-ahead log.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// Term closes the database.
func (s *Store) Term() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
