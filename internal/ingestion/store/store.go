// Package store is the idempotent sink of the ingestion pipeline. Every
// record kind maps to one table with a natural composite key; writing a
// record whose key already exists replaces the earlier row in full.
//
// Writes happen in batches:
//
//	b, err := s.Begin(ctx)
//	for _, rec := range records {
//		if err := b.Upsert(ctx, rec); err != nil {
//			b.Rollback()
//			return err
//		}
//	}
//	return b.Commit()
//
// All statements use bound parameters, so field values are stored verbatim.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/Regression-Report-Ingestion/pkg/sqlite"
)

// ErrNotFound is returned by Get when no row has the given key.
var ErrNotFound = errors.New("row not found")

// Store writes records into a SQLite or PostgreSQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// New wraps an open database. The caller keeps ownership of db unless it
// calls Close on the Store.
func New(db *sql.DB, d Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: d,
		logger:  logger.With("component", "store", "dialect", d.Name()),
		ensured: make(map[string]bool),
	}
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string, logger *slog.Logger) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, &ingestion.StoreError{Op: "open", Err: err}
	}
	return New(db, SQLite, logger), nil
}

// OpenPostgres connects to PostgreSQL, retrying the initial ping.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig, logger *slog.Logger) (*Store, error) {
	client, err := postgres.New(ctx, cfg)
	if err != nil {
		return nil, &ingestion.StoreError{Op: "open", Err: err}
	}
	return New(client.DB, Postgres, logger), nil
}

// Open selects the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, pg config.PostgresConfig, logger *slog.Logger) (*Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path, logger)
	case "postgres":
		return OpenPostgres(ctx, pg, logger)
	}
	return nil, &ingestion.StoreError{Op: "open", Err: fmt.Errorf("unknown store driver %q", cfg.Driver)}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureTable creates t if it does not exist. An existing table is left as
// is, even if its schema differs.
func (s *Store) EnsureTable(ctx context.Context, t Table) error {
	s.mu.Lock()
	done := s.ensured[t.Name]
	s.mu.Unlock()
	if done {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL(s.dialect, t)); err != nil {
		return &ingestion.StoreError{Table: t.Name, Op: "create table", Err: err}
	}
	s.mu.Lock()
	s.ensured[t.Name] = true
	s.mu.Unlock()
	s.logger.Debug("table ensured", "table", t.Name)
	return nil
}

// EnsureTables creates the tables for every given kind.
func (s *Store) EnsureTables(ctx context.Context, kinds ...ingestion.Kind) error {
	for _, k := range kinds {
		t, err := TableFor(k)
		if err != nil {
			return &ingestion.StoreError{Op: "create table", Err: err}
		}
		if err := s.EnsureTable(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Begin opens a batch. Its upserts are visible only inside the batch until
// Commit. With SQLite the single connection is held until the batch ends.
func (s *Store) Begin(ctx context.Context) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ingestion.StoreError{Op: "begin", Err: err}
	}
	return &Batch{
		tx:      tx,
		dialect: s.dialect,
		logger:  s.logger,
		stmts:   make(map[string]*sql.Stmt),
		rows:    make(map[string]int),
	}, nil
}

// InBatch runs fn inside a batch, committing if fn succeeds and rolling
// back otherwise.
func (s *Store) InBatch(ctx context.Context, fn func(b *Batch) error) (map[string]int, error) {
	b, err := s.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		if rbErr := b.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, err
	}
	return b.Rows(), nil
}

// Get reads the row of t whose key columns equal key, given in t.Key order.
// It is meant for diagnostics and tests; ingestion never reads back.
func (s *Store) Get(ctx context.Context, t Table, key ...any) (map[string]any, error) {
	if len(key) != len(t.Key) {
		return nil, fmt.Errorf("get %s: want %d key values, got %d", t.Name, len(t.Key), len(key))
	}
	values := make([]any, len(t.Columns))
	ptrs := make([]any, len(t.Columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err := s.db.QueryRowContext(ctx, selectSQL(s.dialect, t), key...).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &ingestion.StoreError{Table: t.Name, Op: "get", Err: err}
	}
	row := make(map[string]any, len(t.Columns))
	for i, c := range t.Columns {
		if b, ok := values[i].([]byte); ok {
			values[i] = string(b)
		}
		row[c.Name] = values[i]
	}
	return row, nil
}

// Count returns the number of rows in t.
func (s *Store) Count(ctx context.Context, t Table) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(t.Name)).Scan(&n)
	if err != nil {
		return 0, &ingestion.StoreError{Table: t.Name, Op: "count", Err: err}
	}
	return n, nil
}

// Validate checks rec against its table schema as this store's backend would
// write it. Ingestion skips records that fail instead of failing the batch.
func (s *Store) Validate(rec ingestion.Record) error {
	t, err := TableFor(rec.Kind)
	if err != nil {
		return err
	}
	return validateFor(s.dialect, t, rec)
}

// validateFor adds the dialect rule to Table.Validate: a required column
// cannot hold Unparsed text the backend would store as NULL.
func validateFor(d Dialect, t Table, rec ingestion.Record) error {
	if err := t.Validate(rec); err != nil {
		return err
	}
	for _, c := range t.Columns {
		if !c.NotNull && !t.isKey(c.Name) {
			continue
		}
		if u, ok := rec.Fields[c.Name].(ingestion.Unparsed); ok && !d.KeepsUnparsed(c.Type) {
			return apperrors.Newf(apperrors.ErrInvalidRecord, "%s: %s is not numeric: %q", t.Name, c.Name, string(u))
		}
	}
	return nil
}

// Batch is one transaction worth of upserts. It is not safe for concurrent
// use; the pipeline owns one batch per source.
type Batch struct {
	tx      *sql.Tx
	dialect Dialect
	logger  *slog.Logger
	stmts   map[string]*sql.Stmt
	rows    map[string]int
	err     error
	done    bool
}

// Upsert inserts rec into its kind's table, replacing any row with the same
// key. The first failure poisons the batch: later upserts and Commit return
// it and the caller must roll back.
func (b *Batch) Upsert(ctx context.Context, rec ingestion.Record) error {
	if b.err != nil {
		return b.err
	}
	if b.done {
		return &ingestion.StoreError{Op: "upsert", Err: sql.ErrTxDone}
	}
	t, err := TableFor(rec.Kind)
	if err != nil {
		return b.fail(&ingestion.StoreError{Op: "upsert", Err: err})
	}
	if err := validateFor(b.dialect, t, rec); err != nil {
		return b.fail(&ingestion.StoreError{Table: t.Name, Op: "upsert", Err: err})
	}

	stmt, err := b.stmt(ctx, t)
	if err != nil {
		return b.fail(&ingestion.StoreError{Table: t.Name, Op: "prepare", Err: err})
	}
	args := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		args[i] = bindValue(b.dialect, c, rec.Fields[c.Name])
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return b.fail(&ingestion.StoreError{Table: t.Name, Op: "upsert", Err: err})
	}
	b.rows[t.Name]++
	return nil
}

func (b *Batch) stmt(ctx context.Context, t Table) (*sql.Stmt, error) {
	if st, ok := b.stmts[t.Name]; ok {
		return st, nil
	}
	st, err := b.tx.PrepareContext(ctx, upsertSQL(b.dialect, t))
	if err != nil {
		return nil, err
	}
	b.stmts[t.Name] = st
	return st, nil
}

func (b *Batch) fail(err error) error {
	b.err = err
	return err
}

// Commit durably persists every upsert of the batch.
func (b *Batch) Commit() error {
	if b.err != nil {
		return b.err
	}
	if b.done {
		return &ingestion.StoreError{Op: "commit", Err: sql.ErrTxDone}
	}
	b.done = true
	b.closeStmts()
	if err := b.tx.Commit(); err != nil {
		return &ingestion.StoreError{Op: "commit", Err: err}
	}
	b.logger.Debug("batch committed", "rows", b.rows)
	return nil
}

// Rollback discards the batch. Calling it after Commit is a no-op.
func (b *Batch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	b.closeStmts()
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &ingestion.StoreError{Op: "rollback", Err: err}
	}
	return nil
}

// Rows returns the number of upserts per table so far.
func (b *Batch) Rows() map[string]int {
	out := make(map[string]int, len(b.rows))
	for k, v := range b.rows {
		out[k] = v
	}
	return out
}

func (b *Batch) closeStmts() {
	for _, st := range b.stmts {
		st.Close()
	}
}

// bindValue converts a field to a driver argument. Unparsed text is written
// where the dialect keeps it and as NULL otherwise.
func bindValue(d Dialect, c Column, v any) any {
	switch x := v.(type) {
	case ingestion.Unparsed:
		if d.KeepsUnparsed(c.Type) {
			return string(x)
		}
		return nil
	case int:
		return int64(x)
	}
	return v
}
