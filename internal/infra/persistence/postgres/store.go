// Package postgres provides a Postgres-backed registry store that mirrors the
// in-memory semantics and snapshots committed state into JSONB buckets.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"

	"datastore/internal/infra/persistence/memory"
	"datastore/internal/infra/persistence/sqlbundle"
	"datastore/pkg/domain"
)

var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.LocationIndex   = (*Store)(nil)
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/datastore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

type stateRow struct {
	Bucket  string `db:"bucket"`
	Payload []byte `db:"payload"`
}

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sqlx.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It applies the registry DDL and hydrates the in-memory store from any existing snapshot.
func NewStore(ctx context.Context, dsn, instanceCode string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	raw, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, domain.EnvironmentError.New("open postgres: %v", err)
	}
	db := sqlx.NewDb(raw, defaultDriver)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.EnvironmentError.New("ping postgres: %v", err)
	}
	if err := applyDDL(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{Store: memory.NewStore(instanceCode, engine), db: db}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// RunInTransaction applies the provided function within a transaction, then snapshots to Postgres if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// DB exposes the underlying handle for integration testing hooks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DataSetLocations reads the location index table.
func (s *Store) DataSetLocations(ctx context.Context, dataSetType string) ([]domain.DataSetLocation, error) {
	query := `SELECT code, data_set_type, location, data_store_code, registered_at FROM data_set_locations`
	var args []any
	if code := domain.NormalizeCode(dataSetType); code != "" {
		query += ` WHERE data_set_type = $1`
		args = append(args, code)
	}
	query += ` ORDER BY code`
	var out []domain.DataSetLocation
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("select locations: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyDDL(ctx context.Context, db execer) error {
	for _, stmt := range sqlbundle.SplitStatements(sqlbundle.Postgres()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func (s *Store) load(ctx context.Context) error {
	var rows []stateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT bucket, payload FROM state`); err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	if len(rows) == 0 {
		return s.persist(ctx)
	}
	var snapshot memory.Snapshot
	for _, r := range rows {
		if err := snapshot.DecodeBucket(r.Bucket, r.Payload); err != nil {
			return err
		}
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range memory.Buckets {
		data, err := snapshot.EncodeBucket(bucket)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(:bucket,:payload)
			ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, stateRow{Bucket: bucket, Payload: data}); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM data_set_locations`); err != nil {
		return fmt.Errorf("clear locations: %w", err)
	}
	for _, ds := range snapshot.DataSets {
		row := domain.DataSetLocation{
			Code:          ds.Code,
			DataSetType:   domain.NormalizeCode(ds.DataSetType),
			Location:      ds.Location,
			DataStoreCode: ds.DataStoreCode,
			RegisteredAt:  ds.RegisteredAt,
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO data_set_locations(code,data_set_type,location,data_store_code,registered_at)
			VALUES(:code,:data_set_type,:location,:data_store_code,:registered_at)`, row); err != nil {
			return fmt.Errorf("index %s: %w", ds.Code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
