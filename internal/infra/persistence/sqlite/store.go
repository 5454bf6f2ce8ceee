// Package sqlite provides a SQLite-backed registry store that snapshots the
// in-memory state after every committed transaction.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"datastore/internal/infra/persistence/memory"
	"datastore/internal/infra/persistence/sqlbundle"
	"datastore/pkg/domain"
)

var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.LocationIndex   = (*Store)(nil)
)

const driverName = "sqlite"

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

type stateRow struct {
	Bucket  string `db:"bucket"`
	Payload []byte `db:"payload"`
}

// Store persists the registry to a SQLite file as JSON buckets.
type Store struct {
	*memory.Store
	db   *sqlx.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path and hydrates the
// in-memory registry from it.
func NewStore(path, instanceCode string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "datastore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, domain.EnvironmentError.New("create dirs: %v", err)
	}
	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, domain.EnvironmentError.New("open sqlite: %v", err)
	}
	ctx := context.Background()
	for _, stmt := range sqlbundle.SplitStatements(sqlbundle.SQLite()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	s := &Store{Store: memory.NewStore(instanceCode, engine), db: db, path: path}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) load(ctx context.Context) error {
	var rows []stateRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT bucket, payload FROM state`); err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	if len(rows) == 0 {
		// first start: persist the generated instance so it survives restarts
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

// RunInTransaction applies fn and snapshots the committed state to SQLite.
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

// DataSetLocations reads the location index table.
func (s *Store) DataSetLocations(ctx context.Context, dataSetType string) ([]domain.DataSetLocation, error) {
	var out []domain.DataSetLocation
	var err error
	if code := domain.NormalizeCode(dataSetType); code != "" {
		err = s.db.SelectContext(ctx, &out, `SELECT code, data_set_type, location, data_store_code, registered_at
			FROM data_set_locations WHERE data_set_type = ? ORDER BY code`, code)
	} else {
		err = s.db.SelectContext(ctx, &out, `SELECT code, data_set_type, location, data_store_code, registered_at
			FROM data_set_locations ORDER BY code`)
	}
	if err != nil {
		return nil, fmt.Errorf("select locations: %w", err)
	}
	return out, nil
}

func (s *Store) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range memory.Buckets {
		data, err := snapshot.EncodeBucket(bucket)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(:bucket,:payload)
			ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, stateRow{Bucket: bucket, Payload: data}); err != nil {
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
	return tx.Commit()
}
