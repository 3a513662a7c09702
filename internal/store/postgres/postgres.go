// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an already opened database without running migrations.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// DB exposes the connection pool for components sharing the database,
// such as the LISTEN/NOTIFY relay.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateComment(ctx context.Context, c *model.Comment) error {
	return queryCreateComment(ctx, s.db, c)
}

func (s *PostgresStore) GetComment(ctx context.Context, id int64) (*model.Comment, error) {
	return queryGetComment(ctx, s.db, id)
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]*model.Comment, error) {
	return queryListComments(ctx, s.db, documentID)
}

func (s *PostgresStore) ResolveComment(ctx context.Context, id int64, by string, at time.Time) (*model.Comment, error) {
	return queryResolveComment(ctx, s.db, id, by, at)
}

func (s *PostgresStore) ReopenComment(ctx context.Context, id int64, at time.Time) (*model.Comment, error) {
	return queryReopenComment(ctx, s.db, id, at)
}

// DeleteComment removes the comment and its replies in one transaction.
func (s *PostgresStore) DeleteComment(ctx context.Context, id int64) ([]int64, error) {
	var deleted []int64
	err := s.runInTransaction(ctx, func(tx executor) error {
		var err error
		deleted, err = queryDeleteThread(ctx, tx, id)
		return err
	})
	return deleted, err
}

func (s *PostgresStore) ExportComments(ctx context.Context, fn func(*model.Comment) error) error {
	return queryExportComments(ctx, s.db, fn)
}

// runInTransaction begins a database transaction, calls fn with it, and
// commits on success or rolls back on error.
func (s *PostgresStore) runInTransaction(ctx context.Context, fn func(tx executor) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
