package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLStorage implements Storage over database/sql for SQLite, PostgreSQL and MySQL.
// Queries are written with '?' placeholders and rebound per dialect.
type SQLStorage struct {
	db     *sqlx.DB
	driver Driver
}

// New opens the database named by dbURL and returns a storage bound to its dialect.
// Supported URLs: "sqlite://path", "path.db", ":memory:", "postgres://..." and "mysql://...".
func New(dbURL string) (*SQLStorage, error) {
	driver := NewDriver(dbURL)
	db, err := driver.Open(dbURL)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db, driver), nil
}

// NewWithDB wraps an already opened database.
func NewWithDB(db *sql.DB, driver Driver) *SQLStorage {
	sqlx.BindDriver(driver.DriverName(), bindType(driver))
	return &SQLStorage{
		db:     sqlx.NewDb(db, driver.DriverName()),
		driver: driver,
	}
}

// DB returns the underlying database connection.
func (s *SQLStorage) DB() *sql.DB {
	return s.db.DB
}

// Driver returns the dialect driver.
func (s *SQLStorage) Driver() Driver {
	return s.driver
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// exec runs a write statement with '?' placeholders.
func (s *SQLStorage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn := s.getConn(ctx)
	res, err := conn.ExecContext(ctx, conn.Rebind(query), args...)
	if err != nil {
		if s.driver.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return nil, err
	}
	return res, nil
}

// execOne runs a write statement that must touch exactly one row.
func (s *SQLStorage) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStorage) get(ctx context.Context, dest any, query string, args ...any) error {
	conn := s.getConn(ctx)
	if err := conn.GetContext(ctx, dest, conn.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (s *SQLStorage) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	conn := s.getConn(ctx)
	return conn.SelectContext(ctx, dest, conn.Rebind(query), args...)
}

// selectIn expands slice arguments (IN clauses) before selecting.
func (s *SQLStorage) selectIn(ctx context.Context, dest any, query string, args ...any) error {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return err
	}
	return s.selectAll(ctx, dest, expanded, expandedArgs...)
}

// Compile-time check.
var _ Storage = (*SQLStorage)(nil)
