package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Driver abstracts the dialect-specific parts of the SQL storage.
type Driver interface {
	// DriverName returns the database/sql driver name ("sqlite", "pgx", "mysql").
	DriverName() string

	// DBType returns the migration directory name ("sqlite", "postgresql", "mysql").
	DBType() string

	// Open opens a connection pool for the given URL.
	Open(dbURL string) (*sql.DB, error)

	// SelectForUpdateSkipLocked returns the clause for row locking.
	// PostgreSQL/MySQL: "FOR UPDATE SKIP LOCKED", SQLite: "" (single writer)
	SelectForUpdateSkipLocked() string

	// IsUniqueViolation reports whether err is a unique constraint violation.
	IsUniqueViolation(err error) bool
}

// SQLiteDriver implements Driver for SQLite (modernc.org/sqlite).
type SQLiteDriver struct{}

func (d *SQLiteDriver) DriverName() string { return "sqlite" }

func (d *SQLiteDriver) DBType() string { return "sqlite" }

func (d *SQLiteDriver) Open(dbURL string) (*sql.DB, error) {
	path := strings.TrimPrefix(dbURL, "sqlite://")
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"

	// In-memory databases need shared cache so every pooled connection sees the same data.
	var connStr string
	switch {
	case path == ":memory:":
		connStr = "file::memory:?cache=shared&" + pragmas
	case strings.Contains(path, "?"):
		connStr = path + "&" + pragmas
	default:
		connStr = path + "?" + pragmas
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite permits one writer; a single connection serializes engine transactions.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (d *SQLiteDriver) SelectForUpdateSkipLocked() string {
	return ""
}

func (d *SQLiteDriver) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}

// PostgresDriver implements Driver for PostgreSQL (pgx stdlib).
type PostgresDriver struct{}

func (d *PostgresDriver) DriverName() string { return "pgx" }

func (d *PostgresDriver) DBType() string { return "postgresql" }

func (d *PostgresDriver) Open(dbURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (d *PostgresDriver) SelectForUpdateSkipLocked() string {
	return "FOR UPDATE SKIP LOCKED"
}

func (d *PostgresDriver) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// MySQLDriver implements Driver for MySQL 8.0+.
type MySQLDriver struct{}

func (d *MySQLDriver) DriverName() string { return "mysql" }

func (d *MySQLDriver) DBType() string { return "mysql" }

func (d *MySQLDriver) Open(dbURL string) (*sql.DB, error) {
	dsn, err := convertToMySQLDSN(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (d *MySQLDriver) SelectForUpdateSkipLocked() string {
	return "FOR UPDATE SKIP LOCKED"
}

func (d *MySQLDriver) IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

// convertToMySQLDSN converts a mysql:// URL into a go-sql-driver DSN.
// clientFoundRows makes RowsAffected count matched rows, which the
// version compare-and-swap relies on.
func convertToMySQLDSN(connStr string) (string, error) {
	cfg := mysql.NewConfig()
	if strings.HasPrefix(connStr, "mysql://") {
		u, err := url.Parse(connStr)
		if err != nil {
			return "", err
		}
		host := u.Host
		if !strings.Contains(host, ":") {
			host += ":3306"
		}
		cfg.Net = "tcp"
		cfg.Addr = host
		cfg.DBName = strings.TrimPrefix(u.Path, "/")
		if u.User != nil {
			cfg.User = u.User.Username()
			cfg.Passwd, _ = u.User.Password()
		}
	} else {
		parsed, err := mysql.ParseDSN(connStr)
		if err != nil {
			return "", err
		}
		cfg = parsed
	}

	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = true
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

// NewDriver creates a driver based on the database URL.
func NewDriver(dbURL string) Driver {
	switch {
	case strings.HasPrefix(dbURL, "postgres"):
		return &PostgresDriver{}
	case strings.HasPrefix(dbURL, "mysql"):
		return &MySQLDriver{}
	default:
		return &SQLiteDriver{}
	}
}

// bindType returns the sqlx placeholder style for the driver.
func bindType(d Driver) int {
	if d.DBType() == "postgresql" {
		return sqlx.DOLLAR
	}
	return sqlx.QUESTION
}
