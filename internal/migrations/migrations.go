// Package migrations applies dbmate-compatible migration files.
//
// Migration files use dbmate's layout so the same directory works with the
// dbmate CLI and with automatic migration at startup:
//   - the `schema_migrations` table tracks applied versions
//   - files are named YYYYMMDDHHMMSS_description.sql
//   - each file holds `-- migrate:up` and `-- migrate:down` sections
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	versionRe = regexp.MustCompile(`^(\d+)_`)
	upRe      = regexp.MustCompile(`(?s)-- migrate:up\s*(.*?)(?:-- migrate:down|$)`)
	downRe    = regexp.MustCompile(`(?s)-- migrate:down\s*(.*)$`)
)

// Migration is one migration file.
type Migration struct {
	Version  string
	Filename string
	Up       string
	Down     string
}

// Status reports whether a migration has been applied.
type Status struct {
	Version  string
	Filename string
	Applied  bool
}

// Migrator applies the migrations of one dialect directory.
type Migrator struct {
	db     *sql.DB
	dbType string
	fsys   fs.FS
}

// NewMigrator creates a migrator reading dbType/*.sql from fsys.
// dbType is one of "sqlite", "postgresql", "mysql".
func NewMigrator(db *sql.DB, dbType string, fsys fs.FS) *Migrator {
	return &Migrator{db: db, dbType: dbType, fsys: fsys}
}

// DetectDBType detects database type from connection URL.
func DetectDBType(url string) (string, error) {
	url = strings.ToLower(url)

	switch {
	case strings.HasPrefix(url, "postgres"):
		return "postgresql", nil
	case strings.HasPrefix(url, "mysql"):
		return "mysql", nil
	case strings.Contains(url, "sqlite"), strings.HasPrefix(url, "file:"),
		strings.HasSuffix(url, ".db"), url == ":memory:":
		return "sqlite", nil
	}
	return "", fmt.Errorf("cannot detect database type from URL: %s", url)
}

// Load reads and parses the migration files in version order.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, m.dbType)
	if err != nil {
		return nil, fmt.Errorf("migrations directory %q not found: %w", m.dbType, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(m.fsys, path.Join(m.dbType, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}
		up, down := ParseMigrationFile(string(content))
		migrations = append(migrations, Migration{
			Version:  ExtractVersionFromFilename(entry.Name()),
			Filename: entry.Name(),
			Up:       up,
			Down:     down,
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Up applies every pending migration and returns the applied versions.
// Concurrent workers are tolerated: a version recorded by someone else is skipped.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	migrations, err := m.Load()
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var versions []string
	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if mig.Up == "" {
			slog.Warn("no '-- migrate:up' section found", "filename", mig.Filename)
			continue
		}

		slog.Info("applying migration", "filename", mig.Filename)
		if err := m.execStatements(ctx, mig.Up); err != nil {
			return versions, fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
		}

		recorded, err := m.record(ctx, mig.Version)
		if err != nil {
			return versions, fmt.Errorf("failed to record migration %s: %w", mig.Version, err)
		}
		if recorded {
			versions = append(versions, mig.Version)
		} else {
			slog.Debug("migration was applied by another worker", "version", mig.Version)
		}
	}

	if len(versions) > 0 {
		slog.Info("applied migrations", "count", len(versions))
	}
	return versions, nil
}

// Down rolls back the most recently applied migration and returns its version,
// or "" when nothing is applied.
func (m *Migrator) Down(ctx context.Context) (string, error) {
	migrations, err := m.Load()
	if err != nil {
		return "", err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return "", err
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		mig := migrations[i]
		if !applied[mig.Version] {
			continue
		}
		slog.Info("rolling back migration", "filename", mig.Filename)
		if err := m.execStatements(ctx, mig.Down); err != nil {
			return "", fmt.Errorf("failed to roll back migration %s: %w", mig.Version, err)
		}
		if _, err := m.db.ExecContext(ctx, m.placeholder("DELETE FROM schema_migrations WHERE version = ?"), mig.Version); err != nil {
			return "", err
		}
		return mig.Version, nil
	}
	return "", nil
}

// Status lists every migration file with its applied flag.
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	migrations, err := m.Load()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(migrations))
	for _, mig := range migrations {
		out = append(out, Status{Version: mig.Version, Filename: mig.Filename, Applied: applied[mig.Version]})
	}
	return out, nil
}

// ensureTable creates the dbmate tracking table. Safe for concurrent workers.
func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(255) PRIMARY KEY)`)
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

func (m *Migrator) applied(ctx context.Context) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		// Table not created yet.
		return applied, nil
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// record inserts the version. Returns false if another worker recorded it first.
func (m *Migrator) record(ctx context.Context, version string) (bool, error) {
	_, err := m.db.ExecContext(ctx, m.placeholder("INSERT INTO schema_migrations (version) VALUES (?)"), version)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") || strings.Contains(msg, "constraint") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *Migrator) placeholder(query string) string {
	if m.dbType == "postgresql" {
		return strings.Replace(query, "?", "$1", 1)
	}
	return query
}

// execStatements runs each semicolon-separated statement. Objects that
// already exist are skipped so a partially applied file can be re-run.
func (m *Migrator) execStatements(ctx context.Context, content string) error {
	for _, stmt := range SplitStatements(content) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			if isAlreadyExists(err) {
				slog.Debug("object already exists, skipping", "error", err)
				continue
			}
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "42p07") // PostgreSQL: relation already exists
}

// ExtractVersionFromFilename extracts version from migration filename.
// Example: "20261001000000_initial_schema.sql" -> "20261001000000"
func ExtractVersionFromFilename(filename string) string {
	if match := versionRe.FindStringSubmatch(filename); len(match) > 1 {
		return match[1]
	}
	return strings.TrimSuffix(filename, ".sql")
}

// ParseMigrationFile splits dbmate file content into its up and down sections.
func ParseMigrationFile(content string) (upSQL string, downSQL string) {
	if match := upRe.FindStringSubmatch(content); len(match) > 1 {
		upSQL = strings.TrimSpace(match[1])
	}
	if match := downRe.FindStringSubmatch(content); len(match) > 1 {
		downSQL = strings.TrimSpace(match[1])
	}
	return upSQL, downSQL
}

// SplitStatements splits SQL on semicolons and drops comment-only lines.
// Semicolons inside string literals are not supported.
func SplitStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
