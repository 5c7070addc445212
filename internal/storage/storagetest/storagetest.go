// Package storagetest opens migrated databases for tests of packages built
// on internal/storage.
package storagetest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/require"

	"github.com/i2y/leanflow/internal/migrations"
	"github.com/i2y/leanflow/internal/storage"
)

// MigrationsFS returns the repository's schema/db/migrations directory.
func MigrationsFS() fs.FS {
	_, file, _, _ := runtime.Caller(0)
	root := filepath.Join(filepath.Dir(file), "..", "..", "..")
	return os.DirFS(filepath.Join(root, "schema", "db", "migrations"))
}

// NewSQLite returns a migrated SQLite storage in a temp directory, closed
// when the test ends.
func NewSQLite(t testing.TB) *storage.SQLStorage {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "leanflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	Migrate(t, s)
	return s
}

// Migrate applies every migration of the storage's dialect.
func Migrate(t testing.TB, s storage.Storage) {
	t.Helper()
	_, err := migrations.NewMigrator(s.DB(), s.Driver().DBType(), MigrationsFS()).Up(context.Background())
	require.NoError(t, err)
}

// SeedInstance publishes a throwaway definition and creates a Running
// instance of it.
func SeedInstance(t testing.TB, s storage.Storage) *storage.WorkflowInstance {
	t.Helper()
	ctx := context.Background()
	def := &storage.WorkflowDefinition{
		ID:        uuid.NewString(),
		Code:      "seed-" + uuid.NewString()[:8],
		Name:      "seed",
		Document:  types.JSONText(`{"code":"seed","activities":[{"id":"start","type":"start"}]}`),
		CreatedBy: "test",
	}
	require.NoError(t, s.PublishDefinition(ctx, def))

	node := "start"
	inst := &storage.WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionCode:    def.Code,
		DefinitionVersion: def.Version,
		Initiator:         "test",
		CurrentNodeID:     &node,
		Status:            storage.InstanceRunning,
	}
	require.NoError(t, s.CreateInstance(ctx, inst))
	return inst
}
