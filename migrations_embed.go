package leanflow

import (
	"embed"
	"io/fs"
)

//go:embed schema/db/migrations
var schemaFiles embed.FS

// EmbeddedMigrationsFS returns the bundled dbmate-style schema, one
// directory per dialect (sqlite, postgresql, mysql).
func EmbeddedMigrationsFS() fs.FS {
	sub, err := fs.Sub(schemaFiles, "schema/db/migrations")
	if err != nil {
		panic("leanflow: embedded schema missing: " + err.Error())
	}
	return sub
}
