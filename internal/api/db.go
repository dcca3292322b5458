package api

import (
	"database/sql"
	"fmt"

	"github.com/syncular/syncd/internal/auth"
	"github.com/syncular/syncd/internal/chunkstore"
	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/rowtable"
	"github.com/syncular/syncd/internal/syncdb"
)

// OpenDatabase opens the server database and applies the full server-side
// schema: commit log, snapshot chunks, generic row storage, and the token
// table.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := syncdb.Open(path)
	if err != nil {
		return nil, err
	}

	steps := []struct {
		component  string
		schema     string
		migrations []syncdb.Migration
	}{
		{"commitlog", commitlog.Schema, commitlog.Migrations},
		{"chunks", chunkstore.Schema, chunkstore.Migrations},
		{"rows", rowtable.Schema, nil},
		{"auth", auth.Schema, nil},
	}
	for _, st := range steps {
		if err := syncdb.Migrate(db, st.component, st.schema, st.migrations); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate %s schema: %w", st.component, err)
		}
	}
	return db, nil
}
