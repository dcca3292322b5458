package relay

import (
	"database/sql"
	"fmt"

	"github.com/syncular/syncd/internal/api"
	"github.com/syncular/syncd/internal/syncdb"
)

// OpenDatabase opens the relay's local database: the full server-side
// schema plus the relay-only tables.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := api.OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := syncdb.Migrate(db, "relay", Schema, Migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate relay schema: %w", err)
	}
	return db, nil
}
