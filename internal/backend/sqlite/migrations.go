package sqlite

import "database/sql"

// schema sets up the database. It runs on startup to ensure tables exist.
// Records are stored as JSON documents keyed by (path, id); a path is the
// collection path, e.g. users/<identity>/transactions.
const schema = `
CREATE TABLE IF NOT EXISTS records (
    path TEXT NOT NULL,
    id TEXT NOT NULL,
    data TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (path, id)
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_path ON records(path);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
