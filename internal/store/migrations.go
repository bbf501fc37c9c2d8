// Schema evolution is additive: columns are never dropped, and each release
// lists the columns it expects here. Existing databases get missing columns
// bolted on at open; fresh databases already have them from CREATE TABLE.
package store

import (
	"database/sql"
	"fmt"

	"emufleet/internal/logging"
)

// Migration adds one column to one table if it is missing.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists all additive schema migrations.
var pendingMigrations = []Migration{
	// Builder-count detection happens at runtime; older databases predate
	// the column recording when it was last detected.
	{"builders", "detected_at", "TEXT"},
	// Refill interval bounds moved from code to per-row storage.
	{"pond_refills", "resource_level", "INTEGER NOT NULL DEFAULT 0"},
	// Deferred section scans track when the scan actually happened.
	{"evolutions", "scanned", "INTEGER NOT NULL DEFAULT 0"},
	// Freeze rows gained a human-readable reason.
	{"function_freezes", "reason", "TEXT"},
}

// RunMigrations applies additive migrations to an existing database.
func RunMigrations(db *sql.DB) error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		logging.Store("migration applied: %s.%s", m.Table, m.Column)
		applied++
	}
	if applied > 0 {
		logging.Store("schema migrations complete: %d applied", applied)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
