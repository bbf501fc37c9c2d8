package store

import (
	"database/sql"
	"fmt"
	"time"

	"emufleet/internal/freeze"
)

// The store is the durable mirror behind the in-memory freeze registry. The
// registry is authoritative; these writes are best-effort and the registry
// never waits on them.

// SaveFreeze upserts a freeze row.
func (s *Store) SaveFreeze(emulatorID int, function string, unfreezeAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO function_freezes (emulator_id, function_name, unfreeze_at, reason)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(emulator_id, function_name) DO UPDATE SET
		 unfreeze_at = excluded.unfreeze_at, reason = excluded.reason`,
		emulatorID, function, fmtTime(unfreezeAt), reason)
	if err != nil {
		return fmt.Errorf("failed to mirror freeze: %w", err)
	}
	return nil
}

// DeleteFreeze removes a freeze row if present.
func (s *Store) DeleteFreeze(emulatorID int, function string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"DELETE FROM function_freezes WHERE emulator_id = ? AND function_name = ?",
		emulatorID, function)
	return err
}

// LoadFreezes returns every mirrored freeze row. Called once at startup to
// rebuild the registry.
func (s *Store) LoadFreezes() ([]freeze.Record, error) {
	rows, err := s.db.Query(
		"SELECT emulator_id, function_name, unfreeze_at, reason FROM function_freezes")
	if err != nil {
		return nil, fmt.Errorf("failed to load freezes: %w", err)
	}
	defer rows.Close()

	var out []freeze.Record
	for rows.Next() {
		var (
			rec    freeze.Record
			until  string
			reason sql.NullString
		)
		if err := rows.Scan(&rec.EmulatorID, &rec.Function, &until, &reason); err != nil {
			return nil, err
		}
		t, err := parseStoreTime(until)
		if err != nil {
			continue // Unparseable rows are dropped, not fatal.
		}
		rec.UnfreezeAt = t
		rec.Reason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
