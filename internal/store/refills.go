package store

import (
	"database/sql"
	"fmt"
)

// Refill returns the refill record for an emulator, creating a zero row on
// first access.
func (s *Store) Refill(emulatorID int) (*RefillRecord, error) {
	var (
		rec   RefillRecord
		last  sql.NullString
		level int
	)
	err := s.db.QueryRow(
		"SELECT emulator_id, last_refill, resource_level FROM pond_refills WHERE emulator_id = ?",
		emulatorID).Scan(&rec.EmulatorID, &last, &level)
	if err == sql.ErrNoRows {
		return &RefillRecord{EmulatorID: emulatorID}, nil
	}
	if err != nil {
		return nil, err
	}
	rec.LastRefill = nullTime(last)
	rec.ResourceLevel = level
	return &rec, nil
}

// SetRefilled records a completed refill together with the observed resource
// level (which determines the next interval bounds).
func (s *Store) SetRefilled(emulatorID, resourceLevel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO pond_refills (emulator_id, last_refill, resource_level)
		 VALUES (?, ?, ?)
		 ON CONFLICT(emulator_id) DO UPDATE SET
		 last_refill = excluded.last_refill, resource_level = excluded.resource_level`,
		emulatorID, fmtTime(s.now()), resourceLevel)
	if err != nil {
		return fmt.Errorf("failed to record refill: %w", err)
	}
	return nil
}
