package store

import (
	"database/sql"
	"fmt"

	"emufleet/internal/config"
	"emufleet/internal/logging"
)

// HasRecords reports whether the emulator has any building records. Lockless
// scheduler hint used to detect brand-new emulators.
func (s *Store) HasRecords(emulatorID int) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM buildings WHERE emulator_id = ?", emulatorID,
	).Scan(&count)
	return count > 0, err
}

// InitializeRecords populates the building and evolution tables from the
// plans, creates builder and research slot rows, and marks the bootstrap
// flags. Idempotent: a second call with the same input is a no-op.
func (s *Store) InitializeRecords(emulatorID, totalBuilders int) error {
	timer := logging.StartTimer(logging.CategoryStore, "InitializeRecords")
	defer timer.Stop()

	state, err := s.GetInitState(emulatorID, "records")
	if err != nil {
		return err
	}
	if state.RecordsCreated {
		logging.StoreDebug("records already created for emulator %d, skipping", emulatorID)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := fmtTime(s.now())

	if s.buildPlan != nil {
		if err := s.seedBuildings(tx, emulatorID, now); err != nil {
			return err
		}
	}
	if s.techPlan != nil {
		if err := s.seedTechs(tx, emulatorID); err != nil {
			return err
		}
	}

	for slot := 1; slot <= totalBuilders; slot++ {
		if _, err := tx.Exec(
			`INSERT INTO builders (emulator_id, builder_slot, is_busy, detected_at)
			 VALUES (?, ?, 0, ?) ON CONFLICT(emulator_id, builder_slot) DO NOTHING`,
			emulatorID, slot, now); err != nil {
			return fmt.Errorf("failed to create builder slot %d: %w", slot, err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO evolution_slot (emulator_id, is_busy) VALUES (?, 0)
		 ON CONFLICT(emulator_id) DO NOTHING`,
		emulatorID); err != nil {
		return fmt.Errorf("failed to create research slot: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO pond_refills (emulator_id, resource_level) VALUES (?, 0)
		 ON CONFLICT(emulator_id) DO NOTHING`,
		emulatorID); err != nil {
		return fmt.Errorf("failed to create refill record: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO init_state (emulator_id, feature, records_created, initial_scan_complete)
		 VALUES (?, 'records', 1, 0)
		 ON CONFLICT(emulator_id, feature) DO UPDATE SET records_created = 1`,
		emulatorID); err != nil {
		return fmt.Errorf("failed to set init state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Store("records initialized for emulator %d (%d builders)", emulatorID, totalBuilders)
	return nil
}

// seedBuildings inserts one row per unique building and count rows per
// multiple building. Entries repeat across lord levels with rising targets;
// the highest target wins, and a build action from any level sticks until
// the building is placed.
func (s *Store) seedBuildings(tx *sql.Tx, emulatorID int, now string) error {
	type seed struct {
		entry config.PlanEntry
		count int
	}
	seen := make(map[string]*seed)
	var order []string

	for _, entry := range s.buildPlan.AllEntries() {
		existing, ok := seen[entry.Name]
		if !ok {
			e := entry
			seen[entry.Name] = &seed{entry: e, count: entry.Count}
			order = append(order, entry.Name)
			continue
		}
		if entry.TargetLevel > existing.entry.TargetLevel {
			existing.entry.TargetLevel = entry.TargetLevel
		}
		if entry.Count > existing.count {
			existing.count = entry.Count
		}
	}

	for _, name := range order {
		sd := seen[name]
		for idx := 1; idx <= sd.count; idx++ {
			if _, err := tx.Exec(
				`INSERT INTO buildings (emulator_id, name, building_index, building_type,
				 current_level, target_level, status, action, last_updated)
				 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
				 ON CONFLICT(emulator_id, name, building_index) DO NOTHING`,
				emulatorID, name, idx, string(sd.entry.Type),
				sd.entry.TargetLevel, StatusIdle, string(sd.entry.Action), now); err != nil {
				return fmt.Errorf("failed to seed building %s[%d]: %w", name, idx, err)
			}
		}
	}
	return nil
}

func (s *Store) seedTechs(tx *sql.Tx, emulatorID int) error {
	for orderIndex, item := range s.techPlan.OrderedTechs() {
		e := item.Entry
		swipeGroup := e.SwipeGroup
		if _, err := tx.Exec(
			`INSERT INTO evolutions (emulator_id, name, section, lord_level,
			 current_level, target_level, max_level, status, order_index, swipe_group, scanned)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(emulator_id, name, section) DO NOTHING`,
			emulatorID, e.Name, e.Section, item.LordLevel,
			e.TargetLevel, e.MaxLevel, StatusIdle, orderIndex, swipeGroup); err != nil {
			return fmt.Errorf("failed to seed tech %s: %w", e.Name, err)
		}
	}
	return nil
}

// GetInitState returns the bootstrap flag pair for (emulator, feature),
// zero-valued when no row exists.
func (s *Store) GetInitState(emulatorID int, feature string) (*InitState, error) {
	var (
		created int
		scanned int
	)
	err := s.db.QueryRow(
		`SELECT records_created, initial_scan_complete FROM init_state
		 WHERE emulator_id = ? AND feature = ?`,
		emulatorID, feature).Scan(&created, &scanned)
	if err == sql.ErrNoRows {
		return &InitState{EmulatorID: emulatorID, Feature: feature}, nil
	}
	if err != nil {
		return nil, err
	}
	return &InitState{
		EmulatorID:          emulatorID,
		Feature:             feature,
		RecordsCreated:      created != 0,
		InitialScanComplete: scanned != 0,
	}, nil
}

// SetInitState upserts the bootstrap flags for (emulator, feature).
func (s *Store) SetInitState(emulatorID int, feature string, recordsCreated, scanComplete bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO init_state (emulator_id, feature, records_created, initial_scan_complete)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(emulator_id, feature) DO UPDATE SET
		 records_created = excluded.records_created,
		 initial_scan_complete = excluded.initial_scan_complete`,
		emulatorID, feature, boolInt(recordsCreated), boolInt(scanComplete))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
