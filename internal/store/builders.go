package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"emufleet/internal/config"
	"emufleet/internal/logging"
)

// ErrNoFreeBuilder is returned when every builder slot is occupied.
var ErrNoFreeBuilder = errors.New("store: no free builder slot")

// EnsureBuilderSlots creates slot rows 1..total for the emulator. The total
// (3 or 4) is detected at runtime per emulator; a newly detected fourth
// builder adds a row, existing rows are never destroyed.
func (s *Store) EnsureBuilderSlots(emulatorID, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := fmtTime(s.now())
	for slot := 1; slot <= total; slot++ {
		_, err := s.db.Exec(
			`INSERT INTO builders (emulator_id, builder_slot, is_busy, detected_at)
			 VALUES (?, ?, 0, ?)
			 ON CONFLICT(emulator_id, builder_slot) DO NOTHING`,
			emulatorID, slot, now)
		if err != nil {
			return fmt.Errorf("failed to ensure builder slot %d: %w", slot, err)
		}
	}
	return nil
}

func scanBuilder(row interface{ Scan(...interface{}) error }) (*BuilderSlot, error) {
	var (
		b        BuilderSlot
		busy     int
		buildID  sql.NullInt64
		finish   sql.NullString
	)
	if err := row.Scan(&b.EmulatorID, &b.Slot, &busy, &buildID, &finish); err != nil {
		return nil, err
	}
	b.IsBusy = busy != 0
	if buildID.Valid {
		v := buildID.Int64
		b.BuildingID = &v
	}
	b.FinishTime = nullTime(finish)
	return &b, nil
}

// Builders returns all builder slots of an emulator after lazy completion.
func (s *Store) Builders(emulatorID int) ([]*BuilderSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return nil, err
	}
	return s.buildersLocked(emulatorID)
}

func (s *Store) buildersLocked(emulatorID int) ([]*BuilderSlot, error) {
	rows, err := s.db.Query(
		`SELECT emulator_id, builder_slot, is_busy, building_id, finish_time
		 FROM builders WHERE emulator_id = ? ORDER BY builder_slot`,
		emulatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query builders: %w", err)
	}
	defer rows.Close()

	var out []*BuilderSlot
	for rows.Next() {
		b, err := scanBuilder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FreeBuilder applies lazy completion (releasing every expired busy slot and
// promoting its building) and then returns the lowest-numbered idle slot.
// Returns ErrNoFreeBuilder when all slots remain busy.
func (s *Store) FreeBuilder(emulatorID int) (*BuilderSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT emulator_id, builder_slot, is_busy, building_id, finish_time
		 FROM builders WHERE emulator_id = ? AND is_busy = 0
		 ORDER BY builder_slot LIMIT 1`,
		emulatorID)
	b, err := scanBuilder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoFreeBuilder
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// BusyBuilderCount returns how many builder slots are currently busy, after
// lazy completion.
func (s *Store) BusyBuilderCount(emulatorID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM builders WHERE emulator_id = ? AND is_busy = 1",
		emulatorID).Scan(&count)
	return count, err
}

// NearestBuilderFinish returns the earliest busy-builder finish time, or nil
// when no builder is busy. Lockless scheduler hint: expired timers are
// reported as-is (a past time reads as "overdue", which is the right
// scheduling signal).
func (s *Store) NearestBuilderFinish(emulatorID int) (*time.Time, error) {
	var finish sql.NullString
	err := s.db.QueryRow(
		`SELECT MIN(finish_time) FROM builders
		 WHERE emulator_id = ? AND is_busy = 1 AND finish_time IS NOT NULL`,
		emulatorID).Scan(&finish)
	if err != nil {
		return nil, err
	}
	return nullTime(finish), nil
}

// AllBuilderFinishTimes returns the finish times of all busy builders,
// ascending. Lockless scheduler hint.
func (s *Store) AllBuilderFinishTimes(emulatorID int) ([]time.Time, error) {
	rows, err := s.db.Query(
		`SELECT finish_time FROM builders
		 WHERE emulator_id = ? AND is_busy = 1 AND finish_time IS NOT NULL`,
		emulatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var finish sql.NullString
		if err := rows.Scan(&finish); err != nil {
			return nil, err
		}
		if t := nullTime(finish); t != nil {
			out = append(out, *t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// StartUpgrade atomically marks a building as upgrading, occupies the given
// builder slot and sets both timers. The building must be idle and the slot
// free, revalidated inside the transaction.
func (s *Store) StartUpgrade(buildingID int64, builderSlot int, finish time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		emulatorID int
		current    int
		status     string
	)
	err = tx.QueryRow(
		"SELECT emulator_id, current_level, status FROM buildings WHERE id = ?",
		buildingID).Scan(&emulatorID, &current, &status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != StatusIdle {
		return fmt.Errorf("building %d is %s, not idle", buildingID, status)
	}

	var busy int
	err = tx.QueryRow(
		"SELECT is_busy FROM builders WHERE emulator_id = ? AND builder_slot = ?",
		emulatorID, builderSlot).Scan(&busy)
	if err == sql.ErrNoRows {
		return fmt.Errorf("builder slot %d does not exist on emulator %d", builderSlot, emulatorID)
	}
	if err != nil {
		return err
	}
	if busy != 0 {
		return fmt.Errorf("builder slot %d on emulator %d is busy", builderSlot, emulatorID)
	}

	finishStr := fmtTime(finish)
	if _, err := tx.Exec(
		`UPDATE buildings SET status = ?, upgrading_to_level = ?, timer_finish = ?, last_updated = ?
		 WHERE id = ?`,
		StatusUpgrading, current+1, finishStr, fmtTime(s.now()), buildingID); err != nil {
		return fmt.Errorf("failed to mark building upgrading: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE builders SET is_busy = 1, building_id = ?, finish_time = ?
		 WHERE emulator_id = ? AND builder_slot = ?`,
		buildingID, finishStr, emulatorID, builderSlot); err != nil {
		return fmt.Errorf("failed to occupy builder: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logging.Store("upgrade started: emulator=%d building=%d -> level %d, builder=%d, finish=%s",
		emulatorID, buildingID, current+1, builderSlot, finishStr)
	return nil
}

// StartConstruction atomically records the placement of a new building. For
// a synthetic candidate (ID 0) the record is inserted first. Construction
// runs as an upgrade to level 1.
func (s *Store) StartConstruction(rec *BuildingRecord, builderSlot int, finish time.Time) error {
	if rec.ID == 0 {
		s.mu.Lock()
		res, err := s.db.Exec(
			`INSERT INTO buildings (emulator_id, name, building_index, building_type,
			 current_level, target_level, status, action, last_updated)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			rec.EmulatorID, rec.Name, rec.Index, string(rec.Type),
			rec.TargetLevel, StatusIdle, string(config.ActionBuild), fmtTime(s.now()))
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to insert building record: %w", err)
		}
		id, err := res.LastInsertId()
		s.mu.Unlock()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	return s.StartUpgrade(rec.ID, builderSlot, finish)
}
