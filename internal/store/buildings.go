package store

import (
	"database/sql"
	"fmt"

	"emufleet/internal/config"
	"emufleet/internal/logging"
)

const buildingColumns = `id, emulator_id, name, building_index, building_type,
	current_level, upgrading_to_level, target_level, status, action,
	timer_finish, last_updated`

func scanBuilding(row interface{ Scan(...interface{}) error }) (*BuildingRecord, error) {
	var (
		b         BuildingRecord
		upTo      sql.NullInt64
		timer     sql.NullString
		updated   string
		bType     string
		action    string
	)
	err := row.Scan(&b.ID, &b.EmulatorID, &b.Name, &b.Index, &bType,
		&b.CurrentLevel, &upTo, &b.TargetLevel, &b.Status, &action,
		&timer, &updated)
	if err != nil {
		return nil, err
	}
	b.Type = config.BuildingType(bType)
	b.Action = config.BuildAction(action)
	if upTo.Valid {
		v := int(upTo.Int64)
		b.UpgradingToLevel = &v
	}
	b.TimerFinish = nullTime(sql.NullString{String: timer.String, Valid: timer.Valid})
	if t, err := parseStoreTime(updated); err == nil {
		b.LastUpdated = t
	}
	return &b, nil
}

// Building returns the record with the given id. Locked read with lazy
// completion applied first, so a landed timer is promoted before the row is
// returned.
func (s *Store) Building(id int64) (*BuildingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var emulatorID int
	err := s.db.QueryRow("SELECT emulator_id FROM buildings WHERE id = ?", id).Scan(&emulatorID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return nil, err
	}

	row := s.db.QueryRow("SELECT "+buildingColumns+" FROM buildings WHERE id = ?", id)
	b, err := scanBuilding(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

// Buildings returns all building records of an emulator, ordered by name and
// index. Locked read with lazy completion applied first.
func (s *Store) Buildings(emulatorID int) ([]*BuildingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return nil, err
	}
	return s.buildingsLocked(emulatorID)
}

func (s *Store) buildingsLocked(emulatorID int) ([]*BuildingRecord, error) {
	rows, err := s.db.Query(
		"SELECT "+buildingColumns+" FROM buildings WHERE emulator_id = ? ORDER BY name, building_index",
		emulatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query buildings: %w", err)
	}
	defer rows.Close()

	var out []*BuildingRecord
	for rows.Next() {
		b, err := scanBuilding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) instancesLocked(emulatorID int, name string) ([]*BuildingRecord, error) {
	rows, err := s.db.Query(
		"SELECT "+buildingColumns+" FROM buildings WHERE emulator_id = ? AND name = ? ORDER BY building_index",
		emulatorID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query building instances: %w", err)
	}
	defer rows.Close()

	var out []*BuildingRecord
	for rows.Next() {
		b, err := scanBuilding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SetBuildingLevel updates the stored level of a building after a scan.
func (s *Store) SetBuildingLevel(id int64, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"UPDATE buildings SET current_level = ?, last_updated = ? WHERE id = ?",
		level, fmtTime(s.now()), id)
	return err
}

// LordLevel returns the emulator's current lord level, derived from the lord
// building record. Lazy completion applies first, so a finished lord upgrade
// is observed immediately.
func (s *Store) LordLevel(emulatorID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return 0, err
	}
	return s.lordLevelLocked(emulatorID)
}

func (s *Store) lordLevelLocked(emulatorID int) (int, error) {
	var level int
	err := s.db.QueryRow(
		"SELECT current_level FROM buildings WHERE emulator_id = ? AND name = ?",
		emulatorID, LordBuildingName).Scan(&level)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return level, nil
}

// NextBuildingToUpgrade walks the plan for the emulator's current lord level
// in declared order and returns the first eligible candidate, or nil when
// nothing is eligible.
//
// Selection rules per entry:
//   - the lord entry is skipped (not blocking) while any other entry of the
//     level has not reached its target;
//   - multiple/count>1 grows all copies breadth-first: pending construction
//     first, then the lowest-level non-upgrading copy under the caps;
//   - multiple/count=1 concentrates on one copy: the whole entry is skipped
//     as soon as any copy is upgrading or already at target;
//   - unique applies the plain gates, with a synthetic build candidate when
//     the record does not exist yet.
func (s *Store) NextBuildingToUpgrade(emulatorID int) (*BuildingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return nil, err
	}

	lordLevel, err := s.lordLevelLocked(emulatorID)
	if err == ErrNotFound {
		logging.StoreDebug("emulator %d has no lord record yet", emulatorID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := s.buildPlan.Entries(lordLevel)
	for _, entry := range entries {
		if entry.Name == LordBuildingName {
			ok, err := s.lordPrerequisitesMetLocked(emulatorID, lordLevel, entries)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue // Other entries may still proceed.
			}
		}

		candidate, err := s.candidateForEntryLocked(emulatorID, entry, lordLevel)
		if err != nil {
			return nil, err
		}
		if candidate != nil {
			return candidate, nil
		}
	}
	return nil, nil
}

// lordPrerequisitesMetLocked reports whether every non-lord entry of the
// current level has reached its target.
func (s *Store) lordPrerequisitesMetLocked(emulatorID, lordLevel int, entries []config.PlanEntry) (bool, error) {
	for _, entry := range entries {
		if entry.Name == LordBuildingName {
			continue
		}
		ok, err := s.entrySatisfiedLocked(emulatorID, entry)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// entrySatisfiedLocked reports whether a plan entry has reached its target:
// unique and count=1 entries need one copy at target, count>1 entries need
// all copies at target.
func (s *Store) entrySatisfiedLocked(emulatorID int, entry config.PlanEntry) (bool, error) {
	instances, err := s.instancesLocked(emulatorID, entry.Name)
	if err != nil {
		return false, err
	}
	if len(instances) == 0 {
		return false, nil
	}

	if entry.Type == config.BuildingMultiple && entry.Count > 1 {
		satisfied := 0
		for _, inst := range instances {
			if inst.CurrentLevel >= entry.TargetLevel {
				satisfied++
			}
		}
		return satisfied >= entry.Count, nil
	}

	for _, inst := range instances {
		if inst.CurrentLevel >= entry.TargetLevel {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) candidateForEntryLocked(emulatorID int, entry config.PlanEntry, lordLevel int) (*BuildingRecord, error) {
	instances, err := s.instancesLocked(emulatorID, entry.Name)
	if err != nil {
		return nil, err
	}

	switch {
	case entry.Type == config.BuildingMultiple && entry.Count > 1:
		return s.pickMultipleGrowAll(instances, entry, lordLevel), nil

	case entry.Type == config.BuildingMultiple && entry.Count == 1:
		return s.pickMultipleGrowOne(instances, entry, lordLevel), nil

	default: // unique
		return s.pickUnique(instances, entry, lordLevel, emulatorID), nil
	}
}

// pickMultipleGrowAll handles count>1: every copy grows toward the target.
func (s *Store) pickMultipleGrowAll(instances []*BuildingRecord, entry config.PlanEntry, lordLevel int) *BuildingRecord {
	// Construction trumps upgrade within the entry.
	for _, inst := range instances {
		if inst.Index > entry.Count {
			break
		}
		if inst.Action == config.ActionBuild && inst.CurrentLevel == 0 && !inst.Upgrading() {
			return inst
		}
	}

	var best *BuildingRecord
	for _, inst := range instances {
		if inst.Index > entry.Count {
			break
		}
		if inst.Upgrading() || inst.CurrentLevel >= entry.TargetLevel {
			continue
		}
		if inst.CurrentLevel+1 > lordLevel {
			continue
		}
		if inst.Action == config.ActionBuild && inst.CurrentLevel == 0 {
			continue // Handled above; unreachable but kept for clarity.
		}
		if best == nil || inst.CurrentLevel < best.CurrentLevel {
			best = inst // Ties resolved by index because instances are index-ordered.
		}
	}
	return best
}

// pickMultipleGrowOne handles count=1 over several identical copies: levels
// concentrate on a single copy. If any copy is upgrading or already at
// target the entry is done for now; no other copy gets touched.
func (s *Store) pickMultipleGrowOne(instances []*BuildingRecord, entry config.PlanEntry, lordLevel int) *BuildingRecord {
	for _, inst := range instances {
		if inst.Upgrading() || inst.CurrentLevel >= entry.TargetLevel {
			return nil
		}
	}

	var best *BuildingRecord
	for _, inst := range instances {
		if inst.Action == config.ActionBuild && inst.CurrentLevel == 0 {
			continue // Not physically placed; growing-one never builds new copies.
		}
		if inst.CurrentLevel+1 > lordLevel {
			continue
		}
		if best == nil || inst.CurrentLevel > best.CurrentLevel {
			best = inst
		}
	}
	return best
}

// pickUnique handles one-of-a-kind buildings.
func (s *Store) pickUnique(instances []*BuildingRecord, entry config.PlanEntry, lordLevel int, emulatorID int) *BuildingRecord {
	if len(instances) == 0 {
		if entry.Action == config.ActionBuild && lordLevel >= 1 {
			// Synthetic candidate: the building does not exist yet and the
			// plan wants it placed. ID 0 marks it unsaved.
			return &BuildingRecord{
				EmulatorID:  emulatorID,
				Name:        entry.Name,
				Index:       1,
				Type:        config.BuildingUnique,
				Action:      config.ActionBuild,
				TargetLevel: entry.TargetLevel,
			}
		}
		return nil
	}

	inst := instances[0]
	if inst.Upgrading() || inst.CurrentLevel >= entry.TargetLevel {
		return nil
	}
	// Buildings can not exceed the lord level; the lord itself is exempt or
	// it could never level up.
	if inst.Name != LordBuildingName && inst.CurrentLevel+1 > lordLevel {
		return nil
	}
	return inst
}

// reindexBuildingLocked renumbers all copies of a multiple building to match
// the in-game sort: ascending level, older first on ties. Two passes through
// temporary negative indices avoid tripping the uniqueness constraint.
func (s *Store) reindexBuildingLocked(emulatorID int, name string) error {
	rows, err := s.db.Query(
		`SELECT id FROM buildings
		 WHERE emulator_id = ? AND name = ?
		 ORDER BY current_level ASC, last_updated ASC, building_index ASC`,
		emulatorID, name)
	if err != nil {
		return fmt.Errorf("failed to query for reindex: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) < 2 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, id := range ids {
		if _, err := tx.Exec("UPDATE buildings SET building_index = ? WHERE id = ?", -(i + 1), id); err != nil {
			return fmt.Errorf("reindex phase 1 failed: %w", err)
		}
	}
	for i, id := range ids {
		if _, err := tx.Exec("UPDATE buildings SET building_index = ? WHERE id = ?", i+1, id); err != nil {
			return fmt.Errorf("reindex phase 2 failed: %w", err)
		}
	}
	return tx.Commit()
}

// ReindexBuilding is the exported wrapper used after scans change levels.
func (s *Store) ReindexBuilding(emulatorID int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reindexBuildingLocked(emulatorID, name)
}
