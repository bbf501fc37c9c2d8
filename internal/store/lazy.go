package store

import (
	"database/sql"
	"fmt"

	"emufleet/internal/config"
	"emufleet/internal/logging"
)

// completeExpiredLocked applies lazy completion for one emulator: expired
// busy builders are released and their buildings promoted, orphaned expired
// building timers are promoted, the expired research slot frees and bumps
// its tech, and every multiple building touched gets re-indexed. Every
// locked read path runs this first so selection never sees a stale
// status=upgrading row.
func (s *Store) completeExpiredLocked(emulatorID int) error {
	now := fmtTime(s.now())
	touched := make(map[string]bool)

	// Expired busy builders: release the slot, promote the building.
	rows, err := s.db.Query(
		`SELECT builder_slot, building_id, finish_time FROM builders
		 WHERE emulator_id = ? AND is_busy = 1 AND finish_time IS NOT NULL AND finish_time <= ?`,
		emulatorID, now)
	if err != nil {
		return fmt.Errorf("failed to query expired builders: %w", err)
	}
	type expiredBuilder struct {
		slot       int
		buildingID sql.NullInt64
		finish     string
	}
	var expired []expiredBuilder
	for rows.Next() {
		var e expiredBuilder
		if err := rows.Scan(&e.slot, &e.buildingID, &e.finish); err != nil {
			rows.Close()
			return err
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range expired {
		if e.buildingID.Valid {
			name, err := s.promoteBuildingLocked(e.buildingID.Int64, e.finish)
			if err != nil {
				logging.Get(logging.CategoryStore).Warn(
					"failed to promote building %d on emulator %d: %v",
					e.buildingID.Int64, emulatorID, err)
			} else if name != "" {
				touched[name] = true
			}
		}
		if _, err := s.db.Exec(
			`UPDATE builders SET is_busy = 0, building_id = NULL, finish_time = NULL
			 WHERE emulator_id = ? AND builder_slot = ?`,
			emulatorID, e.slot); err != nil {
			return fmt.Errorf("failed to release builder %d: %w", e.slot, err)
		}
		logging.StoreDebug("builder %d released on emulator %d (finished %s)", e.slot, emulatorID, e.finish)
	}

	// Orphaned expired building timers (builder row lost or never linked).
	bRows, err := s.db.Query(
		`SELECT id, timer_finish FROM buildings
		 WHERE emulator_id = ? AND status = ? AND timer_finish IS NOT NULL AND timer_finish <= ?`,
		emulatorID, StatusUpgrading, now)
	if err != nil {
		return fmt.Errorf("failed to query expired buildings: %w", err)
	}
	type expiredBuilding struct {
		id     int64
		finish string
	}
	var expiredBuildings []expiredBuilding
	for bRows.Next() {
		var e expiredBuilding
		if err := bRows.Scan(&e.id, &e.finish); err != nil {
			bRows.Close()
			return err
		}
		expiredBuildings = append(expiredBuildings, e)
	}
	bRows.Close()
	if err := bRows.Err(); err != nil {
		return err
	}
	for _, e := range expiredBuildings {
		name, err := s.promoteBuildingLocked(e.id, e.finish)
		if err != nil {
			return err
		}
		if name != "" {
			touched[name] = true
		}
	}

	for name := range touched {
		var count int
		if err := s.db.QueryRow(
			"SELECT COUNT(*) FROM buildings WHERE emulator_id = ? AND name = ?",
			emulatorID, name).Scan(&count); err == nil && count > 1 {
			if err := s.reindexBuildingLocked(emulatorID, name); err != nil {
				return err
			}
		}
	}

	return s.completeExpiredResearchLocked(emulatorID, now)
}

// promoteBuildingLocked finishes an upgrade: level becomes upgrading_to,
// status returns to idle, the timer clears, and a completed construction
// flips to upgrade for future plan walks. last_updated is set to the timer
// finish so re-index tie-breaks reflect completion order. Returns the
// building name for re-index bookkeeping, or "" when nothing changed.
func (s *Store) promoteBuildingLocked(id int64, finishedAt string) (string, error) {
	var (
		name   string
		status string
		upTo   sql.NullInt64
	)
	err := s.db.QueryRow(
		"SELECT name, status, upgrading_to_level FROM buildings WHERE id = ?", id,
	).Scan(&name, &status, &upTo)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if status != StatusUpgrading || !upTo.Valid {
		return "", nil
	}

	_, err = s.db.Exec(
		`UPDATE buildings SET current_level = ?, upgrading_to_level = NULL,
		 status = ?, action = ?, timer_finish = NULL, last_updated = ?
		 WHERE id = ?`,
		upTo.Int64, StatusIdle, string(config.ActionUpgrade), finishedAt, id)
	if err != nil {
		return "", fmt.Errorf("failed to promote building %d: %w", id, err)
	}
	logging.StoreDebug("building %d (%s) promoted to level %d", id, name, upTo.Int64)
	return name, nil
}

// completeExpiredResearchLocked promotes a finished research and frees the
// single research slot.
func (s *Store) completeExpiredResearchLocked(emulatorID int, now string) error {
	var (
		techID sql.NullInt64
		finish sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT tech_id, finish_time FROM evolution_slot
		 WHERE emulator_id = ? AND is_busy = 1 AND finish_time IS NOT NULL AND finish_time <= ?`,
		emulatorID, now).Scan(&techID, &finish)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if techID.Valid {
		if err := s.promoteTechLocked(techID.Int64); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(
		`UPDATE evolution_slot SET is_busy = 0, tech_id = NULL, finish_time = NULL
		 WHERE emulator_id = ?`, emulatorID)
	if err != nil {
		return fmt.Errorf("failed to free research slot: %w", err)
	}
	logging.StoreDebug("research slot freed on emulator %d", emulatorID)
	return nil
}

// promoteTechLocked bumps a researching tech by one level; techs at max
// level flip to completed.
func (s *Store) promoteTechLocked(id int64) error {
	var (
		current  int
		maxLevel int
		status   string
	)
	err := s.db.QueryRow(
		"SELECT current_level, max_level, status FROM evolutions WHERE id = ?", id,
	).Scan(&current, &maxLevel, &status)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if status != StatusResearching {
		return nil
	}

	newLevel := current + 1
	newStatus := StatusIdle
	if maxLevel > 0 && newLevel >= maxLevel {
		newStatus = StatusCompleted
	}
	_, err = s.db.Exec(
		"UPDATE evolutions SET current_level = ?, status = ?, timer_finish = NULL WHERE id = ?",
		newLevel, newStatus, id)
	if err != nil {
		return fmt.Errorf("failed to promote tech %d: %w", id, err)
	}
	logging.StoreDebug("tech %d promoted to level %d (%s)", id, newLevel, newStatus)
	return nil
}
