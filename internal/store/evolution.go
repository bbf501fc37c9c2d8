package store

import (
	"database/sql"
	"fmt"
	"time"

	"emufleet/internal/logging"
)

const techColumns = `id, emulator_id, name, section, lord_level, current_level,
	target_level, max_level, status, timer_finish, order_index, swipe_group, scanned`

func scanTech(row interface{ Scan(...interface{}) error }) (*TechRecord, error) {
	var (
		t       TechRecord
		timer   sql.NullString
		scanned int
	)
	err := row.Scan(&t.ID, &t.EmulatorID, &t.Name, &t.Section, &t.LordLevel,
		&t.CurrentLevel, &t.TargetLevel, &t.MaxLevel, &t.Status, &timer,
		&t.OrderIndex, &t.SwipeGroup, &scanned)
	if err != nil {
		return nil, err
	}
	t.TimerFinish = nullTime(timer)
	t.Scanned = scanned != 0
	return &t, nil
}

// Tech returns the record with the given id.
func (s *Store) Tech(id int64) (*TechRecord, error) {
	row := s.db.QueryRow("SELECT "+techColumns+" FROM evolutions WHERE id = ?", id)
	t, err := scanTech(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// Techs returns all evolution records of an emulator in priority order.
func (s *Store) Techs(emulatorID int) ([]*TechRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return nil, err
	}
	return s.techsLocked(emulatorID)
}

func (s *Store) techsLocked(emulatorID int) ([]*TechRecord, error) {
	rows, err := s.db.Query(
		"SELECT "+techColumns+" FROM evolutions WHERE emulator_id = ? ORDER BY order_index",
		emulatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evolutions: %w", err)
	}
	defer rows.Close()

	var out []*TechRecord
	for rows.Next() {
		t, err := scanTech(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextTechToResearch walks evolutions in order_index order and returns the
// first researchable one: lord level reached, not already researching,
// target not yet met. When the tech's section is deferred and nothing in the
// section has been leveled yet, the candidate is flagged for a section scan.
func (s *Store) NextTechToResearch(emulatorID int) (*TechCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return nil, err
	}

	lordLevel, err := s.lordLevelLocked(emulatorID)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	techs, err := s.techsLocked(emulatorID)
	if err != nil {
		return nil, err
	}

	deferred := map[string]bool{}
	if s.techPlan != nil {
		deferred = s.techPlan.DeferredSections()
	}

	for _, t := range techs {
		if t.LordLevel > lordLevel {
			continue
		}
		if t.Status == StatusResearching {
			continue
		}
		if t.CurrentLevel >= t.TargetLevel {
			continue
		}

		candidate := &TechCandidate{Record: t}
		if deferred[t.Section] {
			leveled, err := s.sectionHasProgressLocked(emulatorID, t.Section)
			if err != nil {
				return nil, err
			}
			candidate.NeedsSectionScan = !leveled
		}
		return candidate, nil
	}
	return nil, nil
}

func (s *Store) sectionHasProgressLocked(emulatorID int, section string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM evolutions WHERE emulator_id = ? AND section = ? AND current_level > 0",
		emulatorID, section).Scan(&count)
	return count > 0, err
}

// EnsureResearchSlot creates the single research slot row for an emulator.
func (s *Store) EnsureResearchSlot(emulatorID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO evolution_slot (emulator_id, is_busy) VALUES (?, 0)
		 ON CONFLICT(emulator_id) DO NOTHING`,
		emulatorID)
	return err
}

// ResearchSlotState returns the research slot after lazy completion.
func (s *Store) ResearchSlotState(emulatorID int) (*ResearchSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.completeExpiredLocked(emulatorID); err != nil {
		return nil, err
	}

	var (
		slot   ResearchSlot
		busy   int
		techID sql.NullInt64
		finish sql.NullString
	)
	err := s.db.QueryRow(
		"SELECT emulator_id, is_busy, tech_id, finish_time FROM evolution_slot WHERE emulator_id = ?",
		emulatorID).Scan(&slot.EmulatorID, &busy, &techID, &finish)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	slot.IsBusy = busy != 0
	if techID.Valid {
		v := techID.Int64
		slot.TechID = &v
	}
	slot.FinishTime = nullTime(finish)
	return &slot, nil
}

// ResearchFinish returns the research slot's finish time, or nil when idle.
// Lockless scheduler hint.
func (s *Store) ResearchFinish(emulatorID int) (*time.Time, error) {
	var finish sql.NullString
	err := s.db.QueryRow(
		"SELECT finish_time FROM evolution_slot WHERE emulator_id = ? AND is_busy = 1",
		emulatorID).Scan(&finish)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nullTime(finish), nil
}

// StartResearch atomically marks a tech as researching and occupies the
// research slot, revalidating both inside the transaction.
func (s *Store) StartResearch(techID int64, finish time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		emulatorID int
		status     string
	)
	err = tx.QueryRow(
		"SELECT emulator_id, status FROM evolutions WHERE id = ?", techID,
	).Scan(&emulatorID, &status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == StatusResearching {
		return fmt.Errorf("tech %d is already researching", techID)
	}

	var busy int
	err = tx.QueryRow(
		"SELECT is_busy FROM evolution_slot WHERE emulator_id = ?", emulatorID,
	).Scan(&busy)
	if err == sql.ErrNoRows {
		return fmt.Errorf("research slot missing on emulator %d", emulatorID)
	}
	if err != nil {
		return err
	}
	if busy != 0 {
		return fmt.Errorf("research slot on emulator %d is busy", emulatorID)
	}

	finishStr := fmtTime(finish)
	if _, err := tx.Exec(
		"UPDATE evolutions SET status = ?, timer_finish = ? WHERE id = ?",
		StatusResearching, finishStr, techID); err != nil {
		return fmt.Errorf("failed to mark tech researching: %w", err)
	}
	if _, err := tx.Exec(
		"UPDATE evolution_slot SET is_busy = 1, tech_id = ?, finish_time = ? WHERE emulator_id = ?",
		techID, finishStr, emulatorID); err != nil {
		return fmt.Errorf("failed to occupy research slot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logging.Store("research started: emulator=%d tech=%d finish=%s", emulatorID, techID, finishStr)
	return nil
}

// SetTechLevel records a scanned level for a tech.
func (s *Store) SetTechLevel(id int64, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := StatusIdle
	var maxLevel int
	if err := s.db.QueryRow("SELECT max_level FROM evolutions WHERE id = ?", id).Scan(&maxLevel); err == nil {
		if maxLevel > 0 && level >= maxLevel {
			status = StatusCompleted
		}
	}
	_, err := s.db.Exec(
		"UPDATE evolutions SET current_level = ?, status = ?, scanned = 1 WHERE id = ?",
		level, status, id)
	return err
}

// MarkSectionScanned flags every tech of a section as scanned. Called after
// a deferred section scan completes.
func (s *Store) MarkSectionScanned(emulatorID int, section string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"UPDATE evolutions SET scanned = 1 WHERE emulator_id = ? AND section = ?",
		emulatorID, section)
	if err == nil {
		logging.StoreDebug("section %q marked scanned on emulator %d", section, emulatorID)
	}
	return err
}
