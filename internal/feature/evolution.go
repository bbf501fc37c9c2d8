package feature

import (
	"context"
	"errors"
	"fmt"
	"time"

	"emufleet/internal/freeze"
	"emufleet/internal/logging"
	"emufleet/internal/store"
)

// Evolution keeps the single research slot busy, walking the tech plan in
// priority order and scanning deferred sections on first contact.
type Evolution struct {
	store   *store.Store
	freezes *freeze.Registry
	horizon func(feature string) time.Duration
	now     func() time.Time
}

func NewEvolution(st *store.Store, fr *freeze.Registry, horizon func(string) time.Duration) *Evolution {
	return &Evolution{store: st, freezes: fr, horizon: horizon, now: time.Now}
}

func (e *Evolution) SetClock(now func() time.Time) { e.now = now }

func (e *Evolution) Name() string { return "evolution" }

func (e *Evolution) NextEventTime(emulatorID int) (*time.Time, error) {
	has, err := e.store.HasRecords(emulatorID)
	if err != nil {
		return nil, err
	}
	if !has {
		t := EpochMin
		return &t, nil
	}

	finish, err := e.store.ResearchFinish(emulatorID)
	if err != nil {
		return nil, err
	}
	candidate, err := e.store.NextTechToResearch(emulatorID)
	if err != nil {
		return nil, err
	}
	if candidate == nil && finish == nil {
		return nil, nil
	}

	if until, frozen := e.freezes.UnfreezeAt(emulatorID, e.Name()); frozen {
		return &until, nil
	}

	if finish != nil {
		return finish, nil
	}
	t := e.now()
	return &t, nil
}

func (e *Evolution) CanExecute(_ context.Context, sess *Session) (bool, error) {
	if e.freezes.IsFrozen(sess.EmulatorID, e.Name()) {
		return false, nil
	}
	if sess.Drivers.Evolution == nil {
		return false, nil
	}
	slot, err := e.store.ResearchSlotState(sess.EmulatorID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !slot.IsBusy, nil
}

func (e *Evolution) Run(ctx context.Context, sess *Session) Outcome {
	emu := sess.EmulatorID
	driver := sess.Drivers.Evolution

	candidate, err := e.store.NextTechToResearch(emu)
	if err != nil {
		return Outcome{Result: ResultFailed, Err: err}
	}
	if candidate == nil {
		return Outcome{Result: ResultOK}
	}

	if candidate.NeedsSectionScan {
		if err := e.scanSection(ctx, sess, candidate.Record.Section); err != nil {
			return Outcome{Result: ResultFailed, Err: err}
		}
		// Scanned levels may have satisfied the candidate; re-select.
		candidate, err = e.store.NextTechToResearch(emu)
		if err != nil {
			return Outcome{Result: ResultFailed, Err: err}
		}
		if candidate == nil {
			return Outcome{Result: ResultOK}
		}
	}

	rec := candidate.Record
	d, err := driver.Research(ctx, rec.Name, rec.Section)
	if errors.Is(err, ErrOutOfResources) {
		until := e.freezes.Freeze(emu, e.Name(), e.horizon(e.Name()), "out of resources")
		logging.Feature("evolution frozen on emulator %d until %s: out of resources", emu, until.Format(time.RFC3339))
		return Outcome{Result: ResultOK}
	}
	if err != nil {
		return Outcome{Result: ResultFailed, Err: fmt.Errorf("research %s: %w", rec.Name, err)}
	}

	if err := e.store.StartResearch(rec.ID, e.now().Add(d)); err != nil {
		return Outcome{Result: ResultFailed, Err: err}
	}
	return Outcome{Result: ResultOK}
}

// scanSection reads every tech level in a deferred section off screen and
// records them, marking the section scanned.
func (e *Evolution) scanSection(ctx context.Context, sess *Session, section string) error {
	emu := sess.EmulatorID
	levels, err := sess.Drivers.Evolution.ScanSection(ctx, section)
	if err != nil {
		return fmt.Errorf("scan section %s: %w", section, err)
	}

	techs, err := e.store.Techs(emu)
	if err != nil {
		return err
	}
	for _, t := range techs {
		if t.Section != section {
			continue
		}
		if level, ok := levels[t.Name]; ok {
			if err := e.store.SetTechLevel(t.ID, level); err != nil {
				return err
			}
		}
	}
	logging.Feature("section %q scanned on emulator %d: %d techs", section, emu, len(levels))
	return e.store.MarkSectionScanned(emu, section)
}
