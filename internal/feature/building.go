package feature

import (
	"context"
	"errors"
	"fmt"
	"time"

	"emufleet/internal/config"
	"emufleet/internal/freeze"
	"emufleet/internal/logging"
	"emufleet/internal/store"
)

// Building keeps every emulator's construction queue saturated: it starts
// upgrades and constructions on free builder slots following the lord-level
// plan, and performs the first-run scan that seeds real levels into the
// store.
type Building struct {
	store   *store.Store
	freezes *freeze.Registry
	horizon func(feature string) time.Duration
	now     func() time.Time
}

func NewBuilding(st *store.Store, fr *freeze.Registry, horizon func(string) time.Duration) *Building {
	return &Building{store: st, freezes: fr, horizon: horizon, now: time.Now}
}

// SetClock overrides the time source for tests.
func (b *Building) SetClock(now func() time.Time) { b.now = now }

func (b *Building) Name() string { return "building" }

func (b *Building) NextEventTime(emulatorID int) (*time.Time, error) {
	has, err := b.store.HasRecords(emulatorID)
	if err != nil {
		return nil, err
	}
	if !has {
		t := EpochMin
		return &t, nil
	}

	finishes, err := b.store.AllBuilderFinishTimes(emulatorID)
	if err != nil {
		return nil, err
	}
	candidate, err := b.store.NextBuildingToUpgrade(emulatorID)
	if err != nil {
		return nil, err
	}
	if candidate == nil && len(finishes) == 0 {
		return nil, nil
	}

	if until, frozen := b.freezes.UnfreezeAt(emulatorID, b.Name()); frozen {
		return &until, nil
	}

	if candidate != nil {
		busy, err := b.store.BusyBuilderCount(emulatorID)
		if err != nil {
			return nil, err
		}
		slots, err := b.store.Builders(emulatorID)
		if err != nil {
			return nil, err
		}
		if busy < len(slots) {
			t := b.now()
			return &t, nil
		}
	}
	// All builders occupied (or nothing startable yet): next look is when
	// the earliest timer lands.
	t := finishes[0]
	return &t, nil
}

func (b *Building) CanExecute(_ context.Context, sess *Session) (bool, error) {
	if b.freezes.IsFrozen(sess.EmulatorID, b.Name()) {
		return false, nil
	}
	return sess.Drivers.Building != nil, nil
}

func (b *Building) Run(ctx context.Context, sess *Session) Outcome {
	emu := sess.EmulatorID
	driver := sess.Drivers.Building

	state, err := b.store.GetInitState(emu, b.Name())
	if err != nil {
		return Outcome{Result: ResultFailed, Err: err}
	}
	if !state.InitialScanComplete {
		if err := b.initialScan(ctx, sess); err != nil {
			return Outcome{Result: ResultFailed, Err: fmt.Errorf("initial scan: %w", err)}
		}
		return Outcome{Result: ResultOK}
	}

	scanned := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{Result: ResultFailed, Err: err}
		}

		slot, err := b.store.FreeBuilder(emu)
		if errors.Is(err, store.ErrNoFreeBuilder) {
			return Outcome{Result: ResultOK}
		}
		if err != nil {
			return Outcome{Result: ResultFailed, Err: err}
		}

		candidate, err := b.store.NextBuildingToUpgrade(emu)
		if err != nil {
			return Outcome{Result: ResultFailed, Err: err}
		}
		if candidate == nil {
			return Outcome{Result: ResultOK}
		}

		// An unscanned level-0 record needs its real level read before
		// any upgrade decision.
		if candidate.CurrentLevel == 0 && candidate.Action == config.ActionUpgrade && !scanned[candidate.Name] {
			scanned[candidate.Name] = true
			level, err := driver.ScanLevel(ctx, candidate.Name, candidate.Index)
			if err != nil {
				return Outcome{Result: ResultFailed, Err: fmt.Errorf("scan %s: %w", candidate.Name, err)}
			}
			if err := b.store.SetBuildingLevel(candidate.ID, level); err != nil {
				return Outcome{Result: ResultFailed, Err: err}
			}
			continue
		}

		var d time.Duration
		if candidate.Action == config.ActionBuild {
			d, err = driver.Construct(ctx, candidate.Name)
		} else {
			d, err = driver.Upgrade(ctx, candidate.Name, candidate.Index)
		}
		if errors.Is(err, ErrOutOfResources) {
			until := b.freezes.Freeze(emu, b.Name(), b.horizon(b.Name()), "out of resources")
			logging.Feature("building frozen on emulator %d until %s: out of resources", emu, until.Format(time.RFC3339))
			return Outcome{Result: ResultOK}
		}
		if err != nil {
			return Outcome{Result: ResultFailed, Err: err}
		}

		finish := b.now().Add(d)
		if candidate.Action == config.ActionBuild {
			err = b.store.StartConstruction(candidate, slot.Slot, finish)
		} else {
			err = b.store.StartUpgrade(candidate.ID, slot.Slot, finish)
		}
		if err != nil {
			return Outcome{Result: ResultFailed, Err: err}
		}
	}
}

// initialScan detects the builder count and reads every placed building's
// real level into the store. Construction-pending records are skipped: they
// do not exist in the city yet.
func (b *Building) initialScan(ctx context.Context, sess *Session) error {
	emu := sess.EmulatorID
	driver := sess.Drivers.Building

	total, err := driver.CountBuilders(ctx)
	if err != nil {
		return err
	}
	// A brand-new emulator has no rows at all yet; seed them from the plans
	// before scanning, otherwise there is nothing to scan and nothing the
	// selection queries can ever return.
	if err := b.store.InitializeRecords(emu, total); err != nil {
		return err
	}
	if err := b.store.EnsureBuilderSlots(emu, total); err != nil {
		return err
	}

	records, err := b.store.Buildings(emu)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Action == config.ActionBuild && rec.CurrentLevel == 0 {
			continue
		}
		level, err := driver.ScanLevel(ctx, rec.Name, rec.Index)
		if err != nil {
			return fmt.Errorf("scan %s[%d]: %w", rec.Name, rec.Index, err)
		}
		if err := b.store.SetBuildingLevel(rec.ID, level); err != nil {
			return err
		}
	}

	logging.Feature("initial building scan done on emulator %d: %d records, %d builders", emu, len(records), total)
	return b.store.SetInitState(emu, b.Name(), true, true)
}
