package feature

import (
	"context"
	"errors"
	"time"

	"emufleet/internal/freeze"
	"emufleet/internal/logging"
	"emufleet/internal/store"
)

// Pond refill rhythm: after minInterval a refill may ride along with any
// visit, after maxInterval the refill alone justifies a visit. Higher pond
// levels hold more and stretch both bounds.
const (
	pondBaseMinInterval = 4 * time.Hour
	pondBaseMaxInterval = 8 * time.Hour
)

// Ponds periodically refills the resource ponds.
type Ponds struct {
	store   *store.Store
	freezes *freeze.Registry
	horizon func(feature string) time.Duration
	now     func() time.Time
}

func NewPonds(st *store.Store, fr *freeze.Registry, horizon func(string) time.Duration) *Ponds {
	return &Ponds{store: st, freezes: fr, horizon: horizon, now: time.Now}
}

func (p *Ponds) SetClock(now func() time.Time) { p.now = now }

func (p *Ponds) Name() string { return "ponds" }

func pondIntervals(resourceLevel int) (min, max time.Duration) {
	scale := time.Duration(resourceLevel) * 30 * time.Minute
	return pondBaseMinInterval + scale, pondBaseMaxInterval + 2*scale
}

func (p *Ponds) NextEventTime(emulatorID int) (*time.Time, error) {
	has, err := p.store.HasRecords(emulatorID)
	if err != nil {
		return nil, err
	}
	if !has {
		t := EpochMin
		return &t, nil
	}

	rec, err := p.store.Refill(emulatorID)
	if err != nil {
		return nil, err
	}

	if until, frozen := p.freezes.UnfreezeAt(emulatorID, p.Name()); frozen {
		return &until, nil
	}

	if rec.LastRefill == nil {
		t := p.now()
		return &t, nil
	}
	_, max := pondIntervals(rec.ResourceLevel)
	t := rec.LastRefill.Add(max)
	return &t, nil
}

// CanExecute permits a refill once the minimum interval has passed, so a
// visit triggered by another feature can top the ponds up early.
func (p *Ponds) CanExecute(_ context.Context, sess *Session) (bool, error) {
	if p.freezes.IsFrozen(sess.EmulatorID, p.Name()) {
		return false, nil
	}
	if sess.Drivers.Ponds == nil {
		return false, nil
	}
	rec, err := p.store.Refill(sess.EmulatorID)
	if err != nil {
		return false, err
	}
	if rec.LastRefill == nil {
		return true, nil
	}
	min, _ := pondIntervals(rec.ResourceLevel)
	return !p.now().Before(rec.LastRefill.Add(min)), nil
}

func (p *Ponds) Run(ctx context.Context, sess *Session) Outcome {
	emu := sess.EmulatorID

	level, err := sess.Drivers.Ponds.Refill(ctx)
	if errors.Is(err, ErrOutOfResources) {
		until := p.freezes.Freeze(emu, p.Name(), p.horizon(p.Name()), "nothing to refill with")
		logging.Feature("ponds frozen on emulator %d until %s", emu, until.Format(time.RFC3339))
		return Outcome{Result: ResultOK}
	}
	if err != nil {
		return Outcome{Result: ResultFailed, Err: err}
	}

	if err := p.store.SetRefilled(emu, level); err != nil {
		return Outcome{Result: ResultFailed, Err: err}
	}
	logging.Feature("ponds refilled on emulator %d, resource level %d", emu, level)
	return Outcome{Result: ResultOK}
}
