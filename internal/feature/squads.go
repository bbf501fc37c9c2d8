package feature

import (
	"context"
	"time"

	"emufleet/internal/config"
)

// Squads is a registered stub: its per-emulator config is parsed and
// retained, but the wild-hunt routine itself is not implemented yet.
//
// TODO: drive squad dispatch from EmulatorOverrides.Squads once the
// navigation driver grows a march panel surface.
type Squads struct {
	settings map[int]config.EmulatorOverrides
}

func NewSquads(settings map[int]config.EmulatorOverrides) *Squads {
	return &Squads{settings: settings}
}

func (s *Squads) Name() string { return "squads" }

func (s *Squads) NextEventTime(int) (*time.Time, error) { return nil, nil }

func (s *Squads) CanExecute(context.Context, *Session) (bool, error) { return false, nil }

func (s *Squads) Run(context.Context, *Session) Outcome {
	return Outcome{Result: ResultSkipped}
}
