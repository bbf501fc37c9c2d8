// Package feature defines the contract between game-routine modules and the
// scheduler/worker pair, plus the built-in modules: building, evolution,
// ponds and the squads stub.
//
// NextEventTime is a pure function of the store and the freeze registry and
// never touches a device. CanExecute and Run receive a live Session bound to
// a booted emulator.
package feature

import (
	"context"
	"errors"
	"time"
)

// Result classifies a feature run for the worker.
type Result int

const (
	// ResultOK covers success and self-handled conditions, including a
	// self-imposed freeze already written to the registry.
	ResultOK Result = iota
	// ResultSkipped means the precondition was false at run time.
	ResultSkipped
	// ResultFailed asks the worker to freeze this feature.
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultSkipped:
		return "ok-skipped"
	case ResultFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the full report of one feature run.
type Outcome struct {
	Result Result
	Err    error
}

// ErrOutOfResources is returned by drivers when the game refuses an action
// for lack of resources. Features translate it into a self-imposed freeze.
var ErrOutOfResources = errors.New("feature: out of resources")

// EpochMin is the "needs emulator immediately, first-run initialisation
// pending" sentinel. The zero time sorts before any real event.
var EpochMin = time.Time{}

// IsEpochMin reports whether t is the first-run sentinel.
func IsEpochMin(t time.Time) bool { return t.IsZero() }

// Session binds a feature run to one booted emulator.
type Session struct {
	EmulatorID int
	Device     string
	Drivers    Drivers
}

// Drivers are the device-touching surfaces (vision, navigation, input)
// features run against. Implementations live outside this package; tests
// use fakes.
type Drivers struct {
	Building  BuildingDriver
	Evolution EvolutionDriver
	Ponds     PondsDriver
}

// BuildingDriver is the in-game building surface.
type BuildingDriver interface {
	// CountBuilders reads how many builder slots the account has (3 or 4).
	CountBuilders(ctx context.Context) (int, error)
	// ScanLevel reads the current level of a building instance off screen.
	ScanLevel(ctx context.Context, name string, index int) (int, error)
	// Upgrade starts an upgrade and returns the timer read from the screen.
	Upgrade(ctx context.Context, name string, index int) (time.Duration, error)
	// Construct places a new building and returns its build timer.
	Construct(ctx context.Context, name string) (time.Duration, error)
}

// EvolutionDriver is the in-game research surface.
type EvolutionDriver interface {
	// ScanSection reads current levels for every tech in a section.
	ScanSection(ctx context.Context, section string) (map[string]int, error)
	// Research starts a research and returns the timer read from the screen.
	Research(ctx context.Context, name, section string) (time.Duration, error)
}

// PondsDriver is the in-game resource-refill surface.
type PondsDriver interface {
	// Refill performs a refill and returns the observed resource level.
	Refill(ctx context.Context) (int, error)
}

// Feature is the module contract.
type Feature interface {
	Name() string
	// NextEventTime returns nil for "nothing to do", EpochMin for
	// "first-run initialisation pending", otherwise the next service time.
	// A frozen feature with pending work reports its unfreeze time.
	NextEventTime(emulatorID int) (*time.Time, error)
	CanExecute(ctx context.Context, sess *Session) (bool, error)
	Run(ctx context.Context, sess *Session) Outcome
}

// executionOrder is the fixed worker-side ordering: short, cheap features
// first, core gameplay last.
var executionOrder = []string{"ponds", "squads", "building", "evolution"}

// Order filters and sorts features by the fixed execution order intersected
// with the enabled set. Unknown names keep their relative position at the
// end.
func Order(features []Feature, enabled map[string]bool) []Feature {
	rank := make(map[string]int, len(executionOrder))
	for i, name := range executionOrder {
		rank[name] = i
	}

	var out []Feature
	for _, pos := range executionOrder {
		for _, f := range features {
			if f.Name() == pos && enabled[f.Name()] {
				out = append(out, f)
			}
		}
	}
	for _, f := range features {
		if _, known := rank[f.Name()]; !known && enabled[f.Name()] {
			out = append(out, f)
		}
	}
	return out
}
