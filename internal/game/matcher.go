// Package game binds the abstract worker/feature surfaces to a concrete
// device: input goes through adb, perception goes through an external
// matcher tool (template matching and OCR live outside this process).
package game

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"emufleet/internal/emulator"
	"emufleet/internal/feature"
)

// Matcher is the perception/automation surface. The reference
// implementation shells out to a helper binary; tests use fakes.
type Matcher interface {
	// Probe reports whether a named marker is visible on screen.
	Probe(ctx context.Context, device, marker string) (bool, error)
	// ReadNumber reads a numeric value (builder count, building level).
	ReadNumber(ctx context.Context, device, field string, args ...string) (int, error)
	// ReadSection reads every visible tech level in a research section.
	ReadSection(ctx context.Context, device, section string) (map[string]int, error)
	// Act performs a scripted in-game action and returns the timer the
	// game displayed for it, when the action starts one.
	Act(ctx context.Context, device, action string, args ...string) (time.Duration, error)
}

// outOfResourcesOutput is the helper's verdict when the game refuses an
// action for lack of resources.
const outOfResourcesOutput = "out_of_resources"

// ErrActionRefused wraps any other refusal verdict from the helper.
var ErrActionRefused = errors.New("game: action refused")

// ExecMatcher runs the external matcher helper.
type ExecMatcher struct {
	path string
	run  emulator.Runner
}

func NewExecMatcher(path string, run emulator.Runner) *ExecMatcher {
	return &ExecMatcher{path: path, run: run}
}

func (m *ExecMatcher) Probe(ctx context.Context, device, marker string) (bool, error) {
	out, err := m.run.Output(ctx, m.path, "probe", "--device", device, "--marker", marker)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", marker, err)
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

func (m *ExecMatcher) ReadNumber(ctx context.Context, device, field string, args ...string) (int, error) {
	argv := append([]string{"read", "--device", device, "--field", field}, args...)
	out, err := m.run.Output(ctx, m.path, argv...)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", field, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("read %s returned %q: %w", field, out, err)
	}
	return n, nil
}

// ReadSection parses the helper's "name=level" lines for one section.
func (m *ExecMatcher) ReadSection(ctx context.Context, device, section string) (map[string]int, error) {
	out, err := m.run.Output(ctx, m.path, "read-section", "--device", device, "--section", section)
	if err != nil {
		return nil, fmt.Errorf("read-section %s: %w", section, err)
	}
	levels := make(map[string]int)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		levels[strings.TrimSpace(name)] = level
	}
	return levels, nil
}

func (m *ExecMatcher) Act(ctx context.Context, device, action string, args ...string) (time.Duration, error) {
	argv := append([]string{"act", "--device", device, "--action", action}, args...)
	out, err := m.run.Output(ctx, m.path, argv...)
	if err != nil {
		return 0, fmt.Errorf("act %s: %w", action, err)
	}
	verdict := strings.TrimSpace(string(out))
	if verdict == outOfResourcesOutput {
		return 0, fmt.Errorf("act %s: %w", action, feature.ErrOutOfResources)
	}
	if strings.HasPrefix(verdict, "refused") {
		return 0, fmt.Errorf("act %s: %w: %s", action, ErrActionRefused, verdict)
	}
	seconds, err := strconv.Atoi(verdict)
	if err != nil {
		return 0, fmt.Errorf("act %s returned %q: %w", action, verdict, err)
	}
	return time.Duration(seconds) * time.Second, nil
}
