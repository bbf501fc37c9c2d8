// Package recovery implements the UI reset protocol and the restart-request
// queue features fall back on when they lose orientation.
package recovery

import (
	"context"
	"fmt"
	"time"

	"emufleet/internal/logging"
)

// UI is the minimal surface the reset protocol needs from a live game
// session. The worker provides an implementation bound to its device.
type UI interface {
	// PressEsc sends one back-key press.
	PressEsc(ctx context.Context) error
	// ExitDialogVisible reports whether the "Exit the game?" dialog is on
	// screen. Seeing it proves the UI is at the main screen.
	ExitDialogVisible(ctx context.Context) (bool, error)
}

const (
	defaultMaxPresses = 10
	defaultPressGap   = 800 * time.Millisecond
)

// Resetter drives the clear-to-known-state loop.
type Resetter struct {
	MaxPresses int
	PressGap   time.Duration

	sleep func(time.Duration)
}

// NewResetter returns a Resetter with the default press cap and gap.
func NewResetter() *Resetter {
	return &Resetter{
		MaxPresses: defaultMaxPresses,
		PressGap:   defaultPressGap,
		sleep:      time.Sleep,
	}
}

// ResetToKnownState presses ESC until the exit dialog appears, then presses
// once more to dismiss it. Returns an error when the dialog never showed up
// within the press cap, meaning the UI is in an unknown state.
func (r *Resetter) ResetToKnownState(ctx context.Context, ui UI) error {
	sleep := r.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	for i := 0; i < r.MaxPresses; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ui.PressEsc(ctx); err != nil {
			return fmt.Errorf("esc press %d failed: %w", i+1, err)
		}
		sleep(r.PressGap)

		visible, err := ui.ExitDialogVisible(ctx)
		if err != nil {
			return fmt.Errorf("exit dialog check failed: %w", err)
		}
		if visible {
			if err := ui.PressEsc(ctx); err != nil {
				return fmt.Errorf("dialog dismiss failed: %w", err)
			}
			logging.Recovery("UI reset to main screen after %d presses", i+1)
			return nil
		}
	}
	return fmt.Errorf("exit dialog not seen after %d presses", r.MaxPresses)
}

// HandleStuckState is the last resort for features on unrecoverable drift:
// run the reset loop, and when even that fails record a restart request for
// the worker's next cycle.
func (r *Resetter) HandleStuckState(ctx context.Context, ui UI, queue *RequestQueue, emulatorID int, reason string) error {
	logging.Recovery("stuck state on emulator %d: %s", emulatorID, reason)
	if err := r.ResetToKnownState(ctx, ui); err != nil {
		req := queue.Add(emulatorID, reason)
		logging.Recovery("reset failed, restart %s queued for emulator %d: %v", req.ID, emulatorID, err)
		return fmt.Errorf("stuck state unrecovered: %w", err)
	}
	return nil
}

// RetryWithRecovery runs op up to attempts times. Every attempt after the
// first is preceded by a UI reset so transient popups cannot corrupt the
// retried operation.
func (r *Resetter) RetryWithRecovery(ctx context.Context, ui UI, attempts int, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			if err := r.ResetToKnownState(ctx, ui); err != nil {
				return fmt.Errorf("recovery before retry %d failed: %w", i+1, err)
			}
		}
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
		logging.Recovery("attempt %d/%d failed: %v", i+1, attempts, lastErr)
	}
	return lastErr
}
