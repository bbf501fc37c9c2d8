// Package worker runs one servicing cycle against one emulator: restart
// check, boot, game load, the ordered feature chain, and a guaranteed
// release of the device on every exit path.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"emufleet/internal/config"
	"emufleet/internal/feature"
	"emufleet/internal/freeze"
	"emufleet/internal/logging"
	"emufleet/internal/recovery"
)

// Controller is the emulator lifecycle surface (ldconsole behind it).
type Controller interface {
	Launch(ctx context.Context, index int) error
	Quit(ctx context.Context, index int) error
}

// DeviceWaiter resolves a booted adb device for an emulator port.
type DeviceWaiter interface {
	WaitReady(ctx context.Context, port int, timeout time.Duration) (string, error)
}

// GameSession is a live connection to the game on one booted device. The
// vision/navigation implementation lives outside this package.
type GameSession interface {
	recovery.UI

	// LaunchGame starts the game activity.
	LaunchGame(ctx context.Context) error
	LoadingScreenVisible(ctx context.Context) (bool, error)
	WorldMapVisible(ctx context.Context) (bool, error)
	PopupCloseVisible(ctx context.Context) (bool, error)
	Drivers() feature.Drivers
}

// SessionFactory builds a GameSession for a device.
type SessionFactory interface {
	New(ctx context.Context, emulatorID int, device string) (GameSession, error)
}

const (
	defaultADBTimeout  = 90 * time.Second
	defaultLoadTimeout = 60 * time.Second
	loadPollInterval   = 1500 * time.Millisecond
	popupAttempts      = 10
	featurePacing      = time.Second
)

// Worker services emulators one cycle at a time. A single Worker value is
// shared across cycles; each Cycle call is independent.
type Worker struct {
	console  Controller
	adb      DeviceWaiter
	sessions SessionFactory
	freezes  *freeze.Registry
	restarts *recovery.RequestQueue
	horizon  func(feature string) time.Duration

	ADBTimeout  time.Duration
	LoadTimeout time.Duration

	sleep func(context.Context, time.Duration)
	now   func() time.Time
}

func New(console Controller, adb DeviceWaiter, sessions SessionFactory,
	fr *freeze.Registry, restarts *recovery.RequestQueue, horizon func(string) time.Duration) *Worker {
	return &Worker{
		console:     console,
		adb:         adb,
		sessions:    sessions,
		freezes:     fr,
		restarts:    restarts,
		horizon:     horizon,
		ADBTimeout:  defaultADBTimeout,
		LoadTimeout: defaultLoadTimeout,
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// sleepCtx waits for d but returns as soon as the context is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Cycle services one emulator through one full pass of the enabled feature
// chain. The emulator is stopped on every exit path.
func (w *Worker) Cycle(ctx context.Context, emu config.Emulator, features []feature.Feature) error {
	cycleID := uuid.NewString()[:8]
	log := logging.Get(logging.CategoryWorker)
	log.Info("[%s] cycle start: emulator %d (%s)", cycleID, emu.ID, emu.Name)

	if req, pending := w.restarts.Pending(emu.ID); pending {
		if err := w.restart(ctx, emu, req); err != nil {
			log.Error("[%s] restart failed, aborting cycle: %v", cycleID, err)
			return err
		}
		w.restarts.Clear(emu.ID)
	}

	if err := w.console.Launch(ctx, emu.ID); err != nil {
		return fmt.Errorf("launch emulator %d: %w", emu.ID, err)
	}
	defer func() {
		// Release runs with a fresh context so shutdown cannot strand a
		// running emulator.
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.console.Quit(stopCtx, emu.ID); err != nil {
			log.Error("[%s] quit emulator %d failed: %v", cycleID, emu.ID, err)
		}
	}()

	device, err := w.adb.WaitReady(ctx, emu.Port, w.ADBTimeout)
	if err != nil {
		return fmt.Errorf("adb wait on emulator %d: %w", emu.ID, err)
	}

	sess, err := w.sessions.New(ctx, emu.ID, device)
	if err != nil {
		return fmt.Errorf("session on emulator %d: %w", emu.ID, err)
	}

	if err := w.loadGame(ctx, emu.ID, sess); err != nil {
		w.restarts.Add(emu.ID, err.Error())
		return fmt.Errorf("game load on emulator %d: %w", emu.ID, err)
	}

	w.runFeatures(ctx, cycleID, emu.ID, device, sess, features)
	log.Info("[%s] cycle done: emulator %d", cycleID, emu.ID)
	return nil
}

// restart performs the full stop/start/wait demanded by a pending restart
// request.
func (w *Worker) restart(ctx context.Context, emu config.Emulator, req recovery.RestartRequest) error {
	logging.Worker("restart %s on emulator %d: %s", req.ID, emu.ID, req.Reason)
	if err := w.console.Quit(ctx, emu.ID); err != nil {
		return fmt.Errorf("restart quit: %w", err)
	}
	if err := w.console.Launch(ctx, emu.ID); err != nil {
		return fmt.Errorf("restart launch: %w", err)
	}
	if _, err := w.adb.WaitReady(ctx, emu.Port, w.ADBTimeout); err != nil {
		return fmt.Errorf("restart adb wait: %w", err)
	}
	return nil
}

// loadGame enforces the three-phase ready protocol: loading screen appears,
// loading screen disappears, then either popups get dismissed or the world
// map shows up.
func (w *Worker) loadGame(ctx context.Context, emulatorID int, sess GameSession) error {
	if err := sess.LaunchGame(ctx); err != nil {
		return fmt.Errorf("launch game: %w", err)
	}

	if err := w.pollUntil(ctx, "loading screen appears", func(ctx context.Context) (bool, error) {
		return sess.LoadingScreenVisible(ctx)
	}); err != nil {
		return err
	}

	if err := w.pollUntil(ctx, "loading screen clears", func(ctx context.Context) (bool, error) {
		visible, err := sess.LoadingScreenVisible(ctx)
		return !visible, err
	}); err != nil {
		return err
	}

	for attempt := 0; attempt < popupAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		popup, err := sess.PopupCloseVisible(ctx)
		if err != nil {
			return err
		}
		if popup {
			if err := sess.PressEsc(ctx); err != nil {
				return err
			}
			w.sleep(ctx, loadPollInterval)
			continue
		}
		mapVisible, err := sess.WorldMapVisible(ctx)
		if err != nil {
			return err
		}
		if mapVisible {
			logging.Worker("game ready on emulator %d after %d popup passes", emulatorID, attempt)
			return nil
		}
		w.sleep(ctx, loadPollInterval)
	}
	return fmt.Errorf("world map not reached after %d attempts", popupAttempts)
}

func (w *Worker) pollUntil(ctx context.Context, what string, cond func(context.Context) (bool, error)) error {
	deadline := w.now().Add(w.LoadTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if w.now().After(deadline) {
			return fmt.Errorf("timeout waiting until %s", what)
		}
		w.sleep(ctx, loadPollInterval)
	}
}

// runFeatures walks the ordered chain. A failed feature freezes that
// feature only; the remaining features still run.
func (w *Worker) runFeatures(ctx context.Context, cycleID string, emulatorID int, device string,
	sess GameSession, features []feature.Feature) {
	log := logging.Get(logging.CategoryWorker)
	fsess := &feature.Session{EmulatorID: emulatorID, Device: device, Drivers: sess.Drivers()}

	for i, f := range features {
		if ctx.Err() != nil {
			log.Warn("[%s] shutdown during feature chain on emulator %d", cycleID, emulatorID)
			return
		}
		if i > 0 {
			w.sleep(ctx, featurePacing)
		}

		ok, err := f.CanExecute(ctx, fsess)
		if err != nil {
			log.Error("[%s] %s precondition errored on emulator %d: %v", cycleID, f.Name(), emulatorID, err)
			continue
		}
		if !ok {
			log.Info("[%s] %s skipped on emulator %d", cycleID, f.Name(), emulatorID)
			continue
		}

		outcome := w.runOne(ctx, f, fsess)
		switch outcome.Result {
		case feature.ResultOK:
			log.Info("[%s] %s ok on emulator %d", cycleID, f.Name(), emulatorID)
		case feature.ResultSkipped:
			log.Info("[%s] %s reported nothing to do on emulator %d", cycleID, f.Name(), emulatorID)
		case feature.ResultFailed:
			until := w.freezes.Freeze(emulatorID, f.Name(), w.horizon(f.Name()), errString(outcome.Err))
			log.Error("[%s] %s failed on emulator %d, frozen until %s: %v",
				cycleID, f.Name(), emulatorID, until.Format(time.RFC3339), outcome.Err)
		}
	}
}

// runOne isolates a feature run so a panic inside game automation freezes
// the feature instead of killing the worker.
func (w *Worker) runOne(ctx context.Context, f feature.Feature, sess *feature.Session) (out feature.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = feature.Outcome{Result: feature.ResultFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return f.Run(ctx, sess)
}

func errString(err error) string {
	if err == nil {
		return "feature reported failure"
	}
	return err.Error()
}
