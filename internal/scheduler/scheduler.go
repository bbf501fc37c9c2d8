// Package scheduler is the single long-running coordinator: it asks every
// enabled feature when every enabled emulator next needs attention, batches
// nearby events into one visit, and dispatches workers under the
// max-concurrency cap.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"emufleet/internal/config"
	"emufleet/internal/feature"
	"emufleet/internal/logging"
	"emufleet/internal/recovery"
	"emufleet/internal/worker"
)

// Settings is the per-iteration view of the user configuration. It is
// re-read at the top of every loop so config changes take effect on the
// next iteration, never mid-cycle.
type Settings struct {
	Emulators     []config.Emulator
	Functions     map[string]bool
	MaxConcurrent int
}

// SettingsFunc supplies fresh settings each iteration.
type SettingsFunc func() Settings

// Runner services one emulator for one cycle. *worker.Worker satisfies it.
type Runner interface {
	Cycle(ctx context.Context, emu config.Emulator, features []feature.Feature) error
}

var _ Runner = (*worker.Worker)(nil)

// Scheduler owns the dispatch loop. One instance per process.
type Scheduler struct {
	settings SettingsFunc
	features []feature.Feature
	runner   Runner
	restarts *recovery.RequestQueue
	cfg      *config.SchedulerConfig

	mu         sync.Mutex
	running    bool
	processing map[int]time.Time // emulator id -> dispatch time
	stopCh     chan struct{}
	doneCh     chan struct{}
	group      *errgroup.Group
	groupCtx   context.Context
	cancel     context.CancelFunc

	snapMu     sync.RWMutex
	snapshot   Snapshot
	onSnapshot func(Snapshot)

	now   func() time.Time
	sleep func(time.Duration)
}

func New(settings SettingsFunc, features []feature.Feature, runner Runner,
	restarts *recovery.RequestQueue, cfg *config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		settings:   settings,
		features:   features,
		runner:     runner,
		restarts:   restarts,
		cfg:        cfg,
		processing: make(map[int]time.Time),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// OnSnapshot registers a callback invoked after every published snapshot.
// Used by the GUI push server. Must be set before Start.
func (s *Scheduler) OnSnapshot(fn func(Snapshot)) { s.onSnapshot = fn }

// Start launches the scheduling loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, s.groupCtx = errgroup.WithContext(workerCtx)

	go s.loop()
	logging.Scheduler("scheduler started")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop shuts the loop down: no new dispatches, join every active worker,
// clear the snapshot. In-flight cycles run to completion; the context is
// cancelled only after the join, so it never aborts a feature chain and
// serves the boot/ADB waits of any cycle that outlives the process intent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
	if err := s.group.Wait(); err != nil {
		logging.Scheduler("worker join reported: %v", err)
	}
	s.cancel()
	s.publishSnapshot(Snapshot{UpdatedAt: s.now()})
	logging.Scheduler("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		next := s.iterate()

		d := s.clipSleep(next)
		if !s.sleepInterruptible(d) {
			return
		}
	}
}

// iterate runs one full scheduling pass and returns the next future launch
// time, if any.
func (s *Scheduler) iterate() *time.Time {
	settings := s.settings()
	now := s.now()

	s.warnHeldRestarts()

	entries, idle := s.buildSchedule(settings)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].launchAt.Before(entries[j].launchAt)
	})

	var nextFuture *time.Time
	dispatched := map[int]bool{}
	for _, e := range entries {
		if e.launchAt.After(now) {
			t := e.launchAt
			nextFuture = &t
			break
		}
		if !s.dispatch(e, settings) {
			break
		}
		dispatched[e.emulator.ID] = true
	}

	s.publishSnapshot(s.buildSnapshot(settings, entries, dispatched, idle, now))
	return nextFuture
}

type scheduleEntry struct {
	emulator config.Emulator
	launchAt time.Time
	reasons  []string
	isNew    bool
}

// buildSchedule collects feature events for every enabled emulator that is
// not already being processed and compresses them into launch entries.
func (s *Scheduler) buildSchedule(settings Settings) ([]scheduleEntry, int) {
	window := s.cfg.BatchWindow()

	var entries []scheduleEntry
	idle := 0
	for _, emu := range settings.Emulators {
		if s.isProcessing(emu.ID) {
			continue
		}

		var events []event
		var sentinelReasons []string
		for _, f := range s.features {
			if !settings.Functions[f.Name()] {
				continue
			}
			et, err := f.NextEventTime(emu.ID)
			if err != nil {
				logging.Scheduler("next_event_time %s on emulator %d failed: %v", f.Name(), emu.ID, err)
				continue
			}
			if et == nil {
				continue
			}
			if feature.IsEpochMin(*et) {
				sentinelReasons = append(sentinelReasons, f.Name()+" (new)")
				continue
			}
			events = append(events, event{at: *et, name: f.Name()})
		}

		switch {
		case len(sentinelReasons) > 0:
			entries = append(entries, scheduleEntry{
				emulator: emu,
				launchAt: feature.EpochMin,
				reasons:  sentinelReasons,
				isNew:    true,
			})
		case len(events) > 0:
			at, reasons := batchEvents(events, window)
			entries = append(entries, scheduleEntry{emulator: emu, launchAt: at, reasons: reasons})
		default:
			idle++
		}
	}
	return entries, idle
}

// dispatch spawns a worker for a due entry. Returns false when the
// concurrency cap is reached so the caller stops walking the schedule.
func (s *Scheduler) dispatch(e scheduleEntry, settings Settings) bool {
	s.mu.Lock()
	if !s.running || len(s.processing) >= settings.MaxConcurrent {
		s.mu.Unlock()
		return false
	}
	s.processing[e.emulator.ID] = s.now()
	s.mu.Unlock()

	ordered := feature.Order(s.features, settings.Functions)
	emu := e.emulator
	logging.Scheduler("dispatch emulator %d (%s): %v", emu.ID, emu.Name, e.reasons)

	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.processing, emu.ID)
			s.mu.Unlock()
		}()
		if err := s.runner.Cycle(s.groupCtx, emu, ordered); err != nil {
			logging.Scheduler("cycle on emulator %d ended with error: %v", emu.ID, err)
		}
		return nil
	})
	return true
}

func (s *Scheduler) isProcessing(emulatorID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processing[emulatorID]
	return ok
}

// warnHeldRestarts logs restart requests whose emulator is mid-cycle; the
// restart happens inside that worker's next cycle.
func (s *Scheduler) warnHeldRestarts() {
	for _, req := range s.restarts.All() {
		if s.isProcessing(req.EmulatorID) {
			logging.Scheduler("restart %s for emulator %d held by a live worker", req.ID, req.EmulatorID)
		}
	}
}

func (s *Scheduler) buildSnapshot(settings Settings, entries []scheduleEntry,
	dispatched map[int]bool, idle int, now time.Time) Snapshot {
	s.mu.Lock()
	active := make([]ActiveEntry, 0, len(s.processing))
	nameByID := make(map[int]string, len(settings.Emulators))
	for _, emu := range settings.Emulators {
		nameByID[emu.ID] = emu.Name
	}
	for id, started := range s.processing {
		active = append(active, ActiveEntry{EmulatorID: id, Name: nameByID[id], StartedAt: started})
	}
	s.mu.Unlock()
	sort.Slice(active, func(i, j int) bool { return active[i].EmulatorID < active[j].EmulatorID })

	var queue []QueueEntry
	for _, e := range entries {
		q := QueueEntry{
			EmulatorID: e.emulator.ID,
			Name:       e.emulator.Name,
			LaunchAt:   e.launchAt,
			Reasons:    e.reasons,
		}
		switch {
		case dispatched[e.emulator.ID]:
			q.Status = StatusProcessing
		case e.isNew:
			q.Status = StatusNew
		case !e.launchAt.After(now):
			q.Status = StatusReady
		default:
			q.Status = StatusWaiting
			q.WaitMinutes = int(e.launchAt.Sub(now).Minutes())
		}
		queue = append(queue, q)
	}

	return Snapshot{
		Active:        active,
		Queue:         queue,
		IdleCount:     idle,
		TotalEnabled:  len(settings.Emulators),
		MaxConcurrent: settings.MaxConcurrent,
		UpdatedAt:     now,
	}
}

// clipSleep bounds the iteration sleep: at least one second, at most the
// configured check interval, or until the next future launch.
func (s *Scheduler) clipSleep(next *time.Time) time.Duration {
	max := s.cfg.CheckInterval()
	if next == nil {
		return max
	}
	d := next.Sub(s.now())
	if d < time.Second {
		return time.Second
	}
	if d > max {
		return max
	}
	return d
}

// sleepInterruptible sleeps in one-second increments, returning false as
// soon as shutdown is requested.
func (s *Scheduler) sleepInterruptible(d time.Duration) bool {
	for d > 0 {
		select {
		case <-s.stopCh:
			return false
		default:
		}
		step := time.Second
		if d < step {
			step = d
		}
		s.sleep(step)
		d -= step
	}
	select {
	case <-s.stopCh:
		return false
	default:
		return true
	}
}
