package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"emufleet/internal/config"
	"emufleet/internal/feature"
	"emufleet/internal/recovery"
)

var schedEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// stubFeature reports canned event times per emulator.
type stubFeature struct {
	name   string
	events map[int]*time.Time
}

func (s *stubFeature) Name() string { return s.name }

func (s *stubFeature) NextEventTime(emulatorID int) (*time.Time, error) {
	return s.events[emulatorID], nil
}

func (s *stubFeature) CanExecute(context.Context, *feature.Session) (bool, error) {
	return false, nil
}

func (s *stubFeature) Run(context.Context, *feature.Session) feature.Outcome {
	return feature.Outcome{Result: feature.ResultSkipped}
}

func at(t time.Time) *time.Time { return &t }

func sentinel() *time.Time {
	t := feature.EpochMin
	return &t
}

// recordingRunner captures dispatched cycles; it can hold workers open
// until released.
type recordingRunner struct {
	mu      sync.Mutex
	cycles  []int
	hold    chan struct{}
	started chan int
}

func newRecordingRunner(hold bool) *recordingRunner {
	r := &recordingRunner{started: make(chan int, 16)}
	if hold {
		r.hold = make(chan struct{})
	}
	return r
}

func (r *recordingRunner) Cycle(ctx context.Context, emu config.Emulator, _ []feature.Feature) error {
	r.mu.Lock()
	r.cycles = append(r.cycles, emu.ID)
	r.mu.Unlock()
	r.started <- emu.ID
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *recordingRunner) dispatched() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.cycles...)
}

func testSettings(maxConcurrent int, ids ...int) SettingsFunc {
	var emus []config.Emulator
	for _, id := range ids {
		emus = append(emus, config.Emulator{ID: id, Name: "Emu", Port: config.ADBPortForIndex(id)})
	}
	return func() Settings {
		return Settings{
			Emulators:     emus,
			Functions:     map[string]bool{"building": true, "evolution": true},
			MaxConcurrent: maxConcurrent,
		}
	}
}

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		Scheduler: config.SchedulerSection{BatchWindowSeconds: 300, CheckIntervalSeconds: 60},
	}
}

// newTestScheduler builds a scheduler with the loop not running and the
// worker group primed so iterate() can dispatch synchronously.
func newTestScheduler(t *testing.T, settings SettingsFunc, features []feature.Feature, runner Runner) *Scheduler {
	t.Helper()
	s := New(settings, features, runner, recovery.NewRequestQueue(), testSchedulerConfig())
	s.now = func() time.Time { return schedEpoch }
	s.sleep = func(time.Duration) {}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.stopCh = make(chan struct{})
	s.cancel = cancel
	s.group, s.groupCtx = errgroup.WithContext(ctx)
	t.Cleanup(func() {
		cancel()
		s.group.Wait()
	})
	return s
}

func TestBatchEvents(t *testing.T) {
	t0 := schedEpoch
	tests := []struct {
		name        string
		events      []event
		window      time.Duration
		wantAt      time.Time
		wantReasons []string
	}{
		{
			name: "burst compresses to last near event",
			events: []event{
				{t0, "building"},
				{t0.Add(100 * time.Second), "evolution"},
				{t0.Add(250 * time.Second), "ponds"},
				{t0.Add(700 * time.Second), "squads"},
			},
			window:      300 * time.Second,
			wantAt:      t0.Add(250 * time.Second),
			wantReasons: []string{"building", "evolution", "ponds"},
		},
		{
			name: "zero window only merges covered events",
			events: []event{
				{t0, "building"},
				{t0, "evolution"},
				{t0.Add(time.Second), "ponds"},
			},
			window:      0,
			wantAt:      t0,
			wantReasons: []string{"building", "evolution"},
		},
		{
			name:        "single event",
			events:      []event{{t0.Add(time.Hour), "evolution"}},
			window:      300 * time.Second,
			wantAt:      t0.Add(time.Hour),
			wantReasons: []string{"evolution"},
		},
		{
			name: "unsorted input",
			events: []event{
				{t0.Add(200 * time.Second), "evolution"},
				{t0, "building"},
			},
			window:      300 * time.Second,
			wantAt:      t0.Add(200 * time.Second),
			wantReasons: []string{"building", "evolution"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotAt, gotReasons := batchEvents(tt.events, tt.window)
			if !gotAt.Equal(tt.wantAt) {
				t.Errorf("launch = %v, want %v", gotAt, tt.wantAt)
			}
			if len(gotReasons) != len(tt.wantReasons) {
				t.Fatalf("reasons = %v, want %v", gotReasons, tt.wantReasons)
			}
			for i := range tt.wantReasons {
				if gotReasons[i] != tt.wantReasons[i] {
					t.Errorf("reason %d = %s, want %s", i, gotReasons[i], tt.wantReasons[i])
				}
			}
		})
	}
}

func TestIterateRespectsConcurrencyCap(t *testing.T) {
	runner := newRecordingRunner(true)
	features := []feature.Feature{
		&stubFeature{name: "building", events: map[int]*time.Time{
			1: at(schedEpoch.Add(-time.Minute)),
			2: at(schedEpoch.Add(-time.Minute)),
		}},
	}
	s := newTestScheduler(t, testSettings(1, 1, 2), features, runner)

	s.iterate()
	<-runner.started

	if got := runner.dispatched(); len(got) != 1 {
		t.Fatalf("dispatched %v, want exactly one", got)
	}

	snap := s.Snapshot()
	if len(snap.Active) != 1 {
		t.Errorf("active = %d, want 1", len(snap.Active))
	}
	statuses := map[string]int{}
	for _, q := range snap.Queue {
		statuses[q.Status]++
	}
	if statuses[StatusProcessing] != 1 || statuses[StatusReady] != 1 {
		t.Errorf("queue statuses = %v, want one processing and one ready", statuses)
	}
	close(runner.hold)
}

func TestIterateSentinelDispatchesFirst(t *testing.T) {
	runner := newRecordingRunner(true)
	features := []feature.Feature{
		&stubFeature{name: "building", events: map[int]*time.Time{
			1: at(schedEpoch.Add(-time.Minute)), // overdue
			2: sentinel(),                       // brand new
		}},
	}
	s := newTestScheduler(t, testSettings(1, 1, 2), features, runner)

	s.iterate()
	<-runner.started

	if got := runner.dispatched(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("dispatched %v, want the sentinel emulator first", got)
	}

	snap := s.Snapshot()
	for _, q := range snap.Queue {
		if q.EmulatorID == 2 {
			if len(q.Reasons) != 1 || q.Reasons[0] != "building (new)" {
				t.Errorf("sentinel reasons = %v", q.Reasons)
			}
		}
	}
	close(runner.hold)
}

func TestIterateStopsAtFirstFutureEntry(t *testing.T) {
	runner := newRecordingRunner(false)
	features := []feature.Feature{
		&stubFeature{name: "building", events: map[int]*time.Time{
			1: at(schedEpoch.Add(30 * time.Minute)),
		}},
	}
	s := newTestScheduler(t, testSettings(2, 1), features, runner)

	next := s.iterate()
	if len(runner.dispatched()) != 0 {
		t.Errorf("dispatched %v for a future entry", runner.dispatched())
	}
	if next == nil || !next.Equal(schedEpoch.Add(30*time.Minute)) {
		t.Errorf("next future launch = %v", next)
	}

	snap := s.Snapshot()
	if len(snap.Queue) != 1 || snap.Queue[0].Status != StatusWaiting {
		t.Fatalf("queue = %+v, want one waiting entry", snap.Queue)
	}
	if snap.Queue[0].WaitMinutes != 30 {
		t.Errorf("wait minutes = %d, want 30", snap.Queue[0].WaitMinutes)
	}
}

func TestIterateCountsIdleEmulators(t *testing.T) {
	runner := newRecordingRunner(false)
	features := []feature.Feature{
		&stubFeature{name: "building", events: map[int]*time.Time{}},
	}
	s := newTestScheduler(t, testSettings(2, 1, 2), features, runner)

	if next := s.iterate(); next != nil {
		t.Errorf("next = %v, want nil with no events", next)
	}
	snap := s.Snapshot()
	if snap.IdleCount != 2 {
		t.Errorf("idle = %d, want 2", snap.IdleCount)
	}
	if snap.TotalEnabled != 2 {
		t.Errorf("total = %d, want 2", snap.TotalEnabled)
	}
	if len(snap.Queue) != 0 {
		t.Errorf("queue = %+v, want empty", snap.Queue)
	}
}

func TestIterateSkipsProcessingEmulators(t *testing.T) {
	runner := newRecordingRunner(true)
	features := []feature.Feature{
		&stubFeature{name: "building", events: map[int]*time.Time{
			1: at(schedEpoch.Add(-time.Minute)),
		}},
	}
	s := newTestScheduler(t, testSettings(2, 1), features, runner)

	s.iterate()
	<-runner.started
	// Second pass while the worker still holds emulator 1.
	s.iterate()

	if got := runner.dispatched(); len(got) != 1 {
		t.Fatalf("dispatched %v, want no double dispatch", got)
	}
	close(runner.hold)
}

func TestClipSleep(t *testing.T) {
	s := newTestScheduler(t, testSettings(1), nil, newRecordingRunner(false))

	if d := s.clipSleep(nil); d != 60*time.Second {
		t.Errorf("no next event: sleep = %v, want check interval", d)
	}
	if d := s.clipSleep(at(schedEpoch.Add(5 * time.Second))); d != 5*time.Second {
		t.Errorf("near event: sleep = %v, want 5s", d)
	}
	if d := s.clipSleep(at(schedEpoch.Add(-time.Minute))); d != time.Second {
		t.Errorf("overdue event: sleep = %v, want 1s floor", d)
	}
	if d := s.clipSleep(at(schedEpoch.Add(time.Hour))); d != 60*time.Second {
		t.Errorf("far event: sleep = %v, want check interval cap", d)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := newRecordingRunner(false)
	features := []feature.Feature{
		&stubFeature{name: "building", events: map[int]*time.Time{}},
	}
	s := New(testSettings(1, 1), features, runner, recovery.NewRequestQueue(), testSchedulerConfig())
	s.sleep = func(time.Duration) { time.Sleep(time.Millisecond) }

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning false after Start")
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	// Give the loop a moment to publish at least one snapshot.
	deadline := time.Now().Add(time.Second)
	for s.Snapshot().UpdatedAt.IsZero() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning true after Stop")
	}
	snap := s.Snapshot()
	if len(snap.Active) != 0 || len(snap.Queue) != 0 {
		t.Errorf("snapshot not cleared on shutdown: %+v", snap)
	}
	// Stop again is a no-op.
	s.Stop()
}

// cycleObservingRunner holds its cycle open and records whether the context
// was already cancelled when the cycle was allowed to finish.
type cycleObservingRunner struct {
	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}

	mu                sync.Mutex
	cancelledMidCycle bool
}

func (r *cycleObservingRunner) Cycle(ctx context.Context, _ config.Emulator, _ []feature.Feature) error {
	r.startOnce.Do(func() { close(r.started) })
	<-r.release
	r.mu.Lock()
	r.cancelledMidCycle = ctx.Err() != nil
	r.mu.Unlock()
	return nil
}

// Stop must join in-flight workers before cancelling their context: a worker
// caught mid-cycle finishes its feature chain instead of aborting.
func TestStopWaitsForInFlightCycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &cycleObservingRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	features := []feature.Feature{
		&stubFeature{name: "building", events: map[int]*time.Time{1: sentinel()}},
	}
	s := New(testSettings(1, 1), features, runner, recovery.NewRequestQueue(), testSchedulerConfig())
	s.sleep = func(time.Duration) { time.Sleep(time.Millisecond) }

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never dispatched")
	}

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	// Let Stop reach the worker join, then release the held cycle.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-stopDone:
		t.Fatal("Stop returned with a cycle still in flight")
	default:
	}
	close(runner.release)

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after the cycle finished")
	}

	runner.mu.Lock()
	cancelled := runner.cancelledMidCycle
	runner.mu.Unlock()
	if cancelled {
		t.Error("worker context was cancelled before its cycle completed")
	}
}
