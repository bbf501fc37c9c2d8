package feature

import (
	"context"
	"testing"
	"time"

	"emufleet/internal/config"
	"emufleet/internal/freeze"
	"emufleet/internal/store"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testPlans() (*config.BuildPlan, *config.TechPlan) {
	build := &config.BuildPlan{Levels: map[int][]config.PlanEntry{
		5: {
			{Name: store.LordBuildingName, Count: 1, TargetLevel: 6, Type: config.BuildingUnique, Action: config.ActionUpgrade},
			{Name: "Ферма", Count: 2, TargetLevel: 5, Type: config.BuildingMultiple, Action: config.ActionUpgrade},
		},
	}}
	tech := &config.TechPlan{
		Levels: map[int][]config.TechEntry{
			5: {
				{Name: "Заточка", Section: "Военные", TargetLevel: 3, MaxLevel: 10},
				{Name: "Урожай", Section: "Экономика", TargetLevel: 2, MaxLevel: 10},
			},
		},
		Swipe: map[string]config.SwipeSection{
			"Военные":   {Swipes: 0},
			"Экономика": {Swipes: 2, Deferred: true},
		},
	}
	return build, tech
}

type fixture struct {
	store   *store.Store
	freezes *freeze.Registry
	clock   *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	build, tech := testPlans()
	s, err := store.New(":memory:", build, tech)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := &testClock{t: testEpoch}
	s.SetClock(clock.Now)

	fr := freeze.NewRegistry(nil)
	fr.SetClock(clock.Now)

	return &fixture{store: s, freezes: fr, clock: clock}
}

func (f *fixture) initEmulator(t *testing.T, id int) {
	t.Helper()
	if err := f.store.InitializeRecords(id, 3); err != nil {
		t.Fatal(err)
	}
	// Lord at level 5, farms scanned at level 1.
	if _, err := f.store.DB().Exec(
		"UPDATE buildings SET current_level = 5 WHERE emulator_id = ? AND name = ?",
		id, store.LordBuildingName); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.DB().Exec(
		"UPDATE buildings SET current_level = 1 WHERE emulator_id = ? AND name = 'Ферма'", id); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetInitState(id, "building", true, true); err != nil {
		t.Fatal(err)
	}
}

func fixedHorizon(string) time.Duration { return 4 * time.Hour }

// fakeBuildingDriver hands out fixed timers and records scans.
type fakeBuildingDriver struct {
	builders   int
	levels     map[string]int
	scans      []string
	upgrades   []string
	upgradeErr error
}

func (f *fakeBuildingDriver) CountBuilders(context.Context) (int, error) { return f.builders, nil }

func (f *fakeBuildingDriver) ScanLevel(_ context.Context, name string, index int) (int, error) {
	f.scans = append(f.scans, name)
	return f.levels[name], nil
}

func (f *fakeBuildingDriver) Upgrade(_ context.Context, name string, index int) (time.Duration, error) {
	if f.upgradeErr != nil {
		return 0, f.upgradeErr
	}
	f.upgrades = append(f.upgrades, name)
	return time.Hour, nil
}

func (f *fakeBuildingDriver) Construct(_ context.Context, name string) (time.Duration, error) {
	if f.upgradeErr != nil {
		return 0, f.upgradeErr
	}
	f.upgrades = append(f.upgrades, "build:"+name)
	return time.Hour, nil
}

func sessionWith(emulatorID int, d Drivers) *Session {
	return &Session{EmulatorID: emulatorID, Device: "emulator-5554", Drivers: d}
}

func TestOrderFiltersAndSorts(t *testing.T) {
	f := newFixture(t)
	features := []Feature{
		NewEvolution(f.store, f.freezes, fixedHorizon),
		NewBuilding(f.store, f.freezes, fixedHorizon),
		NewPonds(f.store, f.freezes, fixedHorizon),
		NewSquads(nil),
	}

	got := Order(features, map[string]bool{"building": true, "ponds": true, "evolution": true})
	want := []string{"ponds", "building", "evolution"}
	if len(got) != len(want) {
		t.Fatalf("ordered %d features, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name() != name {
			t.Errorf("position %d = %s, want %s", i, got[i].Name(), name)
		}
	}
}

func TestBuildingNextEventTime(t *testing.T) {
	f := newFixture(t)
	b := NewBuilding(f.store, f.freezes, fixedHorizon)
	b.SetClock(f.clock.Now)

	// Brand-new emulator: first-run sentinel.
	et, err := b.NextEventTime(1)
	if err != nil {
		t.Fatal(err)
	}
	if et == nil || !IsEpochMin(*et) {
		t.Fatalf("expected sentinel for fresh emulator, got %v", et)
	}

	f.initEmulator(t, 1)

	// Work pending, builders free: overdue.
	et, err = b.NextEventTime(1)
	if err != nil {
		t.Fatal(err)
	}
	if et == nil || !et.Equal(f.clock.Now()) {
		t.Fatalf("expected now, got %v", et)
	}

	// Frozen: unfreeze time wins.
	until := f.freezes.Freeze(1, "building", 2*time.Hour, "resources")
	et, err = b.NextEventTime(1)
	if err != nil {
		t.Fatal(err)
	}
	if et == nil || !et.Equal(until) {
		t.Fatalf("expected unfreeze time %v, got %v", until, et)
	}
	f.freezes.Unfreeze(1, "building")
}

func TestBuildingNextEventTimeAllBuildersBusy(t *testing.T) {
	f := newFixture(t)
	f.initEmulator(t, 1)
	b := NewBuilding(f.store, f.freezes, fixedHorizon)
	b.SetClock(f.clock.Now)

	driver := &fakeBuildingDriver{builders: 3}
	out := b.Run(context.Background(), sessionWith(1, Drivers{Building: driver}))
	if out.Result != ResultOK {
		t.Fatalf("run failed: %+v", out)
	}

	et, err := b.NextEventTime(1)
	if err != nil {
		t.Fatal(err)
	}
	// Both farms are upgrading and nothing else is eligible; the hint is
	// the earliest finish, one hour out.
	if et == nil || !et.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("expected earliest finish, got %v", et)
	}
}

func TestBuildingRunSaturatesBuilders(t *testing.T) {
	f := newFixture(t)
	f.initEmulator(t, 1)
	b := NewBuilding(f.store, f.freezes, fixedHorizon)
	b.SetClock(f.clock.Now)

	driver := &fakeBuildingDriver{builders: 3}
	out := b.Run(context.Background(), sessionWith(1, Drivers{Building: driver}))
	if out.Result != ResultOK {
		t.Fatalf("run failed: %+v", out)
	}
	// Both farms start; the lord entry stays blocked on farm targets.
	if len(driver.upgrades) != 2 {
		t.Fatalf("started %d upgrades, want 2: %v", len(driver.upgrades), driver.upgrades)
	}

	busy, err := f.store.BusyBuilderCount(1)
	if err != nil {
		t.Fatal(err)
	}
	if busy != 2 {
		t.Errorf("busy builders = %d, want 2", busy)
	}
}

func TestBuildingRunInitialScan(t *testing.T) {
	f := newFixture(t)
	if err := f.store.InitializeRecords(1, 3); err != nil {
		t.Fatal(err)
	}
	b := NewBuilding(f.store, f.freezes, fixedHorizon)
	b.SetClock(f.clock.Now)

	driver := &fakeBuildingDriver{
		builders: 4,
		levels:   map[string]int{store.LordBuildingName: 5, "Ферма": 2},
	}
	out := b.Run(context.Background(), sessionWith(1, Drivers{Building: driver}))
	if out.Result != ResultOK {
		t.Fatalf("run failed: %+v", out)
	}

	state, err := f.store.GetInitState(1, "building")
	if err != nil {
		t.Fatal(err)
	}
	if !state.InitialScanComplete {
		t.Error("initial scan flag not set")
	}
	// Lord + 2 farms scanned.
	if len(driver.scans) != 3 {
		t.Errorf("scanned %d records, want 3: %v", len(driver.scans), driver.scans)
	}
	slots, err := f.store.Builders(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 4 {
		t.Errorf("builder slots = %d, want 4 after detection", len(slots))
	}
	level, err := f.store.LordLevel(1)
	if err != nil {
		t.Fatal(err)
	}
	if level != 5 {
		t.Errorf("lord level after scan = %d, want 5", level)
	}
}

// A brand-new emulator goes from empty store to seeded, scanned records in
// one Run. Nothing is inserted by hand here: the first-run sentinel must lead
// to a store with selectable work, not an empty scan marked complete.
func TestBuildingRunSeedsFreshEmulator(t *testing.T) {
	f := newFixture(t)
	b := NewBuilding(f.store, f.freezes, fixedHorizon)
	b.SetClock(f.clock.Now)

	next, err := b.NextEventTime(7)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || !IsEpochMin(*next) {
		t.Fatalf("fresh emulator hint = %v, want first-run sentinel", next)
	}

	driver := &fakeBuildingDriver{
		builders: 3,
		levels:   map[string]int{store.LordBuildingName: 5, "Ферма": 1},
	}
	out := b.Run(context.Background(), sessionWith(7, Drivers{Building: driver}))
	if out.Result != ResultOK {
		t.Fatalf("run failed: %+v", out)
	}

	has, err := f.store.HasRecords(7)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("plan records were not seeded by the first run")
	}
	state, err := f.store.GetInitState(7, "building")
	if err != nil {
		t.Fatal(err)
	}
	if !state.InitialScanComplete {
		t.Error("initial scan flag not set")
	}
	candidate, err := f.store.NextBuildingToUpgrade(7)
	if err != nil {
		t.Fatal(err)
	}
	if candidate == nil {
		t.Fatal("no upgrade selectable after first run")
	}
	next, err = b.NextEventTime(7)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || IsEpochMin(*next) {
		t.Errorf("hint after first run = %v, want a real time", next)
	}
}

func TestBuildingRunOutOfResourcesSelfFreezes(t *testing.T) {
	f := newFixture(t)
	f.initEmulator(t, 1)
	b := NewBuilding(f.store, f.freezes, fixedHorizon)
	b.SetClock(f.clock.Now)

	driver := &fakeBuildingDriver{builders: 3, upgradeErr: ErrOutOfResources}
	out := b.Run(context.Background(), sessionWith(1, Drivers{Building: driver}))
	if out.Result != ResultOK {
		t.Fatalf("self-handled exhaustion must report ok, got %+v", out)
	}
	if !f.freezes.IsFrozen(1, "building") {
		t.Error("feature did not freeze itself")
	}
	until, _ := f.freezes.UnfreezeAt(1, "building")
	if !until.Equal(f.clock.Now().Add(4 * time.Hour)) {
		t.Errorf("freeze horizon = %v, want +4h", until)
	}
}

type fakeEvolutionDriver struct {
	sections map[string]map[string]int
	started  []string
}

func (f *fakeEvolutionDriver) ScanSection(_ context.Context, section string) (map[string]int, error) {
	return f.sections[section], nil
}

func (f *fakeEvolutionDriver) Research(_ context.Context, name, _ string) (time.Duration, error) {
	f.started = append(f.started, name)
	return 2 * time.Hour, nil
}

func TestEvolutionRunScansDeferredSection(t *testing.T) {
	f := newFixture(t)
	f.initEmulator(t, 1)
	e := NewEvolution(f.store, f.freezes, fixedHorizon)
	e.SetClock(f.clock.Now)

	// Finish the first tech so the deferred-section one is next.
	techs, err := f.store.Techs(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetTechLevel(techs[0].ID, 3); err != nil {
		t.Fatal(err)
	}

	driver := &fakeEvolutionDriver{sections: map[string]map[string]int{
		"Экономика": {"Урожай": 1},
	}}
	out := e.Run(context.Background(), sessionWith(1, Drivers{Evolution: driver}))
	if out.Result != ResultOK {
		t.Fatalf("run failed: %+v", out)
	}
	if len(driver.started) != 1 || driver.started[0] != "Урожай" {
		t.Fatalf("started = %v, want [Урожай]", driver.started)
	}

	// The scanned level stuck and the slot is busy.
	techs, err = f.store.Techs(1)
	if err != nil {
		t.Fatal(err)
	}
	for _, tech := range techs {
		if tech.Name == "Урожай" && tech.CurrentLevel != 1 {
			t.Errorf("scanned level lost: %d", tech.CurrentLevel)
		}
	}
	slot, err := f.store.ResearchSlotState(1)
	if err != nil {
		t.Fatal(err)
	}
	if !slot.IsBusy {
		t.Error("research slot not occupied")
	}
}

func TestEvolutionNextEventTimeUsesFinish(t *testing.T) {
	f := newFixture(t)
	f.initEmulator(t, 1)
	e := NewEvolution(f.store, f.freezes, fixedHorizon)
	e.SetClock(f.clock.Now)

	driver := &fakeEvolutionDriver{}
	out := e.Run(context.Background(), sessionWith(1, Drivers{Evolution: driver}))
	if out.Result != ResultOK {
		t.Fatalf("run failed: %+v", out)
	}

	et, err := e.NextEventTime(1)
	if err != nil {
		t.Fatal(err)
	}
	if et == nil || !et.Equal(f.clock.Now().Add(2*time.Hour)) {
		t.Fatalf("expected research finish, got %v", et)
	}
}

type fakePondsDriver struct{ level int }

func (f *fakePondsDriver) Refill(context.Context) (int, error) { return f.level, nil }

func TestPondsRhythm(t *testing.T) {
	f := newFixture(t)
	f.initEmulator(t, 1)
	p := NewPonds(f.store, f.freezes, fixedHorizon)
	p.SetClock(f.clock.Now)
	sess := sessionWith(1, Drivers{Ponds: &fakePondsDriver{level: 2}})

	// Never refilled: due immediately.
	ok, err := p.CanExecute(context.Background(), sess)
	if err != nil || !ok {
		t.Fatalf("expected executable before first refill, ok=%v err=%v", ok, err)
	}

	out := p.Run(context.Background(), sess)
	if out.Result != ResultOK {
		t.Fatalf("run failed: %+v", out)
	}

	// Under the minimum interval: not executable, next event at max.
	ok, err = p.CanExecute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("refill allowed before the minimum interval")
	}

	min, max := pondIntervals(2)
	et, err := p.NextEventTime(1)
	if err != nil {
		t.Fatal(err)
	}
	if et == nil || !et.Equal(f.clock.Now().Add(max)) {
		t.Fatalf("next event = %v, want +%v", et, max)
	}

	// Past the minimum interval a ride-along refill is fine.
	f.clock.Advance(min + time.Minute)
	ok, err = p.CanExecute(context.Background(), sess)
	if err != nil || !ok {
		t.Fatalf("expected executable past min interval, ok=%v err=%v", ok, err)
	}
}

func TestSquadsIsAStub(t *testing.T) {
	s := NewSquads(nil)
	et, err := s.NextEventTime(1)
	if err != nil || et != nil {
		t.Fatalf("stub should report nothing to do, got %v err=%v", et, err)
	}
	if out := s.Run(context.Background(), &Session{}); out.Result != ResultSkipped {
		t.Errorf("stub run = %v, want ok-skipped", out.Result)
	}
}
