package store

import (
	"testing"
	"time"

	"emufleet/internal/config"
)

// testClock is a controllable time source shared by store tests.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time            { return c.t }
func (c *testClock) Advance(d time.Duration)   { c.t = c.t.Add(d) }
func (c *testClock) At(d time.Duration) time.Time { return c.t.Add(d) }

func testBuildPlan() *config.BuildPlan {
	return &config.BuildPlan{Levels: map[int][]config.PlanEntry{
		5: {
			{Name: LordBuildingName, Count: 1, TargetLevel: 6, Type: config.BuildingUnique, Action: config.ActionUpgrade},
			{Name: "Ферма", Count: 3, TargetLevel: 5, Type: config.BuildingMultiple, Action: config.ActionUpgrade},
			{Name: "Склад", Count: 1, TargetLevel: 5, Type: config.BuildingMultiple, Action: config.ActionUpgrade},
			{Name: "Кузница", Count: 1, TargetLevel: 5, Type: config.BuildingUnique, Action: config.ActionUpgrade},
		},
		6: {
			{Name: LordBuildingName, Count: 1, TargetLevel: 7, Type: config.BuildingUnique, Action: config.ActionUpgrade},
			{Name: "Госпиталь", Count: 1, TargetLevel: 6, Type: config.BuildingUnique, Action: config.ActionBuild},
		},
	}}
}

func testTechPlan() *config.TechPlan {
	return &config.TechPlan{
		Levels: map[int][]config.TechEntry{
			5: {
				{Name: "Заточка", Section: "Военные", TargetLevel: 3, MaxLevel: 10, SwipeGroup: 1},
				{Name: "Урожай", Section: "Экономика", TargetLevel: 2, MaxLevel: 10, SwipeGroup: 2},
			},
			6: {
				{Name: "Броня", Section: "Военные", TargetLevel: 3, MaxLevel: 10, SwipeGroup: 1},
			},
		},
		Swipe: map[string]config.SwipeSection{
			"Военные":   {Swipes: 0},
			"Экономика": {Swipes: 2, Deferred: true},
		},
	}
}

// newTestStore returns an in-memory store seeded with the test plans and a
// fixed clock.
func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	s, err := New(":memory:", testBuildPlan(), testTechPlan())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := newTestClock()
	s.SetClock(clock.Now)
	return s, clock
}

// initEmulator bootstraps records for one emulator with 3 builders.
func initEmulator(t *testing.T, s *Store, emulatorID int) {
	t.Helper()
	if err := s.InitializeRecords(emulatorID, 3); err != nil {
		t.Fatalf("InitializeRecords failed: %v", err)
	}
}

// setLevel force-sets a building instance's level directly.
func setLevel(t *testing.T, s *Store, emulatorID int, name string, index, level int) {
	t.Helper()
	res, err := s.db.Exec(
		"UPDATE buildings SET current_level = ? WHERE emulator_id = ? AND name = ? AND building_index = ?",
		level, emulatorID, name, index)
	if err != nil {
		t.Fatalf("setLevel failed: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("setLevel %s[%d]: %d rows affected", name, index, n)
	}
}

// buildingID looks up the row id of a building instance.
func buildingID(t *testing.T, s *Store, emulatorID int, name string, index int) int64 {
	t.Helper()
	var id int64
	err := s.db.QueryRow(
		"SELECT id FROM buildings WHERE emulator_id = ? AND name = ? AND building_index = ?",
		emulatorID, name, index).Scan(&id)
	if err != nil {
		t.Fatalf("buildingID %s[%d]: %v", name, index, err)
	}
	return id
}
