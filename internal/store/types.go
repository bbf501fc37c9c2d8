package store

import (
	"errors"
	"time"

	"emufleet/internal/config"
)

// LordBuildingName is the building whose level gates everything else.
// The game client is Russian-localized, so record names follow the in-game
// strings the scanner reads.
const LordBuildingName = "Лорд"

// Building status values.
const (
	StatusIdle      = "idle"
	StatusUpgrading = "upgrading"
)

// Evolution status values. Idle and researching mirror building statuses;
// completed marks techs that reached max level.
const (
	StatusResearching = "researching"
	StatusCompleted   = "completed"
)

// ErrNotFound is returned by lookups that found no row.
var ErrNotFound = errors.New("store: record not found")

// BuildingRecord mirrors one row of the buildings table. UpgradingToLevel
// and TimerFinish are set exactly when Status is upgrading.
type BuildingRecord struct {
	ID               int64
	EmulatorID       int
	Name             string
	Index            int
	Type             config.BuildingType
	CurrentLevel     int
	UpgradingToLevel *int
	TargetLevel      int
	Status           string
	Action           config.BuildAction
	TimerFinish      *time.Time
	LastUpdated      time.Time
}

// Upgrading reports whether the record is mid-upgrade.
func (b *BuildingRecord) Upgrading() bool {
	return b.Status == StatusUpgrading
}

// BuilderSlot mirrors one row of the builders table. BuildingID and
// FinishTime are set exactly when IsBusy is true.
type BuilderSlot struct {
	EmulatorID int
	Slot       int
	IsBusy     bool
	BuildingID *int64
	FinishTime *time.Time
}

// TechRecord mirrors one row of the evolutions table.
type TechRecord struct {
	ID           int64
	EmulatorID   int
	Name         string
	Section      string
	LordLevel    int
	CurrentLevel int
	TargetLevel  int
	MaxLevel     int
	Status       string
	TimerFinish  *time.Time
	OrderIndex   int
	SwipeGroup   int
	Scanned      bool
}

// ResearchSlot mirrors the single evolution_slot row of an emulator.
type ResearchSlot struct {
	EmulatorID int
	IsBusy     bool
	TechID     *int64
	FinishTime *time.Time
}

// RefillRecord tracks a periodic-resource feature (ponds). LastRefill nil
// means the feature has never run on this emulator.
type RefillRecord struct {
	EmulatorID    int
	LastRefill    *time.Time
	ResourceLevel int
}

// InitState is the resumable first-run bootstrap flag pair for one
// (emulator, feature).
type InitState struct {
	EmulatorID          int
	Feature             string
	RecordsCreated      bool
	InitialScanComplete bool
}

// TechCandidate is the result of NextTechToResearch. NeedsSectionScan is set
// when the tech's section is deferred and has never been scanned, meaning
// the worker must scan the section before starting the research.
type TechCandidate struct {
	Record           *TechRecord
	NeedsSectionScan bool
}
