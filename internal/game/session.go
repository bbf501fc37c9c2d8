package game

import (
	"context"
	"strconv"
	"time"

	"emufleet/internal/emulator"
	"emufleet/internal/feature"
	"emufleet/internal/worker"
)

// Screen markers the load protocol and reset loop probe for.
const (
	markerLoadingScreen = "loading_screen"
	markerWorldMap      = "world_map"
	markerPopupClose    = "popup_close"
	markerExitDialog    = "exit_dialog"
)

// Session is a live game connection on one booted device. It satisfies
// worker.GameSession and carries the feature drivers.
type Session struct {
	emulatorID int
	device     string
	adb        *emulator.ADB
	match      Matcher

	pkg      string
	activity string
}

var _ worker.GameSession = (*Session)(nil)

// Factory builds sessions for booted devices.
type Factory struct {
	adb      *emulator.ADB
	match    Matcher
	pkg      string
	activity string
}

func NewFactory(adb *emulator.ADB, match Matcher, pkg, activity string) *Factory {
	return &Factory{adb: adb, match: match, pkg: pkg, activity: activity}
}

func (f *Factory) New(_ context.Context, emulatorID int, device string) (worker.GameSession, error) {
	return &Session{
		emulatorID: emulatorID,
		device:     device,
		adb:        f.adb,
		match:      f.match,
		pkg:        f.pkg,
		activity:   f.activity,
	}, nil
}

func (s *Session) LaunchGame(ctx context.Context) error {
	return s.adb.StartActivity(ctx, s.device, s.pkg, s.activity)
}

func (s *Session) LoadingScreenVisible(ctx context.Context) (bool, error) {
	return s.match.Probe(ctx, s.device, markerLoadingScreen)
}

func (s *Session) WorldMapVisible(ctx context.Context) (bool, error) {
	return s.match.Probe(ctx, s.device, markerWorldMap)
}

func (s *Session) PopupCloseVisible(ctx context.Context) (bool, error) {
	return s.match.Probe(ctx, s.device, markerPopupClose)
}

func (s *Session) ExitDialogVisible(ctx context.Context) (bool, error) {
	return s.match.Probe(ctx, s.device, markerExitDialog)
}

func (s *Session) PressEsc(ctx context.Context) error {
	return s.adb.KeyEvent(ctx, s.device, emulator.KeyBack)
}

// Drivers exposes the feature surfaces, all backed by this session.
func (s *Session) Drivers() feature.Drivers {
	return feature.Drivers{
		Building:  (*buildingDriver)(s),
		Evolution: (*evolutionDriver)(s),
		Ponds:     (*pondsDriver)(s),
	}
}

type buildingDriver Session

func (d *buildingDriver) CountBuilders(ctx context.Context) (int, error) {
	return d.match.ReadNumber(ctx, d.device, "builder_count")
}

func (d *buildingDriver) ScanLevel(ctx context.Context, name string, index int) (int, error) {
	return d.match.ReadNumber(ctx, d.device, "building_level",
		"--name", name, "--index", strconv.Itoa(index))
}

func (d *buildingDriver) Upgrade(ctx context.Context, name string, index int) (time.Duration, error) {
	return d.match.Act(ctx, d.device, "upgrade_building",
		"--name", name, "--index", strconv.Itoa(index))
}

func (d *buildingDriver) Construct(ctx context.Context, name string) (time.Duration, error) {
	return d.match.Act(ctx, d.device, "construct_building", "--name", name)
}

type evolutionDriver Session

func (d *evolutionDriver) ScanSection(ctx context.Context, section string) (map[string]int, error) {
	return d.match.ReadSection(ctx, d.device, section)
}

func (d *evolutionDriver) Research(ctx context.Context, name, section string) (time.Duration, error) {
	return d.match.Act(ctx, d.device, "research_tech",
		"--name", name, "--section", section)
}

type pondsDriver Session

func (d *pondsDriver) Refill(ctx context.Context) (int, error) {
	if _, err := d.match.Act(ctx, d.device, "refill_ponds"); err != nil {
		return 0, err
	}
	return d.match.ReadNumber(ctx, d.device, "pond_level")
}
