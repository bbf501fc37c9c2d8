package game

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"emufleet/internal/emulator"
	"emufleet/internal/feature"
)

type fakeRunner struct {
	outputs map[string]string
	calls   []string
}

func (f *fakeRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	if out, ok := f.outputs[key]; ok {
		return []byte(out), nil
	}
	return nil, errors.New("unexpected command: " + key)
}

func TestExecMatcherProbe(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"matcher probe --device emulator-5554 --marker world_map":      "true\n",
		"matcher probe --device emulator-5554 --marker loading_screen": "false\n",
	}}
	m := NewExecMatcher("matcher", run)

	visible, err := m.Probe(context.Background(), "emulator-5554", "world_map")
	if err != nil || !visible {
		t.Errorf("world_map probe = %v err=%v, want true", visible, err)
	}
	visible, err = m.Probe(context.Background(), "emulator-5554", "loading_screen")
	if err != nil || visible {
		t.Errorf("loading_screen probe = %v err=%v, want false", visible, err)
	}
}

func TestExecMatcherReadNumber(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"matcher read --device d --field building_level --name Ферма --index 2": "7\n",
	}}
	m := NewExecMatcher("matcher", run)

	n, err := m.ReadNumber(context.Background(), "d", "building_level", "--name", "Ферма", "--index", "2")
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("level = %d, want 7", n)
	}
}

func TestExecMatcherReadSection(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"matcher read-section --device d --section Экономика": "Урожай=3\nРыбалка=1\n\nmalformed line\n",
	}}
	m := NewExecMatcher("matcher", run)

	levels, err := m.ReadSection(context.Background(), "d", "Экономика")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"Урожай": 3, "Рыбалка": 1}
	if diff := cmp.Diff(want, levels); diff != "" {
		t.Errorf("section levels mismatch (-want +got):\n%s", diff)
	}
}

func TestExecMatcherActVerdicts(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"matcher act --device d --action upgrade_building --name Ферма --index 1": "3600\n",
		"matcher act --device d --action research_tech --name Заточка":            "out_of_resources\n",
		"matcher act --device d --action refill_ponds":                            "refused: ponds busy\n",
	}}
	m := NewExecMatcher("matcher", run)
	ctx := context.Background()

	d, err := m.Act(ctx, "d", "upgrade_building", "--name", "Ферма", "--index", "1")
	if err != nil {
		t.Fatal(err)
	}
	if d != time.Hour {
		t.Errorf("timer = %v, want 1h", d)
	}

	_, err = m.Act(ctx, "d", "research_tech", "--name", "Заточка")
	if !errors.Is(err, feature.ErrOutOfResources) {
		t.Errorf("expected out-of-resources, got %v", err)
	}

	_, err = m.Act(ctx, "d", "refill_ponds")
	if !errors.Is(err, ErrActionRefused) {
		t.Errorf("expected refusal, got %v", err)
	}
}

func TestSessionProbesAndInput(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"matcher probe --device emulator-5554 --marker exit_dialog":     "true\n",
		"adb -s emulator-5554 shell input keyevent 4":                   "",
		"adb -s emulator-5554 shell am start -n com.game/.MainActivity": "",
	}}
	factory := NewFactory(emulator.NewADB("adb", run), NewExecMatcher("matcher", run),
		"com.game", ".MainActivity")

	sess, err := factory.New(context.Background(), 1, "emulator-5554")
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.LaunchGame(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.PressEsc(context.Background()); err != nil {
		t.Fatal(err)
	}
	visible, err := sess.ExitDialogVisible(context.Background())
	if err != nil || !visible {
		t.Errorf("exit dialog = %v err=%v, want true", visible, err)
	}
}

func TestSessionDrivers(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"matcher read --device d --field builder_count":                      "4\n",
		"matcher act --device d --action construct_building --name Госпиталь": "1800\n",
		"matcher act --device d --action refill_ponds":                        "0\n",
		"matcher read --device d --field pond_level":                          "3\n",
	}}
	factory := NewFactory(emulator.NewADB("adb", run), NewExecMatcher("matcher", run),
		"com.game", ".MainActivity")
	sess, err := factory.New(context.Background(), 1, "d")
	if err != nil {
		t.Fatal(err)
	}
	drivers := sess.Drivers()
	ctx := context.Background()

	n, err := drivers.Building.CountBuilders(ctx)
	if err != nil || n != 4 {
		t.Errorf("builders = %d err=%v, want 4", n, err)
	}
	d, err := drivers.Building.Construct(ctx, "Госпиталь")
	if err != nil || d != 30*time.Minute {
		t.Errorf("construct timer = %v err=%v, want 30m", d, err)
	}
	level, err := drivers.Ponds.Refill(ctx)
	if err != nil || level != 3 {
		t.Errorf("refill level = %d err=%v, want 3", level, err)
	}
}
