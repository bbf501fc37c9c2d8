package emulator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"emufleet/internal/logging"
)

// KeyBack is the Android back key, used as the ESC press everywhere in the
// UI reset protocol.
const KeyBack = 4

// ADB wraps the adb binary for one-shot input and query commands. Device
// addressing is resolved per call: LDPlayer instances usually answer as
// emulator-<port>, but some installs only expose 127.0.0.1:<port> after an
// explicit connect.
type ADB struct {
	path string
	run  Runner

	sleep func(time.Duration)
}

// NewADB wraps an adb binary path with the given runner.
func NewADB(path string, run Runner) *ADB {
	return &ADB{path: path, run: run, sleep: time.Sleep}
}

func deviceCandidates(port int) []string {
	return []string{
		fmt.Sprintf("emulator-%d", port),
		fmt.Sprintf("127.0.0.1:%d", port),
	}
}

// Connect resolves a usable device id for the ADB port, trying both address
// forms and falling back to `adb connect` for the TCP form.
func (a *ADB) Connect(ctx context.Context, port int) (string, error) {
	for _, dev := range deviceCandidates(port) {
		if a.deviceOnline(ctx, dev) {
			return dev, nil
		}
	}

	tcp := fmt.Sprintf("127.0.0.1:%d", port)
	if _, err := a.run.Output(ctx, a.path, "connect", tcp); err != nil {
		return "", fmt.Errorf("adb connect %s failed: %w", tcp, err)
	}
	if a.deviceOnline(ctx, tcp) {
		return tcp, nil
	}
	return "", fmt.Errorf("no device reachable on port %d", port)
}

func (a *ADB) deviceOnline(ctx context.Context, device string) bool {
	out, err := a.run.Output(ctx, a.path, "-s", device, "get-state")
	return err == nil && strings.TrimSpace(string(out)) == "device"
}

// WaitReady polls until the device is connected and Android reports boot
// completed, or the timeout elapses.
func (a *ADB) WaitReady(ctx context.Context, port int, timeout time.Duration) (string, error) {
	log := logging.Get(logging.CategoryADB)
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("device on port %d not ready after %s", port, timeout)
		}

		dev, err := a.Connect(ctx, port)
		if err == nil {
			out, err := a.run.Output(ctx, a.path, "-s", dev, "shell", "getprop", "sys.boot_completed")
			if err == nil && strings.TrimSpace(string(out)) == "1" {
				log.Info("device %s ready", dev)
				return dev, nil
			}
		}
		a.sleep(2 * time.Second)
	}
}

// Tap sends a single screen tap.
func (a *ADB) Tap(ctx context.Context, device string, x, y int) error {
	_, err := a.run.Output(ctx, a.path, "-s", device, "shell", "input", "tap",
		strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// Swipe drags from (x1,y1) to (x2,y2) over the given duration.
func (a *ADB) Swipe(ctx context.Context, device string, x1, y1, x2, y2 int, d time.Duration) error {
	_, err := a.run.Output(ctx, a.path, "-s", device, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(int(d.Milliseconds())))
	return err
}

// KeyEvent sends an Android key code.
func (a *ADB) KeyEvent(ctx context.Context, device string, code int) error {
	_, err := a.run.Output(ctx, a.path, "-s", device, "shell", "input", "keyevent",
		strconv.Itoa(code))
	return err
}

// Screencap captures the screen as PNG bytes.
func (a *ADB) Screencap(ctx context.Context, device string) ([]byte, error) {
	out, err := a.run.Output(ctx, a.path, "-s", device, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("screencap failed: %w", err)
	}
	return out, nil
}

// StartActivity launches an app activity via the activity manager.
func (a *ADB) StartActivity(ctx context.Context, device, pkg, activity string) error {
	logging.Get(logging.CategoryADB).Info("start activity %s/%s on %s", pkg, activity, device)
	_, err := a.run.Output(ctx, a.path, "-s", device, "shell", "am", "start", "-n",
		pkg+"/"+activity)
	return err
}
