package emulator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"emufleet/internal/logging"
)

// ErrConsoleNotFound is returned when no ldconsole binary could be located.
var ErrConsoleNotFound = errors.New("emulator: ldconsole not found")

// consolePaths are the fixed install locations scanned during discovery, in
// preference order. The LDCONSOLE environment variable overrides them.
var consolePaths = []string{
	`C:\LDPlayer\LDPlayer9\ldconsole.exe`,
	`C:\LDPlayer\LDPlayer4.0\ldconsole.exe`,
	`C:\Program Files\LDPlayer\LDPlayer9\ldconsole.exe`,
	`D:\LDPlayer\LDPlayer9\ldconsole.exe`,
}

// FindConsole locates the ldconsole binary: env override, fixed paths, PATH.
func FindConsole() (string, error) {
	if p := os.Getenv("LDCONSOLE"); p != "" {
		return p, nil
	}
	for _, p := range consolePaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath("ldconsole"); err == nil {
		return p, nil
	}
	return "", ErrConsoleNotFound
}

// Instance is one row of `ldconsole list2`.
type Instance struct {
	Index   int
	Name    string
	Running bool
	PID     int
}

// Console drives emulator lifecycle through the ldconsole CLI.
type Console struct {
	path string
	run  Runner
}

// NewConsole wraps an ldconsole binary path with the given runner.
func NewConsole(path string, run Runner) *Console {
	return &Console{path: path, run: run}
}

// List2 lists all configured emulator instances.
//
// Output format is CSV: index,name,topWnd,bindWnd,androidStarted,pid,vboxPid
// with optional trailing resolution fields. Malformed lines are skipped.
func (c *Console) List2(ctx context.Context) ([]Instance, error) {
	out, err := c.run.Output(ctx, c.path, "list2")
	if err != nil {
		return nil, fmt.Errorf("list2 failed: %w", err)
	}

	var instances []Instance
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 6 {
			logging.Get(logging.CategoryConsole).Warn("skipping malformed list2 line: %q", line)
			continue
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		started, _ := strconv.Atoi(fields[4])
		pid, _ := strconv.Atoi(fields[5])
		instances = append(instances, Instance{
			Index:   index,
			Name:    fields[1],
			Running: started == 1,
			PID:     pid,
		})
	}
	return instances, nil
}

// Launch starts the emulator at the given index. Launching an already
// running instance is harmless.
func (c *Console) Launch(ctx context.Context, index int) error {
	logging.Get(logging.CategoryConsole).Info("launch index=%d", index)
	if _, err := c.run.Output(ctx, c.path, "launch", "--index", strconv.Itoa(index)); err != nil {
		return fmt.Errorf("launch index %d failed: %w", index, err)
	}
	return nil
}

// Quit stops the emulator at the given index.
func (c *Console) Quit(ctx context.Context, index int) error {
	logging.Get(logging.CategoryConsole).Info("quit index=%d", index)
	if _, err := c.run.Output(ctx, c.path, "quit", "--index", strconv.Itoa(index)); err != nil {
		return fmt.Errorf("quit index %d failed: %w", index, err)
	}
	return nil
}

// IsRunning reports whether the instance at the index has Android started.
func (c *Console) IsRunning(ctx context.Context, index int) (bool, error) {
	instances, err := c.List2(ctx)
	if err != nil {
		return false, err
	}
	for _, inst := range instances {
		if inst.Index == index {
			return inst.Running, nil
		}
	}
	return false, nil
}
