// Package emulator wraps the two external process surfaces the fleet talks
// to: the LDPlayer console (ldconsole) for lifecycle control and adb for
// device input. Both wrappers run behind a Runner so callers can test with
// fakes.
package emulator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

// ExecRunner returns a Runner backed by os/exec.
func ExecRunner() Runner { return execRunner{} }

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, trimmed)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}
