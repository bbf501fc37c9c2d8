package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  max_concurrent: 2\n"), 0644))

	reloaded := make(chan *GUIConfig, 4)
	w, err := NewWatcher(path, func(cfg *GUIConfig) {
		reloaded <- cfg
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Give the watcher a moment to register, then rewrite the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  max_concurrent: 7\n"), 0644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 7, cfg.Settings.MaxConcurrent)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired for config write")
	}
}

// A burst of rapid rewrites must deliver the last written content, not
// whatever the file held when the first event arrived.
func TestWatcherDeliversFinalWriteOfBurst(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  max_concurrent: 1\n"), 0644))

	reloaded := make(chan *GUIConfig, 8)
	w, err := NewWatcher(path, func(cfg *GUIConfig) {
		reloaded <- cfg
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	for i := 2; i <= 4; i++ {
		require.NoError(t, os.WriteFile(path,
			[]byte("settings:\n  max_concurrent: "+string(rune('0'+i))+"\n"), 0644))
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, os.WriteFile(path, []byte("settings:\n  max_concurrent: 9\n"), 0644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 9, cfg.Settings.MaxConcurrent)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired for config burst")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))

	reloaded := make(chan *GUIConfig, 1)
	w, err := NewWatcher(path, func(cfg *GUIConfig) {
		reloaded <- cfg
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("watcher fired for unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
