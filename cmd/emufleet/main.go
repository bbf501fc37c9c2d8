package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"emufleet/internal/config"
	"emufleet/internal/emulator"
	"emufleet/internal/feature"
	"emufleet/internal/freeze"
	"emufleet/internal/game"
	"emufleet/internal/logging"
	"emufleet/internal/recovery"
	"emufleet/internal/scheduler"
	"emufleet/internal/server"
	"emufleet/internal/store"
	"emufleet/internal/worker"
)

var (
	// Global flags
	dataDir   string
	configDir string
	debug     bool
	listen    string

	adbPath     string
	matcherPath string
	gamePkg     string
	gameAct     string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "emufleet",
	Short: "emufleet - emulator fleet automation core",
	Long: `emufleet schedules and services a fleet of LDPlayer instances running
the game client: it decides when each emulator needs attention from persisted
construction, research and refill state, boots up to K emulators in parallel
and drives each through the enabled feature chain.

The GUI is a separate process consuming the snapshot endpoint.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if debug {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler loop until interrupted",
	RunE:  runFleet,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Regenerate the emulator list from ldconsole list2",
	RunE:  scanEmulators,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current scheduler snapshot from a running instance",
	RunE:  printStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "database and log directory")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "configuration directory")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&listen, "listen", "127.0.0.1:8089", "snapshot server address")

	runCmd.Flags().StringVar(&adbPath, "adb", "adb", "adb binary path")
	runCmd.Flags().StringVar(&matcherPath, "matcher", "matcher", "vision matcher helper path")
	runCmd.Flags().StringVar(&gamePkg, "game-package", "com.game.client", "game package name")
	runCmd.Flags().StringVar(&gameAct, "game-activity", ".MainActivity", "game activity name")

	rootCmd.AddCommand(runCmd, scanCmd, statusCmd)
}

func configPath(name string) string { return filepath.Join(configDir, name) }

func runFleet(cmd *cobra.Command, args []string) error {
	guiCfg, err := config.LoadGUIConfig(configPath("gui_config.yaml"))
	if err != nil {
		return fmt.Errorf("gui config: %w", err)
	}
	schedCfg, err := config.LoadSchedulerConfig(configPath("scheduler.yaml"))
	if err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}
	emulators, err := config.LoadEmulatorList(configPath("emulators.yaml"))
	if err != nil {
		return fmt.Errorf("emulator list: %w", err)
	}
	buildPlan, err := config.LoadBuildPlan(configPath("build_plan.yaml"))
	if err != nil {
		return fmt.Errorf("build plan: %w", err)
	}
	techPlan, err := config.LoadTechPlan(configPath("tech_plan.yaml"))
	if err != nil {
		return fmt.Errorf("tech plan: %w", err)
	}

	logOpts := logging.Options{DebugMode: debug}
	if debug {
		logOpts.Level = "debug"
	}
	if err := logging.Initialize(dataDir, logOpts); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logging.CloseAll()

	st, err := store.New(filepath.Join(dataDir, "emufleet.db"), buildPlan, techPlan)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	freezes := freeze.NewRegistry(st)
	if err := freezes.RestoreFromMirror(); err != nil {
		logger.Warn("freeze restore failed", zap.Error(err))
	}

	consolePath, err := emulator.FindConsole()
	if err != nil {
		return err
	}
	runner := emulator.ExecRunner()
	console := emulator.NewConsole(consolePath, runner)
	adb := emulator.NewADB(adbPath, runner)

	matcher := game.NewExecMatcher(matcherPath, runner)
	sessions := game.NewFactory(adb, matcher, gamePkg, gameAct)

	restarts := recovery.NewRequestQueue()
	horizon := schedCfg.FreezeHorizon
	features := featureSet(st, freezes, horizon, guiCfg)

	w := worker.New(console, adb, sessions, freezes, restarts, horizon)

	// The scheduler re-reads settings every iteration; the watcher just keeps
	// the shared pointer fresh between iterations.
	var liveCfg atomic.Pointer[config.GUIConfig]
	liveCfg.Store(guiCfg)
	watcher, err := config.NewWatcher(configPath("gui_config.yaml"), func(updated *config.GUIConfig) {
		liveCfg.Store(updated)
	})
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(cmd.Context()); err != nil {
			logger.Warn("config watcher start failed", zap.Error(err))
		}
		defer watcher.Stop()
	}

	settings := func() scheduler.Settings {
		current := liveCfg.Load()
		enabled := map[int]bool{}
		for _, id := range current.Emulators.Enabled {
			enabled[id] = true
		}
		var emus []config.Emulator
		for _, emu := range emulators.Emulators {
			if enabled[emu.ID] {
				emus = append(emus, emu)
			}
		}
		return scheduler.Settings{
			Emulators:     emus,
			Functions:     current.Functions,
			MaxConcurrent: current.Settings.MaxConcurrent,
		}
	}

	sched := scheduler.New(settings, features, w, restarts, schedCfg)

	srv := server.New(listen, sched)
	sched.OnSnapshot(srv.Publish)
	srv.Start()

	if err := sched.Start(cmd.Context()); err != nil {
		return err
	}
	logger.Info("fleet running",
		zap.Int("emulators", len(emulators.Emulators)),
		zap.String("listen", listen))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	return nil
}

// featureSet wires every known feature module.
func featureSet(st *store.Store, freezes *freeze.Registry,
	horizon func(string) time.Duration, guiCfg *config.GUIConfig) []feature.Feature {
	return []feature.Feature{
		feature.NewPonds(st, freezes, horizon),
		feature.NewSquads(guiCfg.EmulatorSettings),
		feature.NewBuilding(st, freezes, horizon),
		feature.NewEvolution(st, freezes, horizon),
	}
}

func scanEmulators(cmd *cobra.Command, args []string) error {
	consolePath, err := emulator.FindConsole()
	if err != nil {
		return err
	}
	console := emulator.NewConsole(consolePath, emulator.ExecRunner())

	instances, err := console.List2(cmd.Context())
	if err != nil {
		return err
	}

	list := &config.EmulatorList{}
	for _, inst := range instances {
		list.Emulators = append(list.Emulators, config.Emulator{
			ID:   inst.Index,
			Name: inst.Name,
			Port: config.ADBPortForIndex(inst.Index),
		})
	}

	path := configPath("emulators.yaml")
	if err := config.SaveEmulatorList(path, list); err != nil {
		return err
	}
	fmt.Printf("wrote %d emulators to %s\n", len(list.Emulators), path)
	return nil
}

func printStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get("http://" + listen + "/api/snapshot")
	if err != nil {
		return fmt.Errorf("is the fleet running? %w", err)
	}
	defer resp.Body.Close()

	var snap scheduler.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return err
	}

	fmt.Printf("updated: %s\n", snap.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("active (%d):\n", len(snap.Active))
	for _, a := range snap.Active {
		fmt.Printf("  %d %s since %s\n", a.EmulatorID, a.Name, a.StartedAt.Format("15:04:05"))
	}
	fmt.Printf("queue (%d):\n", len(snap.Queue))
	for _, q := range snap.Queue {
		fmt.Printf("  %d %s [%s] wait=%dm reasons=%v\n",
			q.EmulatorID, q.Name, q.Status, q.WaitMinutes, q.Reasons)
	}
	fmt.Printf("idle: %d of %d enabled\n", snap.IdleCount, snap.TotalEnabled)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
