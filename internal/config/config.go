// Package config loads and persists the YAML configuration files of the
// fleet core: the GUI-facing settings file, the emulator list, the scheduler
// tunables and the per-feature upgrade/research plans.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"emufleet/internal/logging"
)

// GUIConfig holds the user-editable settings written by the GUI.
type GUIConfig struct {
	Emulators        EmulatorsSection          `yaml:"emulators"`
	Functions        map[string]bool           `yaml:"functions"`
	Settings         SettingsSection           `yaml:"settings"`
	Notifications    []NotificationRule        `yaml:"notifications,omitempty"`
	EmulatorSettings map[int]EmulatorOverrides `yaml:"emulator_settings,omitempty"`
}

// EmulatorsSection selects which emulators the scheduler may touch.
type EmulatorsSection struct {
	Enabled []int `yaml:"enabled"`
}

// SettingsSection holds global scheduler-facing settings.
type SettingsSection struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// NotificationRule is opaque to the core; it is parsed and round-tripped so
// GUI edits survive a core-side save.
type NotificationRule struct {
	Event   string `yaml:"event"`
	Channel string `yaml:"channel"`
	Enabled bool   `yaml:"enabled"`
}

// EmulatorOverrides carries per-emulator feature settings.
type EmulatorOverrides struct {
	Squads map[string]SquadSettings `yaml:"squads,omitempty"`
}

// SquadSettings configures one march squad slot.
type SquadSettings struct {
	Enabled   bool `yaml:"enabled"`
	WildLevel int  `yaml:"wild_level"`
}

// SchedulerConfig holds the scheduler loop tunables.
type SchedulerConfig struct {
	Scheduler SchedulerSection            `yaml:"scheduler"`
	Functions map[string]FunctionSettings `yaml:"functions_config,omitempty"`
}

// SchedulerSection mirrors the scheduler block of the config file.
type SchedulerSection struct {
	BatchWindowSeconds   int `yaml:"batch_window"`
	CheckIntervalSeconds int `yaml:"check_interval"`
}

// FunctionSettings holds per-feature tunables.
type FunctionSettings struct {
	FreezeHours int `yaml:"freeze_hours"`
}

// BatchWindow returns the event batching window as a duration.
func (c *SchedulerConfig) BatchWindow() time.Duration {
	return time.Duration(c.Scheduler.BatchWindowSeconds) * time.Second
}

// CheckInterval returns the scheduler poll interval as a duration.
func (c *SchedulerConfig) CheckInterval() time.Duration {
	return time.Duration(c.Scheduler.CheckIntervalSeconds) * time.Second
}

// FreezeHorizon returns the default freeze duration for a feature, falling
// back to 4 hours when the feature has no explicit setting.
func (c *SchedulerConfig) FreezeHorizon(feature string) time.Duration {
	if fs, ok := c.Functions[feature]; ok && fs.FreezeHours > 0 {
		return time.Duration(fs.FreezeHours) * time.Hour
	}
	return 4 * time.Hour
}

// DefaultGUIConfig returns the settings used when no file exists yet.
func DefaultGUIConfig() *GUIConfig {
	return &GUIConfig{
		Emulators: EmulatorsSection{Enabled: []int{}},
		Functions: map[string]bool{
			"building":  true,
			"evolution": true,
			"ponds":     true,
			"squads":    false,
		},
		Settings: SettingsSection{MaxConcurrent: 2},
	}
}

// DefaultSchedulerConfig returns the default loop tunables.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Scheduler: SchedulerSection{
			BatchWindowSeconds:   300,
			CheckIntervalSeconds: 60,
		},
	}
}

// Validate clamps obviously broken settings instead of failing: a bad config
// file must never stop the scheduler.
func (c *GUIConfig) Validate() {
	if c.Settings.MaxConcurrent < 1 {
		c.Settings.MaxConcurrent = 1
	}
	if c.Settings.MaxConcurrent > 20 {
		c.Settings.MaxConcurrent = 20
	}
	if c.Functions == nil {
		c.Functions = map[string]bool{}
	}
}

// LoadGUIConfig reads the GUI config file, returning defaults if it does not
// exist.
func LoadGUIConfig(path string) (*GUIConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Get(logging.CategoryConfig).Info("GUI config %s missing, using defaults", path)
			return DefaultGUIConfig(), nil
		}
		return nil, fmt.Errorf("failed to read gui config: %w", err)
	}

	cfg := DefaultGUIConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse gui config %s: %w", path, err)
	}
	cfg.Validate()
	return cfg, nil
}

// SaveGUIConfig writes the GUI config atomically (write temp, rename).
func SaveGUIConfig(path string, cfg *GUIConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal gui config: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadSchedulerConfig reads the scheduler config file, returning defaults if
// it does not exist.
func LoadSchedulerConfig(path string) (*SchedulerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSchedulerConfig(), nil
		}
		return nil, fmt.Errorf("failed to read scheduler config: %w", err)
	}

	cfg := DefaultSchedulerConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse scheduler config %s: %w", path, err)
	}
	if cfg.Scheduler.BatchWindowSeconds < 0 {
		cfg.Scheduler.BatchWindowSeconds = 0
	}
	if cfg.Scheduler.CheckIntervalSeconds < 1 {
		cfg.Scheduler.CheckIntervalSeconds = 60
	}
	return cfg, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
