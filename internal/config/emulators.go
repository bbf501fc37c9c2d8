package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Emulator describes one LDPlayer instance. The list file is autogenerated by
// the scan command from `ldconsole list2` output and is not mutated at
// runtime.
type Emulator struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

// EmulatorList is the on-disk shape of the emulator list file.
type EmulatorList struct {
	Emulators []Emulator `yaml:"emulators"`
}

// ADBPortForIndex returns the ADB console port for an emulator index.
// LDPlayer assigns ports as 5554 + 2*index.
func ADBPortForIndex(id int) int {
	return 5554 + 2*id
}

// LoadEmulatorList reads the emulator list file.
func LoadEmulatorList(path string) (*EmulatorList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &EmulatorList{}, nil
		}
		return nil, fmt.Errorf("failed to read emulator list: %w", err)
	}

	var list EmulatorList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse emulator list %s: %w", path, err)
	}

	// Backfill ports for hand-edited entries.
	for i := range list.Emulators {
		if list.Emulators[i].Port == 0 {
			list.Emulators[i].Port = ADBPortForIndex(list.Emulators[i].ID)
		}
	}
	return &list, nil
}

// SaveEmulatorList writes the emulator list file, sorted by id.
func SaveEmulatorList(path string, list *EmulatorList) error {
	sort.Slice(list.Emulators, func(i, j int) bool {
		return list.Emulators[i].ID < list.Emulators[j].ID
	})
	data, err := yaml.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal emulator list: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ByID returns the emulator with the given id, or nil.
func (l *EmulatorList) ByID(id int) *Emulator {
	for i := range l.Emulators {
		if l.Emulators[i].ID == id {
			return &l.Emulators[i]
		}
	}
	return nil
}
