package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuildingType distinguishes one-of-a-kind buildings from ones the base
// holds several copies of.
type BuildingType string

const (
	BuildingUnique   BuildingType = "unique"
	BuildingMultiple BuildingType = "multiple"
)

// BuildAction distinguishes placing a new building from upgrading one.
type BuildAction string

const (
	ActionUpgrade BuildAction = "upgrade"
	ActionBuild   BuildAction = "build"
)

// PlanEntry is one line of the building plan for a lord level. Declared
// order within a level is the selection priority.
type PlanEntry struct {
	Name        string       `yaml:"name"`
	Count       int          `yaml:"count"`
	TargetLevel int          `yaml:"target_level"`
	Type        BuildingType `yaml:"type"`
	Action      BuildAction  `yaml:"action"`
}

// BuildPlan maps lord level to the ordered building entries for that level.
type BuildPlan struct {
	Levels map[int][]PlanEntry
}

// TechEntry is one line of the evolution plan. File order across the whole
// plan defines research priority (order_index).
type TechEntry struct {
	Name        string `yaml:"name"`
	Section     string `yaml:"section"`
	TargetLevel int    `yaml:"target_level"`
	MaxLevel    int    `yaml:"max_level"`
	SwipeGroup  int    `yaml:"swipe_group"`
}

// SwipeSection positions a research section in the game UI.
type SwipeSection struct {
	Swipes   int  `yaml:"swipes"`
	Deferred bool `yaml:"deferred,omitempty"`
}

// TechPlan holds the evolution entries per lord level plus the UI swipe
// layout of each section.
type TechPlan struct {
	Levels map[int][]TechEntry
	Swipe  map[string]SwipeSection
}

const lordKeyPrefix = "lord_"

func parseLordKey(key string) (int, bool) {
	if !strings.HasPrefix(key, lordKeyPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(key, lordKeyPrefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// LoadBuildPlan reads the building plan file. The file maps lord_<N> keys to
// ordered building lists.
func LoadBuildPlan(path string) (*BuildPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read build plan: %w", err)
	}

	var raw map[string]struct {
		Buildings []PlanEntry `yaml:"buildings"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse build plan %s: %w", path, err)
	}

	plan := &BuildPlan{Levels: make(map[int][]PlanEntry)}
	for key, block := range raw {
		level, ok := parseLordKey(key)
		if !ok {
			return nil, fmt.Errorf("build plan %s: bad key %q (want lord_<N>)", path, key)
		}
		entries := block.Buildings
		for i := range entries {
			if entries[i].Count < 1 {
				entries[i].Count = 1
			}
			if entries[i].Type == "" {
				entries[i].Type = BuildingUnique
			}
			if entries[i].Action == "" {
				entries[i].Action = ActionUpgrade
			}
		}
		plan.Levels[level] = entries
	}
	return plan, nil
}

// Entries returns the plan entries for a lord level in declared order.
func (p *BuildPlan) Entries(lordLevel int) []PlanEntry {
	return p.Levels[lordLevel]
}

// MaxLordLevel returns the highest lord level the plan covers.
func (p *BuildPlan) MaxLordLevel() int {
	max := 0
	for level := range p.Levels {
		if level > max {
			max = level
		}
	}
	return max
}

// AllEntries returns every entry across all lord levels, ordered by lord
// level then declared order. Used by the store to seed building records.
func (p *BuildPlan) AllEntries() []PlanEntry {
	levels := make([]int, 0, len(p.Levels))
	for level := range p.Levels {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	var out []PlanEntry
	for _, level := range levels {
		out = append(out, p.Levels[level]...)
	}
	return out
}

// LoadTechPlan reads the evolution plan file. Alongside the lord_<N> blocks
// the file carries a swipe_config block describing the UI position of each
// research section.
func LoadTechPlan(path string) (*TechPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tech plan: %w", err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tech plan %s: %w", path, err)
	}

	plan := &TechPlan{
		Levels: make(map[int][]TechEntry),
		Swipe:  make(map[string]SwipeSection),
	}

	for key, node := range raw {
		if key == "swipe_config" {
			if err := node.Decode(&plan.Swipe); err != nil {
				return nil, fmt.Errorf("tech plan %s: bad swipe_config: %w", path, err)
			}
			continue
		}
		level, ok := parseLordKey(key)
		if !ok {
			return nil, fmt.Errorf("tech plan %s: bad key %q (want lord_<N> or swipe_config)", path, key)
		}
		var block struct {
			Techs []TechEntry `yaml:"techs"`
		}
		if err := node.Decode(&block); err != nil {
			return nil, fmt.Errorf("tech plan %s: bad block %q: %w", path, key, err)
		}
		plan.Levels[level] = block.Techs
	}
	return plan, nil
}

// OrderedTechs returns all tech entries with their lord level, in research
// priority order: ascending lord level, then file order. The position in
// this slice is the tech's order_index.
func (p *TechPlan) OrderedTechs() []struct {
	LordLevel int
	Entry     TechEntry
} {
	levels := make([]int, 0, len(p.Levels))
	for level := range p.Levels {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	var out []struct {
		LordLevel int
		Entry     TechEntry
	}
	for _, level := range levels {
		for _, e := range p.Levels[level] {
			out = append(out, struct {
				LordLevel int
				Entry     TechEntry
			}{level, e})
		}
	}
	return out
}

// DeferredSections returns the set of sections whose swipe config marks them
// deferred (scanned lazily the first time a tech in the section is wanted).
func (p *TechPlan) DeferredSections() map[string]bool {
	out := make(map[string]bool)
	for name, sec := range p.Swipe {
		if sec.Deferred {
			out[name] = true
		}
	}
	return out
}
