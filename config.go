// Package foundry is an agent-orchestrated SCRUM execution engine. It plans
// prioritized backlogs into sprints and drives implementation through
// specialized agents, one task at a time, each in an isolated git worktree.
package foundry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/arctek/foundry/internal/errs"
)

// StateDirName is the project state root.
const StateDirName = ".foundry"

// Config is the project configuration, persisted as JSON under the state
// root. Missing keys keep their defaults on load.
type Config struct {
	Project   ProjectConfig  `json:"project"`
	Scrum     ScrumConfig    `json:"scrum"`
	Agents    AgentsConfig   `json:"agents"`
	Worktrees WorktreeConfig `json:"worktrees"`
	PR        PRConfig       `json:"pr"`
	Timeouts  TimeoutConfig  `json:"timeouts"`
}

type ProjectConfig struct {
	Name   string `json:"name"`
	Abbrev string `json:"abbrev"` // 4-letter uppercase, derived from name if absent
}

type ScrumConfig struct {
	VelocityTarget            int  `json:"velocityTarget"`
	DefaultSprintDurationDays int  `json:"defaultSprintDurationDays"`
	StrictMode                bool `json:"strictMode"`
	TestCoverageRequired      int  `json:"testCoverageRequired"`
}

type AgentsConfig struct {
	AllowDynamicCreation bool `json:"allowDynamicCreation"`
	// Command is the agent tool argv invoked inside each worktree.
	Command []string `json:"command"`
}

type WorktreeConfig struct {
	Root string `json:"root"`
}

type PRConfig struct {
	Tool       string `json:"tool"`
	BaseBranch string `json:"baseBranch"`
}

// TimeoutConfig holds subprocess wall-clock limits in seconds.
type TimeoutConfig struct {
	TestSeconds     int `json:"testSeconds"`
	CoverageSeconds int `json:"coverageSeconds"`
	GitSeconds      int `json:"gitSeconds"`
	PRSeconds       int `json:"prSeconds"`
}

// DefaultConfig returns the stock configuration for a project name.
func DefaultConfig(projectName string) Config {
	return Config{
		Project: ProjectConfig{
			Name:   projectName,
			Abbrev: DeriveAbbrev(projectName),
		},
		Scrum: ScrumConfig{
			VelocityTarget:            20,
			DefaultSprintDurationDays: 14,
			StrictMode:                true,
			TestCoverageRequired:      100,
		},
		Agents: AgentsConfig{
			AllowDynamicCreation: true,
			Command:              []string{"foundry-agent"},
		},
		Worktrees: WorktreeConfig{
			Root: "trees",
		},
		PR: PRConfig{
			Tool:       "gh",
			BaseBranch: "main",
		},
		Timeouts: TimeoutConfig{
			TestSeconds:     600,
			CoverageSeconds: 300,
			GitSeconds:      120,
			PRSeconds:       60,
		},
	}
}

// DeriveAbbrev produces the 4-letter uppercase project abbreviation. Letters
// and digits of the name are kept; short names are padded with X.
func DeriveAbbrev(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
		if b.Len() >= 4 {
			break
		}
	}
	abbrev := b.String()
	for len(abbrev) < 4 {
		abbrev += "X"
	}
	return abbrev
}

// LoadConfig reads the config file at path, layering it over defaults so that
// missing keys keep their default values. A missing file returns defaults.
func LoadConfig(path, projectName string) (Config, error) {
	cfg := DefaultConfig(projectName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errs.Wrap(errs.KindIO, err, "failed to read config")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.KindSchema, err, "failed to parse config")
	}
	if cfg.Project.Abbrev == "" {
		cfg.Project.Abbrev = DeriveAbbrev(cfg.Project.Name)
	}
	return cfg, nil
}

// Save writes the config atomically.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to serialize config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to create config directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to write config")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to rename config")
	}
	return nil
}

// RunTimeouts converts the configured seconds into runner timeouts.
func (c Config) RunTimeouts() (test, coverage, git, pr time.Duration) {
	return time.Duration(c.Timeouts.TestSeconds) * time.Second,
		time.Duration(c.Timeouts.CoverageSeconds) * time.Second,
		time.Duration(c.Timeouts.GitSeconds) * time.Second,
		time.Duration(c.Timeouts.PRSeconds) * time.Second
}
