package foundry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/foundry/internal/errs"
)

func TestDeriveAbbrev(t *testing.T) {
	cases := map[string]string{
		"factory":    "FACT",
		"go":         "GOXX",
		"My App 2":   "MYAP",
		"x":          "XXXX",
		"":           "XXXX",
		"a-b-c-d-e":  "ABCD",
		"123project": "123P",
	}
	for name, want := range cases {
		assert.Equal(t, want, DeriveAbbrev(name), name)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"), "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, "DEMO", cfg.Project.Abbrev)
	assert.Equal(t, 20, cfg.Scrum.VelocityTarget)
	assert.True(t, cfg.Scrum.StrictMode)
}

func TestLoadConfigLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"scrum": {"velocityTarget": 8}, "project": {"name": "widget"}}`), 0644))

	cfg, err := LoadConfig(path, "ignored")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scrum.VelocityTarget)
	assert.Equal(t, "widget", cfg.Project.Name)
	assert.Equal(t, "WIDG", cfg.Project.Abbrev) // derived when absent
	// Untouched sections keep defaults.
	assert.Equal(t, "gh", cfg.PR.Tool)
	assert.Equal(t, 600, cfg.Timeouts.TestSeconds)
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0644))

	_, err := LoadConfig(path, "demo")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindSchema))
}

func TestConfigSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig("demo")
	cfg.Scrum.TestCoverageRequired = 85
	require.NoError(t, cfg.Save(path))

	got, err := LoadConfig(path, "other")
	require.NoError(t, err)
	assert.Equal(t, 85, got.Scrum.TestCoverageRequired)
	assert.Equal(t, "demo", got.Project.Name)
}

func TestRunTimeouts(t *testing.T) {
	cfg := DefaultConfig("demo")
	test, coverage, gitTO, pr := cfg.RunTimeouts()
	assert.Equal(t, 600*time.Second, test)
	assert.Equal(t, 300*time.Second, coverage)
	assert.Equal(t, 120*time.Second, gitTO)
	assert.Equal(t, 60*time.Second, pr)
}
