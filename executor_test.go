package foundry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/foundry/agents"
	"github.com/arctek/foundry/git"
	"github.com/arctek/foundry/internal/run"
	"github.com/arctek/foundry/scrum"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, argv := range [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "dev@example.com"},
		{"git", "config", "user.name", "dev"},
	} {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v: %s", argv, out)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644))
	for _, argv := range [][]string{
		{"git", "add", "-A"},
		{"git", "commit", "-m", "initial"},
	} {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v: %s", argv, out)
	}
	return dir
}

func newTestWorktrees(t *testing.T, repo string) *git.Manager {
	t.Helper()
	m := git.NewManager(git.Options{
		RepoRoot:     repo,
		Abbrev:       "PROJ",
		MetadataPath: filepath.Join(repo, ".state", "worktrees.json"),
	}, run.NewRunner(run.DefaultTimeouts(), nil, testLogger()), testLogger())
	require.NoError(t, m.Load())
	require.NoError(t, m.EnsureTreesRoot())
	return m
}

// fakeSpawner simulates the agent tool by writing a Makefile into the
// worktree: scaffolding leaves the tests red, implementing turns them green
// unless the task is marked as failing.
type fakeSpawner struct {
	mu        sync.Mutex
	calls     []SpawnRequest
	failTasks map[string]bool
	coverage  map[string]string      // task ID -> coverage line
	onSpawn   func(req SpawnRequest) // observation hook, runs on every call
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		failTasks: make(map[string]bool),
		coverage:  make(map[string]string),
	}
}

func (s *fakeSpawner) Spawn(ctx context.Context, req SpawnRequest) error {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.onSpawn != nil {
		s.onSpawn(req)
	}

	covLine := s.coverage[req.Task.ID]
	if covLine == "" {
		covLine = "coverage: 92.0%"
	}
	switch req.Mode {
	case SpawnScaffoldTests:
		return writeMakefile(req.Dir, false, covLine)
	case SpawnImplement:
		if s.failTasks[req.Task.ID] {
			return nil // tests stay red
		}
		return writeMakefile(req.Dir, true, covLine)
	}
	return nil
}

func (s *fakeSpawner) modes(taskID string) []SpawnMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	var modes []SpawnMode
	for _, c := range s.calls {
		if c.Task.ID == taskID {
			modes = append(modes, c.Mode)
		}
	}
	return modes
}

func writeMakefile(dir string, pass bool, covLine string) error {
	exit := "1"
	if pass {
		exit = "0"
	}
	content := fmt.Sprintf("test:\n\t@exit %s\n\ncoverage:\n\t@echo \"%s\"\n", exit, covLine)
	return os.WriteFile(filepath.Join(dir, "Makefile"), []byte(content), 0644)
}

type executorEnv struct {
	repo      string
	worktrees *git.Manager
	spawner   *fakeSpawner
	bus       *Bus
	events    *[]Event
	executor  *Executor
	agent     agents.Descriptor
}

func newExecutorEnv(t *testing.T, coverageRequired int) *executorEnv {
	t.Helper()
	repo := initRepo(t)
	worktrees := newTestWorktrees(t, repo)
	spawner := newFakeSpawner()
	bus := NewBus()
	var events []Event
	bus.Subscribe(func(e Event) { events = append(events, e) })
	runner := run.NewRunner(run.DefaultTimeouts(), nil, testLogger())
	return &executorEnv{
		repo:      repo,
		worktrees: worktrees,
		spawner:   spawner,
		bus:       bus,
		events:    &events,
		executor:  NewExecutor(runner, worktrees, spawner, bus, nil, coverageRequired, testLogger()),
		agent:     agents.Descriptor{Name: "go", DisplayName: "Go Engineer", Emoji: "🔷"},
	}
}

func (env *executorEnv) createWorktree(t *testing.T, taskID string) {
	t.Helper()
	branch, err := env.worktrees.NextBranch("task")
	require.NoError(t, err)
	_, err = env.worktrees.Create(context.Background(), taskID, env.agent.Name, branch)
	require.NoError(t, err)
}

func (env *executorEnv) phases() []string {
	var phases []string
	for _, e := range *env.events {
		if e.Type == EventPhaseChanged {
			phases = append(phases, e.Phase)
		}
	}
	return phases
}

func TestExecuteHappyPath(t *testing.T) {
	env := newExecutorEnv(t, 80)
	task := &scrum.Task{ID: "TASK-1", Title: "Add widget store"}
	env.createWorktree(t, "TASK-1")

	result := env.executor.Execute(context.Background(), "SPRINT-1", task, env.agent)

	require.Equal(t, OutcomeCompleted, result.Status)
	assert.InDelta(t, 92.0, result.CoveragePercent, 0.01)
	assert.Contains(t, result.Artifacts, "Makefile")

	assert.Equal(t, []SpawnMode{SpawnScaffoldTests, SpawnImplement}, env.spawner.modes("TASK-1"))
	assert.Equal(t, []string{"Working", "Testing", "Coverage", "Completed"}, env.phases())

	// The work was committed with the task tag.
	log := exec.Command("git", "log", "-1", "--format=%s")
	rec, _ := env.worktrees.Get("TASK-1")
	log.Dir = rec.Path
	out, err := log.CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "[TASK-1] Add widget store")
}

func TestExecuteCoverageGate(t *testing.T) {
	env := newExecutorEnv(t, 100)
	task := &scrum.Task{ID: "TASK-1", Title: "Add widget store"}
	env.createWorktree(t, "TASK-1")
	env.spawner.coverage["TASK-1"] = "coverage: 83.0%"

	result := env.executor.Execute(context.Background(), "SPRINT-1", task, env.agent)

	require.Equal(t, OutcomeBlocked, result.Status)
	assert.Equal(t, BlockReasonCoverage, result.BlockReason)
	assert.InDelta(t, 83.0, result.CoveragePercent, 0.01)
	assert.Contains(t, result.Summary, "below required 100%")
}

func TestExecuteFailingTests(t *testing.T) {
	env := newExecutorEnv(t, 80)
	task := &scrum.Task{ID: "TASK-1", Title: "Add widget store"}
	env.createWorktree(t, "TASK-1")
	env.spawner.failTasks["TASK-1"] = true

	result := env.executor.Execute(context.Background(), "SPRINT-1", task, env.agent)

	require.Equal(t, OutcomeFailed, result.Status)
	assert.Contains(t, result.Summary, "tests failed")
	assert.Contains(t, env.phases(), "Failed")
}

func TestExecuteWithoutWorktree(t *testing.T) {
	env := newExecutorEnv(t, 80)
	task := &scrum.Task{ID: "TASK-404", Title: "No tree"}

	result := env.executor.Execute(context.Background(), "SPRINT-1", task, env.agent)
	require.Equal(t, OutcomeFailed, result.Status)
	assert.Contains(t, result.Summary, "no worktree")
}

func TestExecuteHonorsCancellation(t *testing.T) {
	env := newExecutorEnv(t, 80)
	task := &scrum.Task{ID: "TASK-1", Title: "Add widget store"}
	env.createWorktree(t, "TASK-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := env.executor.Execute(ctx, "SPRINT-1", task, env.agent)

	require.Equal(t, OutcomeBlocked, result.Status)
	assert.Equal(t, BlockReasonCancelled, result.BlockReason)
}

func TestParseCoverage(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"coverage: 87.5% of statements", 87.5, true},
		{"lines 10%\ntotal 55%", 55, true},
		{"no percentages here", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := parseCoverage(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		assert.InDelta(t, c.want, got, 0.01, c.in)
	}
}

func TestArgvSelection(t *testing.T) {
	assert.Equal(t, []string{"go", "test", "./..."}, testArgv(agents.Descriptor{TestFramework: "go test"}))
	assert.Equal(t, []string{"pytest"}, testArgv(agents.Descriptor{TestFramework: "pytest"}))
	assert.Equal(t, []string{"make", "test"}, testArgv(agents.Descriptor{}))
	assert.Equal(t, []string{"pytest", "--cov"}, coverageArgv(agents.Descriptor{TestFramework: "pytest"}))
	assert.Equal(t, []string{"make", "coverage"}, coverageArgv(agents.Descriptor{}))
}
