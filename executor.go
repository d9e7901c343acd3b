package foundry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/arctek/foundry/agents"
	"github.com/arctek/foundry/git"
	"github.com/arctek/foundry/internal/errs"
	"github.com/arctek/foundry/internal/run"
	"github.com/arctek/foundry/scrum"
)

// Phase names the executor's observable stages.
type Phase string

const (
	PhaseWorking   Phase = "Working"
	PhaseTesting   Phase = "Testing"
	PhaseCoverage  Phase = "Coverage"
	PhaseCompleted Phase = "Completed"
	PhaseFailed    Phase = "Failed"
)

// TaskOutcome is the terminal status of one task execution.
type TaskOutcome string

const (
	OutcomeCompleted TaskOutcome = "Completed"
	OutcomeFailed    TaskOutcome = "Failed"
	OutcomeBlocked   TaskOutcome = "Blocked"
)

// Block reasons reported on OutcomeBlocked.
const (
	BlockReasonCoverage  = "coverage"
	BlockReasonTimeout   = "timeout"
	BlockReasonCancelled = "cancelled"
)

// TaskResult is what one task execution produced.
type TaskResult struct {
	Status          TaskOutcome `json:"status"`
	Summary         string      `json:"summary"`
	CoveragePercent float64     `json:"coveragePercent"`
	Artifacts       []string    `json:"artifacts,omitempty"`
	PRURL           string      `json:"prUrl,omitempty"`
	BlockReason     string      `json:"blockReason,omitempty"`
}

// SpawnMode tells the agent tool what to do in the worktree.
type SpawnMode string

const (
	SpawnScaffoldTests SpawnMode = "scaffold-tests"
	SpawnImplement     SpawnMode = "implement"
)

// SpawnRequest asks the agent tool to author code in a worktree.
type SpawnRequest struct {
	Task  *scrum.Task
	Agent agents.Descriptor
	Dir   string
	Mode  SpawnMode
}

// Spawner runs the external agent tool that authors tests and implementation.
// The executor itself never writes code.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) error
}

// ExecSpawner invokes a configured agent command, passing the mode, task ID,
// and agent name as arguments. The command runs inside the worktree under the
// test timeout class.
type ExecSpawner struct {
	Command []string
	Runner  *run.Runner
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) error {
	if len(s.Command) == 0 {
		return errs.New(errs.KindValidation, "no agent command configured")
	}
	args := append(append([]string(nil), s.Command[1:]...),
		"--mode", string(req.Mode), "--task", req.Task.ID, "--agent", req.Agent.Name)
	res, err := s.Runner.Run(ctx, run.ClassTest, req.Dir, s.Command[0], args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errs.Newf(errs.KindSubprocess, "agent command exited %d: %s",
			res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// phaseRecorder is the journal surface the executor needs.
type phaseRecorder interface {
	RecordPhase(sprintID, taskID, agent, phase, detail string) error
}

// Executor drives the test-first sequence for one (task, agent) pair inside
// the task's worktree.
type Executor struct {
	runner           *run.Runner
	worktrees        *git.Manager
	spawner          Spawner
	bus              *Bus
	journal          phaseRecorder
	coverageRequired int
	logger           *slog.Logger
}

// NewExecutor creates an executor. journal may be nil.
func NewExecutor(runner *run.Runner, worktrees *git.Manager, spawner Spawner,
	bus *Bus, journal phaseRecorder, coverageRequired int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner:           runner,
		worktrees:        worktrees,
		spawner:          spawner,
		bus:              bus,
		journal:          journal,
		coverageRequired: coverageRequired,
		logger:           logger,
	}
}

// Execute runs the test-first sequence: scaffold tests, run them expecting
// failure, implement, re-run expecting success, measure coverage, commit.
// Cancellation is honored at every phase boundary.
func (e *Executor) Execute(ctx context.Context, sprintID string, task *scrum.Task, agent agents.Descriptor) TaskResult {
	e.bus.Publish(Event{
		Type:     EventAgentTakeover,
		SprintID: sprintID,
		TaskID:   task.ID,
		Agent:    agent.Name,
		Message:  fmt.Sprintf("%s %s takes over %s", agent.Emoji, agent.DisplayName, task.ID),
	})

	rec, ok := e.worktrees.Get(task.ID)
	if !ok {
		return e.fail(sprintID, task, agent, "no worktree for task")
	}

	if r, done := e.checkCancel(ctx, sprintID, task, agent); done {
		return r
	}
	e.phase(sprintID, task, agent, PhaseWorking, "scaffolding tests")

	if err := e.spawner.Spawn(ctx, SpawnRequest{Task: task, Agent: agent, Dir: rec.Path, Mode: SpawnScaffoldTests}); err != nil {
		return e.fail(sprintID, task, agent, "test scaffolding failed: "+err.Error())
	}

	// Tests are expected to fail before the implementation exists. A green
	// run here usually means the scaffold asserts nothing.
	res, blocked, err := e.runTool(ctx, run.ClassTest, rec.Path, testArgv(agent))
	if blocked != "" {
		return e.block(sprintID, task, agent, blocked, "initial test run")
	}
	if err != nil {
		return e.fail(sprintID, task, agent, "test tool failed to start: "+err.Error())
	}
	if res.ExitCode == 0 {
		e.logger.Warn("tests passed before implementation", "taskId", task.ID)
	}

	if r, done := e.checkCancel(ctx, sprintID, task, agent); done {
		return r
	}
	if err := e.spawner.Spawn(ctx, SpawnRequest{Task: task, Agent: agent, Dir: rec.Path, Mode: SpawnImplement}); err != nil {
		return e.fail(sprintID, task, agent, "implementation failed: "+err.Error())
	}

	if r, done := e.checkCancel(ctx, sprintID, task, agent); done {
		return r
	}
	e.phase(sprintID, task, agent, PhaseTesting, "running tests")

	res, blocked, err = e.runTool(ctx, run.ClassTest, rec.Path, testArgv(agent))
	if blocked != "" {
		return e.block(sprintID, task, agent, blocked, "test run")
	}
	if err != nil {
		return e.fail(sprintID, task, agent, "test tool failed to start: "+err.Error())
	}
	if res.ExitCode != 0 {
		return e.fail(sprintID, task, agent,
			fmt.Sprintf("tests failed with exit %d", res.ExitCode))
	}

	if r, done := e.checkCancel(ctx, sprintID, task, agent); done {
		return r
	}
	e.phase(sprintID, task, agent, PhaseCoverage, "measuring coverage")

	res, blocked, err = e.runTool(ctx, run.ClassCoverage, rec.Path, coverageArgv(agent))
	if blocked != "" {
		return e.block(sprintID, task, agent, blocked, "coverage run")
	}
	if err != nil {
		return e.fail(sprintID, task, agent, "coverage tool failed to start: "+err.Error())
	}
	coverage, _ := parseCoverage(res.Stdout)
	if coverage < float64(e.coverageRequired) {
		r := e.block(sprintID, task, agent, BlockReasonCoverage,
			fmt.Sprintf("coverage %.1f%% below required %d%%", coverage, e.coverageRequired))
		r.CoveragePercent = coverage
		return r
	}

	artifacts, err := e.changedFiles(ctx, rec.Path)
	if err != nil {
		e.logger.Warn("could not list changed files", "taskId", task.ID, "error", err)
	}
	if err := e.worktrees.Commit(ctx, task.ID, fmt.Sprintf("[%s] %s", task.ID, task.Title)); err != nil {
		return e.fail(sprintID, task, agent, "commit failed: "+err.Error())
	}

	e.phase(sprintID, task, agent, PhaseCompleted, "")
	return TaskResult{
		Status:          OutcomeCompleted,
		Summary:         fmt.Sprintf("%s completed with %.1f%% coverage", task.ID, coverage),
		CoveragePercent: coverage,
		Artifacts:       artifacts,
	}
}

// runTool executes one tool invocation, retrying exactly once on timeout.
// The returned reason is non-empty when the task must stop as Blocked; err is
// non-nil when the tool could not be run at all.
func (e *Executor) runTool(ctx context.Context, class run.Class, dir string, argv []string) (run.Result, string, error) {
	res, err := e.runner.Run(ctx, class, dir, argv[0], argv[1:]...)
	if err == nil {
		return res, "", nil
	}
	if res.TimedOut {
		e.logger.Warn("tool timed out, retrying once", "argv", strings.Join(argv, " "))
		res, err = e.runner.Run(ctx, class, dir, argv[0], argv[1:]...)
		if err == nil {
			return res, "", nil
		}
		if res.TimedOut {
			return res, BlockReasonTimeout, nil
		}
	}
	if ctx.Err() != nil {
		return res, BlockReasonCancelled, nil
	}
	return res, "", err
}

func (e *Executor) checkCancel(ctx context.Context, sprintID string, task *scrum.Task, agent agents.Descriptor) (TaskResult, bool) {
	if ctx.Err() == nil {
		return TaskResult{}, false
	}
	return e.block(sprintID, task, agent, BlockReasonCancelled, "cancelled at phase boundary"), true
}

func (e *Executor) phase(sprintID string, task *scrum.Task, agent agents.Descriptor, phase Phase, detail string) {
	e.bus.Publish(Event{
		Type:     EventPhaseChanged,
		SprintID: sprintID,
		TaskID:   task.ID,
		Agent:    agent.Name,
		Phase:    string(phase),
		Message:  detail,
	})
	if e.journal != nil {
		if err := e.journal.RecordPhase(sprintID, task.ID, agent.Name, string(phase), detail); err != nil {
			e.logger.Warn("journal write failed", "taskId", task.ID, "error", err)
		}
	}
}

func (e *Executor) fail(sprintID string, task *scrum.Task, agent agents.Descriptor, summary string) TaskResult {
	e.phase(sprintID, task, agent, PhaseFailed, summary)
	return TaskResult{Status: OutcomeFailed, Summary: summary}
}

func (e *Executor) block(sprintID string, task *scrum.Task, agent agents.Descriptor, reason, summary string) TaskResult {
	e.phase(sprintID, task, agent, PhaseFailed, summary)
	return TaskResult{Status: OutcomeBlocked, Summary: summary, BlockReason: reason}
}

// changedFiles lists paths with uncommitted modifications in the worktree.
func (e *Executor) changedFiles(ctx context.Context, dir string) ([]string, error) {
	res, err := e.runner.Run(ctx, run.ClassGit, dir, "git", "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		files = append(files, fields[len(fields)-1])
	}
	return files, nil
}

// testArgv selects the test command for an agent descriptor.
func testArgv(d agents.Descriptor) []string {
	switch d.TestFramework {
	case "go test":
		return []string{"go", "test", "./..."}
	case "pytest":
		return []string{"pytest"}
	case "jest":
		return []string{"npx", "jest"}
	case "rspec":
		return []string{"bundle", "exec", "rspec"}
	case "cargo test":
		return []string{"cargo", "test"}
	case "junit":
		return []string{"mvn", "test"}
	case "exunit":
		return []string{"mix", "test"}
	case "xctest":
		return []string{"swift", "test"}
	case "hspec":
		return []string{"stack", "test"}
	case "testthat":
		return []string{"Rscript", "-e", "devtools::test()"}
	default:
		return []string{"make", "test"}
	}
}

// coverageArgv selects the coverage command for an agent descriptor.
func coverageArgv(d agents.Descriptor) []string {
	switch d.TestFramework {
	case "go test":
		return []string{"go", "test", "-cover", "./..."}
	case "pytest":
		return []string{"pytest", "--cov"}
	case "jest":
		return []string{"npx", "jest", "--coverage"}
	case "rspec":
		return []string{"bundle", "exec", "rspec"} // simplecov reports on the normal run
	case "cargo test":
		return []string{"cargo", "tarpaulin"}
	default:
		return []string{"make", "coverage"}
	}
}

var coverageRe = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)

// parseCoverage extracts the last percentage the coverage tool printed.
func parseCoverage(stdout string) (float64, bool) {
	matches := coverageRe.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
