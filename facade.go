package foundry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/arctek/foundry/agents"
	"github.com/arctek/foundry/git"
	"github.com/arctek/foundry/internal/db"
	"github.com/arctek/foundry/internal/errs"
	"github.com/arctek/foundry/internal/run"
	"github.com/arctek/foundry/scrum"
)

// Project is the top-level handle over one initialized project: configuration,
// backlog store, agent registry, worktree manager, journal, and orchestrator,
// all rooted under <root>/.foundry. Every operation returns its error to the
// caller; nothing here writes to the terminal.
type Project struct {
	root    string
	cfg     Config
	store   *scrum.Store
	manager *scrum.Manager
	reg     *agents.Registry
	matcher *agents.Matcher
	trees   *git.Manager
	runner  *run.Runner
	journal *db.Journal
	bus     *Bus
	exec    *Executor
	orch    *Orchestrator
	logger  *slog.Logger
}

// Init creates the state root for a new project and writes the default
// configuration. Re-running on an initialized project is a conflict.
func Init(root, projectName string) (Config, error) {
	stateDir := filepath.Join(root, StateDirName)
	cfgPath := filepath.Join(stateDir, "config.json")
	if _, err := os.Stat(cfgPath); err == nil {
		return Config{}, errs.Newf(errs.KindConflict, "project already initialized at %s", stateDir)
	}

	for _, dir := range []string{
		stateDir,
		filepath.Join(stateDir, "data"),
		filepath.Join(stateDir, "agents"),
		filepath.Join(stateDir, "backups"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Config{}, errs.Wrap(errs.KindIO, err, "failed to create state directory")
		}
	}

	if projectName == "" {
		projectName = filepath.Base(root)
	}
	cfg := DefaultConfig(projectName)
	if err := cfg.Save(cfgPath); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Open loads an initialized project. Missing state files are created lazily;
// a missing config falls back to defaults derived from the directory name.
func Open(root string, logger *slog.Logger) (*Project, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stateDir := filepath.Join(root, StateDirName)

	cfg, err := LoadConfig(filepath.Join(stateDir, "config.json"), filepath.Base(root))
	if err != nil {
		return nil, err
	}

	store := scrum.NewStore(filepath.Join(stateDir, "data"), logger)
	if err := store.Load(); err != nil {
		return nil, err
	}
	manager := scrum.NewManager(store, logger)

	reg := agents.NewRegistry(filepath.Join(stateDir, "agents"), logger)
	if err := reg.Load(); err != nil {
		return nil, err
	}
	matcher := agents.NewMatcher(reg, cfg.Agents.AllowDynamicCreation, logger)

	journal, err := db.Open(filepath.Join(stateDir, "journal.db"))
	if err != nil {
		return nil, err
	}

	test, coverage, gitTO, pr := cfg.RunTimeouts()
	runner := run.NewRunner(run.Timeouts{Test: test, Coverage: coverage, Git: gitTO, PR: pr},
		journal.RecorderFor("", ""), logger)

	trees := git.NewManager(git.Options{
		RepoRoot:     root,
		TreesRoot:    cfg.Worktrees.Root,
		MainBranch:   cfg.PR.BaseBranch,
		Abbrev:       cfg.Project.Abbrev,
		PRTool:       cfg.PR.Tool,
		MetadataPath: filepath.Join(stateDir, "worktrees", "metadata.json"),
	}, runner, logger)
	if err := trees.Load(); err != nil {
		return nil, err
	}

	bus := NewBus()
	spawner := &ExecSpawner{Command: cfg.Agents.Command, Runner: runner}
	exec := NewExecutor(runner, trees, spawner, bus, journal, cfg.Scrum.TestCoverageRequired, logger)
	orch := NewOrchestrator(cfg, manager, matcher, reg, trees, exec, bus, journal, logger)

	return &Project{
		root:    root,
		cfg:     cfg,
		store:   store,
		manager: manager,
		reg:     reg,
		matcher: matcher,
		trees:   trees,
		runner:  runner,
		journal: journal,
		bus:     bus,
		exec:    exec,
		orch:    orch,
		logger:  logger,
	}, nil
}

// Close releases the journal.
func (p *Project) Close() error {
	return p.journal.Close()
}

// Config returns the loaded configuration.
func (p *Project) Config() Config { return p.cfg }

// Scrum exposes backlog and sprint operations.
func (p *Project) Scrum() *scrum.Manager { return p.manager }

// Agents exposes the agent registry.
func (p *Project) Agents() *agents.Registry { return p.reg }

// Worktrees exposes the worktree manager.
func (p *Project) Worktrees() *git.Manager { return p.trees }

// Journal exposes the sprint journal.
func (p *Project) Journal() *db.Journal { return p.journal }

// Subscribe registers a callback on the sprint event stream.
func (p *Project) Subscribe(fn func(Event)) {
	p.bus.Subscribe(fn)
}

// RunState reports the orchestrator's current state.
func (p *Project) RunState() OrchestratorState {
	return p.orch.State()
}

// RunSprint drives a planned sprint to completion through the orchestrator.
func (p *Project) RunSprint(ctx context.Context, sprintID string) error {
	return p.orch.Run(ctx, sprintID)
}

// Delegate executes a single task end to end: match, worktree, test-first
// implementation, commit, push, and pull request.
func (p *Project) Delegate(ctx context.Context, taskID string) (TaskResult, error) {
	return p.orch.Delegate(ctx, taskID)
}

// ProjectStatus is a point-in-time summary of the project.
type ProjectStatus struct {
	RunState     OrchestratorState   `json:"runState"`
	ActiveSprint *scrum.Sprint       `json:"activeSprint,omitempty"`
	Backlog      scrum.BacklogReport `json:"backlog"`
	Agents       int                 `json:"agents"`
}

// Status reports the run state, the active sprint if any, and the backlog
// summary.
func (p *Project) Status() ProjectStatus {
	st := ProjectStatus{
		RunState: p.orch.State(),
		Backlog:  p.manager.Backlog(),
		Agents:   len(p.reg.List()),
	}
	if sp, ok := p.store.ActiveSprint(); ok {
		st.ActiveSprint = sp
	}
	return st
}

// ListItem is one backlog row returned by List.
type ListItem struct {
	Kind     scrum.ItemKind `json:"kind"`
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Status   string         `json:"status"`
	Points   int            `json:"points,omitempty"`
	Assignee string         `json:"assignee,omitempty"`
}

// List returns items of one kind, optionally filtered by status
// (case-insensitive; empty matches everything).
func (p *Project) List(kind scrum.ItemKind, status string) ([]ListItem, error) {
	match := func(s string) bool {
		return status == "" || strings.EqualFold(status, s)
	}
	var out []ListItem
	switch kind {
	case scrum.KindStory:
		for _, st := range p.store.Stories() {
			if match(string(st.Status)) {
				out = append(out, ListItem{Kind: kind, ID: st.ID, Title: st.Title,
					Status: string(st.Status), Points: st.StoryPoints})
			}
		}
	case scrum.KindTask:
		for _, t := range p.store.Tasks() {
			if match(string(t.Status)) {
				out = append(out, ListItem{Kind: kind, ID: t.ID, Title: t.Title,
					Status: string(t.Status), Assignee: t.AssignedAgent})
			}
		}
	case scrum.KindBug:
		for _, b := range p.store.Bugs() {
			if match(string(b.Status)) {
				out = append(out, ListItem{Kind: kind, ID: b.ID, Title: b.Title,
					Status: string(b.Status), Points: b.StoryPoints})
			}
		}
	default:
		return nil, errs.Newf(errs.KindValidation, "unknown item kind %q", kind)
	}
	return out, nil
}

// AssignAgent pins a task to a named agent. The agent must exist.
func (p *Project) AssignAgent(taskID, agent string) (*scrum.Task, error) {
	if _, ok := p.reg.Get(agent); !ok {
		return nil, errs.Newf(errs.KindNotFound, "agent %q not found", agent)
	}
	return p.manager.AssignAgent(taskID, agent)
}

// EstimateAll auto-estimates every unestimated backlog story and returns the
// IDs that received points.
func (p *Project) EstimateAll() ([]string, error) {
	var estimated []string
	for _, st := range p.store.Stories() {
		if st.Estimated() {
			continue
		}
		if _, err := p.manager.AutoEstimateStory(st.ID); err != nil {
			return estimated, err
		}
		estimated = append(estimated, st.ID)
	}
	return estimated, nil
}

// MatchTask resolves a task to an agent without executing anything.
func (p *Project) MatchTask(taskID string) (agents.Match, error) {
	task, ok := p.store.GetTask(taskID)
	if !ok {
		return agents.Match{}, errs.Newf(errs.KindNotFound, "task %s not found", taskID)
	}
	return p.matcher.Match(task, p.orch.workload), nil
}

// Backup snapshots the data directory into the backups folder and returns the
// snapshot path.
func (p *Project) Backup() (string, error) {
	return p.store.Backup(filepath.Join(p.root, StateDirName, "backups"))
}
