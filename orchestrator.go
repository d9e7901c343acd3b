package foundry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/arctek/foundry/agents"
	"github.com/arctek/foundry/git"
	"github.com/arctek/foundry/internal/errs"
	"github.com/arctek/foundry/scrum"
)

// OrchestratorState is the sprint run state machine.
type OrchestratorState string

const (
	StateIdle       OrchestratorState = "Idle"
	StateStarting   OrchestratorState = "Starting"
	StateRunning    OrchestratorState = "Running"
	StateFinalizing OrchestratorState = "Finalizing"
	StateHalted     OrchestratorState = "Halted"
)

// workItem is one schedulable unit: a task, or a bug executed as a
// single-step fix.
type workItem struct {
	kind scrum.ItemKind
	task *scrum.Task // synthesized from the bug for bug items
	bug  *scrum.Bug
}

func (w *workItem) id() string {
	return w.task.ID
}

func (w *workItem) deps() []string {
	return w.task.Dependencies
}

// handoffSink is the journal surface the orchestrator needs.
type handoffSink interface {
	RecordHandoff(sprintID, taskID, from, to, reason string) error
	RecordEvent(sprintID, eventType, payload string) error
}

// Orchestrator runs one sprint at a time. It freezes the sprint's ordered
// task set, claims each unit through the matcher, provisions a worktree, and
// delegates execution. At most one task is In Progress at any instant.
type Orchestrator struct {
	cfg       Config
	manager   *scrum.Manager
	matcher   *agents.Matcher
	registry  *agents.Registry
	worktrees *git.Manager
	executor  *Executor
	bus       *Bus
	journal   handoffSink
	logger    *slog.Logger

	mu        sync.Mutex
	state     OrchestratorState
	lastAgent string
}

// NewOrchestrator wires an orchestrator. journal may be nil.
func NewOrchestrator(cfg Config, manager *scrum.Manager, matcher *agents.Matcher,
	registry *agents.Registry, worktrees *git.Manager, executor *Executor,
	bus *Bus, journal handoffSink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		manager:   manager,
		matcher:   matcher,
		registry:  registry,
		worktrees: worktrees,
		executor:  executor,
		bus:       bus,
		journal:   journal,
		logger:    logger,
		state:     StateIdle,
	}
}

// State returns the current run state.
func (o *Orchestrator) State() OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s OrchestratorState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run executes a planned sprint to completion. Dependency cycles are rejected
// before the sprint becomes Active. In strict mode the sprint halts on the
// first failed or blocked task; in lenient mode independent tasks continue
// and only dependents of the failure are skipped.
func (o *Orchestrator) Run(ctx context.Context, sprintID string) error {
	o.setState(StateStarting)

	sprint, ok := o.manager.Store().GetSprint(sprintID)
	if !ok {
		o.setState(StateIdle)
		return errs.Newf(errs.KindNotFound, "sprint %s not found", sprintID)
	}

	units, err := o.freeze(sprint)
	if err != nil {
		o.setState(StateIdle)
		return err
	}

	if _, err := o.manager.StartSprint(sprintID); err != nil {
		o.setState(StateIdle)
		return err
	}
	if err := o.worktrees.EnsureTreesRoot(); err != nil {
		o.setState(StateHalted)
		return err
	}

	o.bus.Publish(Event{Type: EventSprintStarted, SprintID: sprintID,
		Message: fmt.Sprintf("sprint %s started with %d work items", sprint.Name, len(units))})
	o.recordEvent(sprintID, EventSprintStarted, sprint.Name)

	o.setState(StateRunning)
	o.lastAgent = ""

	done := make(map[string]bool)
	dead := make(map[string]bool) // failed, blocked, or skipped
	inSprint := make(map[string]bool, len(units))
	for _, u := range units {
		inSprint[u.id()] = true
	}

	for countRemaining(units, done, dead) > 0 {
		if ctx.Err() != nil {
			o.setState(StateHalted)
			return errs.Wrap(errs.KindFatal, ctx.Err(), "sprint run cancelled")
		}

		next, progressed := o.pick(units, done, dead, inSprint)
		if next == nil {
			if progressed {
				continue
			}
			o.setState(StateHalted)
			err := errs.New(errs.KindDependency, "no runnable task but work remains").
				WithHint("check for dependencies on tasks outside the sprint")
			o.bus.Publish(Event{Type: EventError, SprintID: sprintID, Err: err, Message: err.Error()})
			o.recordEvent(sprintID, EventError, err.Error())
			return err
		}

		result := o.process(ctx, sprintID, next)
		if result.Status == OutcomeCompleted {
			done[next.id()] = true
			continue
		}
		dead[next.id()] = true
		if o.cfg.Scrum.StrictMode {
			o.setState(StateHalted)
			o.bus.Publish(Event{Type: EventError, SprintID: sprintID,
				TaskID: next.id(), Reason: result.BlockReason,
				Message: "sprint halted: " + result.Summary})
			o.recordEvent(sprintID, EventError, next.id()+": "+result.Summary)
			return nil
		}
		o.logger.Warn("continuing past failed task", "taskId", next.id(), "summary", result.Summary)
	}

	o.setState(StateFinalizing)
	if _, err := o.manager.CompleteSprint(sprintID, ""); err != nil {
		o.setState(StateHalted)
		return err
	}
	if err := o.worktrees.Cleanup(ctx, true, func(taskID string) bool {
		t, ok := o.manager.Store().GetTask(taskID)
		return ok && t.Status == scrum.TaskCompleted
	}); err != nil {
		o.logger.Warn("worktree cleanup failed", "sprintId", sprintID, "error", err)
	}

	o.bus.Publish(Event{Type: EventSprintCompleted, SprintID: sprintID})
	o.recordEvent(sprintID, EventSprintCompleted, "")
	o.setState(StateIdle)
	return nil
}

// Delegate runs a single task end to end outside the sprint loop. Every
// dependency must already be Completed.
func (o *Orchestrator) Delegate(ctx context.Context, taskID string) (TaskResult, error) {
	task, ok := o.manager.Store().GetTask(taskID)
	if !ok {
		return TaskResult{}, errs.Newf(errs.KindNotFound, "task %s not found", taskID)
	}
	for _, dep := range task.Dependencies {
		if d, ok := o.manager.Store().GetTask(dep); !ok || d.Status != scrum.TaskCompleted {
			return TaskResult{}, errs.Newf(errs.KindDependency, "task %s depends on %s which is not Completed", taskID, dep)
		}
	}
	if err := o.worktrees.EnsureTreesRoot(); err != nil {
		return TaskResult{}, err
	}

	sprintID := ""
	if sp, ok := o.manager.Store().ActiveSprint(); ok {
		sprintID = sp.ID
	}
	return o.process(ctx, sprintID, &workItem{kind: scrum.KindTask, task: task}), nil
}

// freeze flattens the sprint's committed items into an ordered unit list:
// committed order first, then one topological sort over the whole set so that
// dependencies come before dependents regardless of which story they belong
// to. A cycle anywhere in the sprint is a DependencyError.
func (o *Orchestrator) freeze(sprint *scrum.Sprint) ([]*workItem, error) {
	var units []*workItem
	seen := make(map[string]bool)

	committedTasks := make(map[string]bool)
	for _, item := range sprint.CommittedItems {
		if item.Kind == scrum.KindTask {
			committedTasks[item.ID] = true
		}
	}

	for _, item := range sprint.CommittedItems {
		switch item.Kind {
		case scrum.KindStory:
			for _, t := range o.manager.Store().TasksForStory(item.ID) {
				if committedTasks[t.ID] && !seen[t.ID] {
					seen[t.ID] = true
					units = append(units, &workItem{kind: scrum.KindTask, task: t})
				}
			}
		case scrum.KindTask:
			if seen[item.ID] {
				continue
			}
			t, ok := o.manager.Store().GetTask(item.ID)
			if !ok {
				return nil, errs.Newf(errs.KindNotFound, "committed task %s not found", item.ID)
			}
			seen[item.ID] = true
			units = append(units, &workItem{kind: scrum.KindTask, task: t})
		case scrum.KindBug:
			b, ok := o.manager.Store().GetBug(item.ID)
			if !ok {
				return nil, errs.Newf(errs.KindNotFound, "committed bug %s not found", item.ID)
			}
			units = append(units, &workItem{kind: scrum.KindBug, bug: b, task: bugTask(b)})
		}
	}
	return topoSort(units)
}

// bugTask synthesizes the schedulable view of a bug.
func bugTask(b *scrum.Bug) *scrum.Task {
	return &scrum.Task{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		Priority:    b.Priority,
		Status:      scrum.TaskPending,
	}
}

// topoSort orders units so dependencies come first. Only dependencies among
// the given units constrain the order; the sort is stable with respect to the
// incoming order, and units without dependencies (bugs included) keep their
// relative positions.
func topoSort(units []*workItem) ([]*workItem, error) {
	byID := make(map[string]*workItem, len(units))
	for _, u := range units {
		byID[u.id()] = u
	}

	indegree := make(map[string]int, len(units))
	dependents := make(map[string][]string)
	for _, u := range units {
		indegree[u.id()] = 0
	}
	for _, u := range units {
		for _, dep := range u.deps() {
			if _, local := byID[dep]; local {
				indegree[u.id()]++
				dependents[dep] = append(dependents[dep], u.id())
			}
		}
	}

	var queue []*workItem
	for _, u := range units {
		if indegree[u.id()] == 0 {
			queue = append(queue, u)
		}
	}

	var sorted []*workItem
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		sorted = append(sorted, u)
		for _, depID := range dependents[u.id()] {
			indegree[depID]--
			if indegree[depID] == 0 {
				queue = append(queue, byID[depID])
			}
		}
	}

	if len(sorted) != len(units) {
		var cyclic []string
		for _, u := range units {
			if indegree[u.id()] > 0 {
				cyclic = append(cyclic, u.id())
			}
		}
		return nil, errs.Newf(errs.KindDependency, "dependency cycle among tasks: %s",
			strings.Join(cyclic, ", "))
	}
	return sorted, nil
}

// pick returns the next runnable unit. Units whose dependency already failed
// are marked dead on the way past (progressed reports that), so lenient mode
// skips them instead of declaring deadlock.
func (o *Orchestrator) pick(units []*workItem, done, dead, inSprint map[string]bool) (next *workItem, progressed bool) {
	for _, u := range units {
		if done[u.id()] || dead[u.id()] {
			continue
		}
		blockedByFailure := false
		runnable := true
		for _, dep := range u.deps() {
			if done[dep] {
				continue
			}
			if dead[dep] {
				blockedByFailure = true
				break
			}
			if !inSprint[dep] {
				// A dependency outside the sprint is satisfied only when the
				// store already has it Completed.
				if t, ok := o.manager.Store().GetTask(dep); ok && t.Status == scrum.TaskCompleted {
					continue
				}
			}
			runnable = false
			break
		}
		if blockedByFailure {
			dead[u.id()] = true
			o.logger.Warn("skipping task, dependency failed", "taskId", u.id())
			progressed = true
			continue
		}
		if runnable {
			return u, progressed
		}
	}
	return nil, progressed
}

func countRemaining(units []*workItem, done, dead map[string]bool) int {
	n := 0
	for _, u := range units {
		if !done[u.id()] && !dead[u.id()] {
			n++
		}
	}
	return n
}

// process runs one unit end to end: match, worktree, execute, then backlog
// bookkeeping.
func (o *Orchestrator) process(ctx context.Context, sprintID string, u *workItem) TaskResult {
	match := o.matcher.Match(u.task, o.workload)
	o.bus.Publish(Event{
		Type:     EventTaskClaimed,
		SprintID: sprintID,
		TaskID:   u.id(),
		Agent:    match.Agent,
		Reason:   match.Reason,
		Message:  fmt.Sprintf("confidence %.2f", match.Confidence),
	})

	if sprintID != "" && o.lastAgent != "" && o.lastAgent != match.Agent {
		h := scrum.Handoff{FromAgent: o.lastAgent, ToAgent: match.Agent, Reason: match.Reason}
		if err := o.manager.RecordHandoff(sprintID, h); err != nil {
			o.logger.Warn("handoff record failed", "sprintId", sprintID, "error", err)
		}
		if o.journal != nil {
			if err := o.journal.RecordHandoff(sprintID, u.id(), o.lastAgent, match.Agent, match.Reason); err != nil {
				o.logger.Warn("handoff journal write failed", "taskId", u.id(), "error", err)
			}
		}
		o.bus.Publish(Event{Type: EventHandoff, SprintID: sprintID, TaskID: u.id(),
			Agent: match.Agent, Message: o.lastAgent + " -> " + match.Agent})
	}
	o.lastAgent = match.Agent

	branch, err := o.worktrees.NextBranch(string(u.kind))
	if err != nil {
		return o.unitFailure(sprintID, u, "branch allocation failed: "+err.Error(), "")
	}
	if _, err := o.worktrees.Create(ctx, u.id(), match.Agent, branch); err != nil {
		return o.unitFailure(sprintID, u, "worktree creation failed: "+err.Error(), "")
	}

	if u.kind == scrum.KindTask {
		if _, err := o.manager.MarkTaskInProgress(u.id(), match.Agent); err != nil {
			return o.unitFailure(sprintID, u, "could not claim task: "+err.Error(), "")
		}
		o.publishStoryChange(sprintID, u.task.StoryID)
	}

	descriptor, ok := o.registry.Get(match.Agent)
	if !ok {
		return o.unitFailure(sprintID, u, "agent descriptor missing: "+match.Agent, "")
	}

	result := o.executor.Execute(ctx, sprintID, u.task, descriptor)
	if result.Status != OutcomeCompleted {
		return o.unitFailure(sprintID, u, result.Summary, result.BlockReason)
	}

	o.finishUnit(ctx, sprintID, u, descriptor, &result)
	return result
}

// finishUnit pushes the branch, attempts the pull request, and updates
// backlog state after a completed execution. Push and PR failures are logged
// but do not undo the completion.
func (o *Orchestrator) finishUnit(ctx context.Context, sprintID string, u *workItem, d agents.Descriptor, result *TaskResult) {
	branch := ""
	if rec, ok := o.worktrees.Get(u.id()); ok {
		branch = rec.Branch
	}
	if err := o.worktrees.Push(ctx, u.id()); err != nil {
		o.logger.Warn("push failed", "taskId", u.id(), "error", err)
	} else {
		title := fmt.Sprintf("[%s] %s", u.id(), u.task.Title)
		url, err := o.worktrees.OpenPR(ctx, u.id(), title, prBody(u, d, branch, result))
		if err != nil {
			o.logger.Warn("pull request failed", "taskId", u.id(), "error", err)
		} else {
			result.PRURL = url
		}
	}

	switch u.kind {
	case scrum.KindTask:
		if _, err := o.manager.CompleteTask(u.id()); err != nil {
			o.logger.Warn("task completion bookkeeping failed", "taskId", u.id(), "error", err)
		}
		o.publishStoryChange(sprintID, u.task.StoryID)
	case scrum.KindBug:
		if _, err := o.manager.ResolveBug(u.id()); err != nil {
			o.logger.Warn("bug resolution bookkeeping failed", "bugId", u.id(), "error", err)
		}
	}
	if sprintID != "" {
		if _, err := o.manager.UpdateBurndown(sprintID); err != nil {
			o.logger.Warn("burndown update failed", "sprintId", sprintID, "error", err)
		}
	}

	o.bus.Publish(Event{Type: EventTaskCompleted, SprintID: sprintID, TaskID: u.id(),
		Agent: d.Name, Message: result.Summary})
	o.recordEvent(sprintID, EventTaskCompleted, u.id())
}

// unitFailure marks a task unit Blocked and publishes TaskFailed.
func (o *Orchestrator) unitFailure(sprintID string, u *workItem, summary, reason string) TaskResult {
	if u.kind == scrum.KindTask {
		if _, err := o.manager.BlockTask(u.id(), summary); err != nil {
			o.logger.Warn("task block bookkeeping failed", "taskId", u.id(), "error", err)
		}
	}
	o.bus.Publish(Event{Type: EventTaskFailed, SprintID: sprintID, TaskID: u.id(),
		Reason: reason, Message: summary})
	o.recordEvent(sprintID, EventTaskFailed, u.id())
	status := OutcomeFailed
	if reason != "" {
		status = OutcomeBlocked
	}
	return TaskResult{Status: status, Summary: summary, BlockReason: reason}
}

// workload counts Pending and In Progress tasks assigned to an agent, used by
// the matcher's balancing step.
func (o *Orchestrator) workload(agent string) int {
	n := 0
	for _, t := range o.manager.Store().Tasks() {
		if t.AssignedAgent != agent {
			continue
		}
		if t.Status == scrum.TaskPending || t.Status == scrum.TaskInProgress {
			n++
		}
	}
	return n
}

// publishStoryChange mirrors a story's current status onto the bus so outbound
// integrations can track story transitions. Subscribers must tolerate seeing
// the same status more than once.
func (o *Orchestrator) publishStoryChange(sprintID, storyID string) {
	if storyID == "" {
		return
	}
	story, ok := o.manager.Store().GetStory(storyID)
	if !ok {
		return
	}
	o.bus.Publish(Event{
		Type:     EventStoryChanged,
		SprintID: sprintID,
		StoryID:  storyID,
		Status:   string(story.Status),
	})
}

func (o *Orchestrator) recordEvent(sprintID string, t EventType, payload string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.RecordEvent(sprintID, string(t), payload); err != nil {
		o.logger.Warn("event journal write failed", "sprintId", sprintID, "error", err)
	}
}

// prBody renders the pull request description for a finished unit.
func prBody(u *workItem, d agents.Descriptor, branch string, result *TaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Task: %s\n- Agent: %s\n- Branch: %s\n- Coverage: %.1f%%\n",
		u.id(), d.Name, branch, result.CoveragePercent)
	if len(result.Artifacts) > 0 {
		b.WriteString("\nFiles touched:\n")
		for _, a := range result.Artifacts {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}
