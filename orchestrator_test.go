package foundry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/foundry/agents"
	"github.com/arctek/foundry/internal/errs"
	"github.com/arctek/foundry/internal/run"
	"github.com/arctek/foundry/scrum"
)

type orchEnv struct {
	repo    string
	manager *scrum.Manager
	spawner *fakeSpawner
	events  *[]Event
	orch    *Orchestrator
}

func newOrchEnv(t *testing.T, strict bool) *orchEnv {
	t.Helper()
	repo := initRepo(t)

	store := scrum.NewStore(t.TempDir(), testLogger())
	require.NoError(t, store.Load())
	manager := scrum.NewManager(store, testLogger())

	registry := agents.NewRegistry(t.TempDir(), testLogger())
	require.NoError(t, registry.Load())
	matcher := agents.NewMatcher(registry, false, testLogger())

	worktrees := newTestWorktrees(t, repo)
	spawner := newFakeSpawner()
	bus := NewBus()
	var events []Event
	bus.Subscribe(func(e Event) { events = append(events, e) })

	runner := run.NewRunner(run.DefaultTimeouts(), nil, testLogger())
	executor := NewExecutor(runner, worktrees, spawner, bus, nil, 80, testLogger())

	cfg := DefaultConfig("demo")
	cfg.Scrum.StrictMode = strict
	orch := NewOrchestrator(cfg, manager, matcher, registry, worktrees, executor, bus, nil, testLogger())

	return &orchEnv{repo: repo, manager: manager, spawner: spawner, events: &events, orch: orch}
}

// planStory creates an estimated story with the given tasks and plans a
// sprint that commits all of it.
func (env *orchEnv) planStory(t *testing.T, points int, titles ...string) (*scrum.Story, []*scrum.Task, *scrum.Sprint) {
	t.Helper()
	story, err := env.manager.CreateStory(scrum.StoryInput{Title: "Story", Priority: "high"})
	require.NoError(t, err)
	_, err = env.manager.EstimateStory(story.ID, points)
	require.NoError(t, err)

	var tasks []*scrum.Task
	for _, title := range titles {
		task, err := env.manager.CreateTask(scrum.TaskInput{Title: title, StoryID: story.ID})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}

	sprint, err := env.manager.PlanSprint("Sprint 1", "", 14, points*2, true)
	require.NoError(t, err)
	require.NotEmpty(t, sprint.CommittedItems)
	return story, tasks, sprint
}

func (env *orchEnv) eventsOfType(t EventType) []Event {
	var out []Event
	for _, e := range *env.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestRunSprintHappyPath(t *testing.T) {
	env := newOrchEnv(t, true)
	story, tasks, sprint := env.planStory(t, 5, "Groundwork", "Follow-up")
	// Follow-up depends on Groundwork so the execution order is forced.
	tasks[1].Dependencies = []string{tasks[0].ID}
	require.NoError(t, env.manager.Store().PutTask(tasks[1]))

	require.NoError(t, env.orch.Run(context.Background(), sprint.ID))
	assert.Equal(t, StateIdle, env.orch.State())

	claimed := env.eventsOfType(EventTaskClaimed)
	require.Len(t, claimed, 2)
	assert.Equal(t, tasks[0].ID, claimed[0].TaskID)
	assert.Equal(t, tasks[1].ID, claimed[1].TaskID)

	for _, task := range tasks {
		got, ok := env.manager.Store().GetTask(task.ID)
		require.True(t, ok)
		assert.Equal(t, scrum.TaskCompleted, got.Status, task.Title)
	}
	gotStory, _ := env.manager.Store().GetStory(story.ID)
	assert.Equal(t, scrum.StoryDone, gotStory.Status)

	gotSprint, _ := env.manager.Store().GetSprint(sprint.ID)
	assert.Equal(t, scrum.SprintCompleted, gotSprint.Status)
	assert.Equal(t, 5, gotSprint.CompletedPoints)

	assert.Len(t, env.eventsOfType(EventSprintStarted), 1)
	assert.Len(t, env.eventsOfType(EventSprintCompleted), 1)
	assert.Empty(t, env.eventsOfType(EventTaskFailed))
}

func TestRunSprintRejectsCycleBeforeStart(t *testing.T) {
	env := newOrchEnv(t, true)
	_, tasks, sprint := env.planStory(t, 3, "A", "B")
	// Introduce a cycle behind the manager's back.
	tasks[0].Dependencies = []string{tasks[1].ID}
	tasks[1].Dependencies = []string{tasks[0].ID}
	require.NoError(t, env.manager.Store().PutTask(tasks[0]))
	require.NoError(t, env.manager.Store().PutTask(tasks[1]))

	err := env.orch.Run(context.Background(), sprint.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDependency))
	assert.Equal(t, StateIdle, env.orch.State())

	// The sprint never became Active and no task was touched.
	gotSprint, _ := env.manager.Store().GetSprint(sprint.ID)
	assert.Equal(t, scrum.SprintPlanned, gotSprint.Status)
	for _, task := range tasks {
		got, _ := env.manager.Store().GetTask(task.ID)
		assert.Equal(t, scrum.TaskPending, got.Status)
	}
	assert.Empty(t, env.eventsOfType(EventSprintStarted))
}

func TestRunSprintRejectsCrossStoryCycle(t *testing.T) {
	env := newOrchEnv(t, true)

	// Two stories, one task each, with a dependency cycle spanning both.
	var tasks []*scrum.Task
	for _, title := range []string{"First half", "Second half"} {
		story, err := env.manager.CreateStory(scrum.StoryInput{Title: title, Priority: "high"})
		require.NoError(t, err)
		_, err = env.manager.EstimateStory(story.ID, 3)
		require.NoError(t, err)
		task, err := env.manager.CreateTask(scrum.TaskInput{Title: title + " work", StoryID: story.ID})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	tasks[0].Dependencies = []string{tasks[1].ID}
	tasks[1].Dependencies = []string{tasks[0].ID}
	require.NoError(t, env.manager.Store().PutTask(tasks[0]))
	require.NoError(t, env.manager.Store().PutTask(tasks[1]))

	sprint, err := env.manager.PlanSprint("Sprint 1", "", 14, 10, true)
	require.NoError(t, err)

	err = env.orch.Run(context.Background(), sprint.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDependency))
	assert.Equal(t, StateIdle, env.orch.State())

	// The cycle is caught before the sprint ever becomes Active, so a later
	// sprint can still start.
	gotSprint, _ := env.manager.Store().GetSprint(sprint.ID)
	assert.Equal(t, scrum.SprintPlanned, gotSprint.Status)
	for _, task := range tasks {
		got, _ := env.manager.Store().GetTask(task.ID)
		assert.Equal(t, scrum.TaskPending, got.Status)
	}
	assert.Empty(t, env.eventsOfType(EventSprintStarted))
}

func TestRunSprintOrdersCrossStoryDependencies(t *testing.T) {
	env := newOrchEnv(t, true)

	// The first story's task depends on the second story's task, so execution
	// order must invert the committed story order.
	storyA, err := env.manager.CreateStory(scrum.StoryInput{Title: "Consumer", Priority: "high"})
	require.NoError(t, err)
	_, err = env.manager.EstimateStory(storyA.ID, 3)
	require.NoError(t, err)
	storyB, err := env.manager.CreateStory(scrum.StoryInput{Title: "Provider", Priority: "low"})
	require.NoError(t, err)
	_, err = env.manager.EstimateStory(storyB.ID, 3)
	require.NoError(t, err)

	provider, err := env.manager.CreateTask(scrum.TaskInput{Title: "Provider work", StoryID: storyB.ID})
	require.NoError(t, err)
	consumer, err := env.manager.CreateTask(scrum.TaskInput{
		Title: "Consumer work", StoryID: storyA.ID, Dependencies: []string{provider.ID}})
	require.NoError(t, err)

	sprint, err := env.manager.PlanSprint("Sprint 1", "", 14, 10, true)
	require.NoError(t, err)
	require.NoError(t, env.orch.Run(context.Background(), sprint.ID))

	claimed := env.eventsOfType(EventTaskClaimed)
	require.Len(t, claimed, 2)
	assert.Equal(t, provider.ID, claimed[0].TaskID)
	assert.Equal(t, consumer.ID, claimed[1].TaskID)
}

func TestRunSprintOneTaskInProgressAtATime(t *testing.T) {
	env := newOrchEnv(t, true)
	_, _, sprint := env.planStory(t, 5, "One", "Two", "Three")

	maxInProgress := 0
	env.spawner.onSpawn = func(SpawnRequest) {
		n := 0
		for _, task := range env.manager.Store().Tasks() {
			if task.Status == scrum.TaskInProgress {
				n++
			}
		}
		if n > maxInProgress {
			maxInProgress = n
		}
	}

	require.NoError(t, env.orch.Run(context.Background(), sprint.ID))
	require.Len(t, env.eventsOfType(EventTaskClaimed), 3)
	assert.Equal(t, 1, maxInProgress)
}

func TestRunSprintPublishesStoryTransitions(t *testing.T) {
	env := newOrchEnv(t, true)
	story, _, sprint := env.planStory(t, 5, "Groundwork", "Follow-up")

	require.NoError(t, env.orch.Run(context.Background(), sprint.ID))

	changes := env.eventsOfType(EventStoryChanged)
	require.NotEmpty(t, changes)
	var statuses []string
	for _, e := range changes {
		assert.Equal(t, story.ID, e.StoryID)
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, string(scrum.StoryInProgress), statuses[0])
	assert.Equal(t, string(scrum.StoryDone), statuses[len(statuses)-1])
}

func TestPRBodyIncludesBranch(t *testing.T) {
	u := &workItem{kind: scrum.KindTask, task: &scrum.Task{ID: "TASK-7", Title: "Wire cache"}}
	d := agents.Descriptor{Name: "go"}
	result := &TaskResult{CoveragePercent: 91.5, Artifacts: []string{"cache.go"}}

	body := prBody(u, d, "feature/PROJ-7", result)
	assert.Contains(t, body, "- Task: TASK-7\n")
	assert.Contains(t, body, "- Agent: go\n")
	assert.Contains(t, body, "- Branch: feature/PROJ-7\n")
	assert.Contains(t, body, "- Coverage: 91.5%\n")
	assert.Contains(t, body, "- cache.go\n")
}

func TestRunSprintStrictHaltsOnFailure(t *testing.T) {
	env := newOrchEnv(t, true)
	_, tasks, sprint := env.planStory(t, 3, "First", "Second")
	for _, task := range tasks {
		env.spawner.failTasks[task.ID] = true
	}

	require.NoError(t, env.orch.Run(context.Background(), sprint.ID))
	assert.Equal(t, StateHalted, env.orch.State())

	// Exactly one task was attempted before the halt.
	assert.Len(t, env.eventsOfType(EventTaskFailed), 1)
	assert.Empty(t, env.eventsOfType(EventSprintCompleted))

	gotSprint, _ := env.manager.Store().GetSprint(sprint.ID)
	assert.Equal(t, scrum.SprintActive, gotSprint.Status)

	blocked := 0
	for _, task := range tasks {
		got, _ := env.manager.Store().GetTask(task.ID)
		if got.Status == scrum.TaskBlocked {
			blocked++
		}
	}
	assert.Equal(t, 1, blocked)
}

func TestRunSprintLenientSkipsDependentsOfFailure(t *testing.T) {
	env := newOrchEnv(t, false)
	_, tasks, sprint := env.planStory(t, 3, "Shaky base", "Built on base", "Independent")
	tasks[1].Dependencies = []string{tasks[0].ID}
	require.NoError(t, env.manager.Store().PutTask(tasks[1]))
	env.spawner.failTasks[tasks[0].ID] = true

	require.NoError(t, env.orch.Run(context.Background(), sprint.ID))
	assert.Equal(t, StateIdle, env.orch.State())
	assert.Len(t, env.eventsOfType(EventSprintCompleted), 1)

	base, _ := env.manager.Store().GetTask(tasks[0].ID)
	assert.NotEqual(t, scrum.TaskCompleted, base.Status)

	// The dependent was skipped without ever being claimed.
	dependent, _ := env.manager.Store().GetTask(tasks[1].ID)
	assert.NotEqual(t, scrum.TaskCompleted, dependent.Status)
	for _, e := range env.eventsOfType(EventTaskClaimed) {
		assert.NotEqual(t, tasks[1].ID, e.TaskID)
	}

	independent, _ := env.manager.Store().GetTask(tasks[2].ID)
	assert.Equal(t, scrum.TaskCompleted, independent.Status)
}

func TestRunSprintRecordsHandoffOnAgentChange(t *testing.T) {
	env := newOrchEnv(t, true)
	_, _, sprint := env.planStory(t, 3, "Build python importer", "Port service to golang")

	require.NoError(t, env.orch.Run(context.Background(), sprint.ID))

	handoffs := env.eventsOfType(EventHandoff)
	require.Len(t, handoffs, 1)

	gotSprint, _ := env.manager.Store().GetSprint(sprint.ID)
	require.Len(t, gotSprint.Handoffs, 1)
	assert.NotEqual(t, gotSprint.Handoffs[0].FromAgent, gotSprint.Handoffs[0].ToAgent)
}

func TestRunSprintSchedulesCommittedBug(t *testing.T) {
	env := newOrchEnv(t, true)
	bug, err := env.manager.CreateBug(scrum.BugInput{Title: "Crash on save", Severity: "critical", Priority: "critical"})
	require.NoError(t, err)
	sprint, err := env.manager.PlanSprint("Hotfix", "", 7, 20, true)
	require.NoError(t, err)
	require.Equal(t, scrum.SprintItem{Kind: scrum.KindBug, ID: bug.ID}, sprint.CommittedItems[0])

	require.NoError(t, env.orch.Run(context.Background(), sprint.ID))

	got, _ := env.manager.Store().GetBug(bug.ID)
	assert.Equal(t, scrum.BugResolved, got.Status)
}

func TestRunSprintUnknownSprint(t *testing.T) {
	env := newOrchEnv(t, true)
	err := env.orch.Run(context.Background(), "SPRINT-NOPE")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.Equal(t, StateIdle, env.orch.State())
}

func TestDelegateRunsSingleTask(t *testing.T) {
	env := newOrchEnv(t, true)
	story, err := env.manager.CreateStory(scrum.StoryInput{Title: "Story"})
	require.NoError(t, err)
	first, err := env.manager.CreateTask(scrum.TaskInput{Title: "Standalone work", StoryID: story.ID})
	require.NoError(t, err)

	result, err := env.orch.Delegate(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Status)

	got, _ := env.manager.Store().GetTask(first.ID)
	assert.Equal(t, scrum.TaskCompleted, got.Status)
}

func TestDelegateRequiresCompletedDependencies(t *testing.T) {
	env := newOrchEnv(t, true)
	story, err := env.manager.CreateStory(scrum.StoryInput{Title: "Story"})
	require.NoError(t, err)
	first, err := env.manager.CreateTask(scrum.TaskInput{Title: "Base", StoryID: story.ID})
	require.NoError(t, err)
	second, err := env.manager.CreateTask(scrum.TaskInput{
		Title: "Dependent", StoryID: story.ID, Dependencies: []string{first.ID}})
	require.NoError(t, err)

	_, err = env.orch.Delegate(context.Background(), second.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDependency))

	_, err = env.orch.Delegate(context.Background(), "TASK-NOPE")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
