package jira

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	foundry "github.com/arctek/foundry"
	"github.com/arctek/foundry/internal/errs"
	"github.com/arctek/foundry/scrum"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestProject(t *testing.T) *foundry.Project {
	t.Helper()
	root := t.TempDir()
	_, err := foundry.Init(root, "demo")
	require.NoError(t, err)
	p, err := foundry.Open(root, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

type recordingOutbound struct {
	updates []ItemUpdate
}

func (o *recordingOutbound) ItemChanged(_ context.Context, update ItemUpdate) error {
	o.updates = append(o.updates, update)
	return nil
}

func TestForwardTranslatesLifecycleEvents(t *testing.T) {
	p := openTestProject(t)
	out := &recordingOutbound{}
	s := NewSyncer(p, nil, out, testLogger())

	now := time.Now().UTC()
	s.forward(foundry.Event{Type: foundry.EventTaskClaimed, TaskID: "TASK-1", Agent: "go", At: now})
	s.forward(foundry.Event{Type: foundry.EventTaskCompleted, TaskID: "TASK-1", Agent: "go", At: now})
	s.forward(foundry.Event{Type: foundry.EventTaskFailed, TaskID: "TASK-2", At: now})
	s.forward(foundry.Event{Type: foundry.EventStoryChanged, StoryID: "STORY-1", Status: string(scrum.StoryDone), At: now})
	s.forward(foundry.Event{Type: foundry.EventPhaseChanged, TaskID: "TASK-1", At: now}) // not a lifecycle event

	require.Len(t, out.updates, 4)
	assert.Equal(t, string(scrum.TaskInProgress), out.updates[0].Status)
	assert.Equal(t, string(scrum.TaskCompleted), out.updates[1].Status)
	assert.Equal(t, string(scrum.TaskBlocked), out.updates[2].Status)
	assert.Equal(t, "go", out.updates[0].Assignee)

	assert.Equal(t, scrum.KindStory, out.updates[3].Kind)
	assert.Equal(t, "STORY-1", out.updates[3].ID)
	assert.Equal(t, string(scrum.StoryDone), out.updates[3].Status)
}

func TestDrainAppliesInboundUpdates(t *testing.T) {
	p := openTestProject(t)
	m := p.Scrum()
	story, err := m.CreateStory(scrum.StoryInput{Title: "Story"})
	require.NoError(t, err)
	task, err := m.CreateTask(scrum.TaskInput{Title: "Tracked work", StoryID: story.ID})
	require.NoError(t, err)

	queue := NewChanInbound(4)
	s := NewSyncer(p, queue, nil, testLogger())

	queue.C <- ItemUpdate{ExternalKey: "PROJ-7", Kind: scrum.KindTask, ID: task.ID, Status: "Completed"}
	// Rejected updates are logged, not fatal.
	queue.C <- ItemUpdate{ExternalKey: "PROJ-8", Kind: scrum.KindTask, ID: task.ID, Status: "weird"}
	queue.C <- ItemUpdate{ExternalKey: "PROJ-9", Kind: scrum.KindTask, Status: "Completed"} // unmapped
	queue.Close()

	require.NoError(t, s.Drain(context.Background()))

	got, ok := m.Store().GetTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, scrum.TaskCompleted, got.Status)
}

func TestDrainResolvesBugs(t *testing.T) {
	p := openTestProject(t)
	bug, err := p.Scrum().CreateBug(scrum.BugInput{Title: "Crash", Severity: "high"})
	require.NoError(t, err)

	queue := NewChanInbound(1)
	s := NewSyncer(p, queue, nil, testLogger())
	queue.C <- ItemUpdate{ExternalKey: "PROJ-1", Kind: scrum.KindBug, ID: bug.ID, Status: "Resolved"}
	queue.Close()

	require.NoError(t, s.Drain(context.Background()))
	got, _ := p.Scrum().Store().GetBug(bug.ID)
	assert.Equal(t, scrum.BugResolved, got.Status)
}

func TestDrainWithoutInbound(t *testing.T) {
	p := openTestProject(t)
	s := NewSyncer(p, nil, nil, testLogger())
	err := s.Drain(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestDrainStopsOnContextCancel(t *testing.T) {
	p := openTestProject(t)
	queue := NewChanInbound(0)
	s := NewSyncer(p, queue, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Drain(ctx))
}

func TestChanInboundClose(t *testing.T) {
	queue := NewChanInbound(1)
	queue.C <- ItemUpdate{ExternalKey: "PROJ-1"}
	queue.Close()

	update, err := queue.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PROJ-1", update.ExternalKey)

	_, err = queue.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}
