// Package jira defines the synchronization contracts between the backlog and
// an external issue tracker. The core never talks to a tracker directly; it
// emits outbound change notifications and consumes a queue of normalized
// inbound updates. Transport, authentication, and field mapping live behind
// these interfaces.
package jira

import (
	"context"
	"errors"
	"log/slog"
	"time"

	foundry "github.com/arctek/foundry"
	"github.com/arctek/foundry/internal/errs"
	"github.com/arctek/foundry/scrum"
)

// ItemUpdate is one normalized change to a tracked backlog item, in either
// direction.
type ItemUpdate struct {
	ExternalKey string         `json:"externalKey"` // tracker-side issue key
	Kind        scrum.ItemKind `json:"kind"`
	ID          string         `json:"id"` // backlog-side ID, empty for unmapped inbound items
	Status      string         `json:"status"`
	Title       string         `json:"title,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ErrQueueClosed is returned by Inbound.Next when no more updates will arrive.
var ErrQueueClosed = errors.New("jira: inbound queue closed")

// Inbound is a queue of normalized updates coming from the tracker. Next
// blocks until an update is available, the context is done, or the queue is
// closed.
type Inbound interface {
	Next(ctx context.Context) (ItemUpdate, error)
}

// Outbound receives backlog-side changes destined for the tracker.
// Implementations must tolerate redelivery.
type Outbound interface {
	ItemChanged(ctx context.Context, update ItemUpdate) error
}

// Syncer connects a project to a tracker through the Inbound and Outbound
// contracts. Either side may be nil.
type Syncer struct {
	project  *foundry.Project
	inbound  Inbound
	outbound Outbound
	logger   *slog.Logger
}

// NewSyncer wires a syncer and, when outbound is set, subscribes it to the
// project's event stream so completed and failed tasks are forwarded.
func NewSyncer(project *foundry.Project, inbound Inbound, outbound Outbound, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{project: project, inbound: inbound, outbound: outbound, logger: logger}
	if outbound != nil {
		project.Subscribe(s.forward)
	}
	return s
}

// forward translates task and story lifecycle events into outbound updates.
// Delivery failures are logged; the sprint never waits on the tracker.
func (s *Syncer) forward(e foundry.Event) {
	var update ItemUpdate
	switch e.Type {
	case foundry.EventTaskClaimed:
		update = ItemUpdate{Kind: scrum.KindTask, ID: e.TaskID, Status: string(scrum.TaskInProgress)}
	case foundry.EventTaskCompleted:
		update = ItemUpdate{Kind: scrum.KindTask, ID: e.TaskID, Status: string(scrum.TaskCompleted)}
	case foundry.EventTaskFailed:
		update = ItemUpdate{Kind: scrum.KindTask, ID: e.TaskID, Status: string(scrum.TaskBlocked)}
	case foundry.EventStoryChanged:
		update = ItemUpdate{Kind: scrum.KindStory, ID: e.StoryID, Status: e.Status}
	default:
		return
	}
	update.Assignee = e.Agent
	update.UpdatedAt = e.At
	if err := s.outbound.ItemChanged(context.Background(), update); err != nil {
		s.logger.Warn("outbound sync failed", "id", update.ID, "error", err)
	}
}

// Drain consumes the inbound queue until the context is done or the queue
// closes, applying each update to the backlog.
func (s *Syncer) Drain(ctx context.Context) error {
	if s.inbound == nil {
		return errs.New(errs.KindValidation, "no inbound queue configured")
	}
	for {
		update, err := s.inbound.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.apply(update); err != nil {
			s.logger.Warn("inbound update rejected",
				"externalKey", update.ExternalKey, "id", update.ID, "error", err)
		}
	}
}

// apply maps one inbound update onto the backlog. Unmapped items and unknown
// statuses are rejected, not guessed at.
func (s *Syncer) apply(update ItemUpdate) error {
	if update.ID == "" {
		return errs.Newf(errs.KindValidation, "update for %s has no backlog ID", update.ExternalKey)
	}
	m := s.project.Scrum()
	switch update.Kind {
	case scrum.KindTask:
		status, ok := scrum.ParseTaskStatus(update.Status)
		if !ok {
			return errs.Newf(errs.KindSchema, "unknown task status %q", update.Status)
		}
		switch status {
		case scrum.TaskInProgress:
			_, err := m.MarkTaskInProgress(update.ID, update.Assignee)
			return err
		case scrum.TaskCompleted:
			_, err := m.CompleteTask(update.ID)
			return err
		case scrum.TaskBlocked:
			_, err := m.BlockTask(update.ID, "blocked in tracker")
			return err
		default:
			return errs.Newf(errs.KindValidation, "inbound transition to %q not supported", status)
		}
	case scrum.KindBug:
		status, ok := scrum.ParseBugStatus(update.Status)
		if !ok {
			return errs.Newf(errs.KindSchema, "unknown bug status %q", update.Status)
		}
		if status == scrum.BugResolved {
			_, err := m.ResolveBug(update.ID)
			return err
		}
		return errs.Newf(errs.KindValidation, "inbound transition to %q not supported", status)
	default:
		return errs.Newf(errs.KindValidation, "unsupported item kind %q", update.Kind)
	}
}

// ChanInbound is an in-memory Inbound backed by a channel, suitable for tests
// and embedded queues.
type ChanInbound struct {
	C chan ItemUpdate
}

// NewChanInbound creates a channel-backed inbound queue.
func NewChanInbound(buffer int) *ChanInbound {
	return &ChanInbound{C: make(chan ItemUpdate, buffer)}
}

// Next implements Inbound.
func (q *ChanInbound) Next(ctx context.Context) (ItemUpdate, error) {
	select {
	case update, ok := <-q.C:
		if !ok {
			return ItemUpdate{}, ErrQueueClosed
		}
		return update, nil
	case <-ctx.Done():
		return ItemUpdate{}, ctx.Err()
	}
}

// Close closes the queue; Drain returns after the remaining updates apply.
func (q *ChanInbound) Close() {
	close(q.C)
}
