package foundry

import (
	"sync"
	"time"
)

// EventType names an observable event in the sprint execution stream.
type EventType string

const (
	EventSprintStarted   EventType = "SprintStarted"
	EventTaskClaimed     EventType = "TaskClaimed"
	EventAgentTakeover   EventType = "AgentTakeover"
	EventPhaseChanged    EventType = "PhaseChanged"
	EventTaskCompleted   EventType = "TaskCompleted"
	EventTaskFailed      EventType = "TaskFailed"
	EventStoryChanged    EventType = "StoryChanged"
	EventHandoff         EventType = "Handoff"
	EventSprintCompleted EventType = "SprintCompleted"
	EventError           EventType = "Error"
)

// Event is one entry in the stream. Fields are filled as applicable to the
// event type.
type Event struct {
	Type     EventType `json:"type"`
	SprintID string    `json:"sprintId,omitempty"`
	TaskID   string    `json:"taskId,omitempty"`
	StoryID  string    `json:"storyId,omitempty"`
	Agent    string    `json:"agent,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	Status   string    `json:"status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Message  string    `json:"message,omitempty"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

// Bus delivers events synchronously and in order to subscribed callbacks.
// Within a sprint the event order is consistent with task execution order.
type Bus struct {
	mu   sync.Mutex
	subs []func(Event)
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a callback. Callbacks run on the publishing goroutine;
// a slow subscriber slows the sprint.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers an event to every subscriber in registration order.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}
