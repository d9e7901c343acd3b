// Package scrum provides the SCRUM entity model and backlog management for
// Foundry. It tracks stories, tasks, and bugs through sprint execution using
// JSON-file persistence.
package scrum

import (
	"strings"
	"time"
)

// Priority determines the order items are planned into sprints.
type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// Rank returns the sort rank of a priority; lower is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 3
	}
}

// NormalizePriority accepts legacy lowercase forms and returns the symbolic name.
func NormalizePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium", "":
		return PriorityMedium
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Severity classifies a bug's impact.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Points maps severity to story points for auto-estimated bugs.
func (s Severity) Points() int {
	switch s {
	case SeverityCritical:
		return 8
	case SeverityHigh:
		return 5
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 1
	default:
		return 3
	}
}

// StoryStatus represents the lifecycle stage of a user story.
type StoryStatus string

const (
	StoryBacklog    StoryStatus = "Backlog"
	StoryReady      StoryStatus = "Ready"
	StoryInProgress StoryStatus = "In Progress"
	StoryDone       StoryStatus = "Done"
	StoryBlocked    StoryStatus = "Blocked"
)

// TaskStatus represents the lifecycle stage of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskInProgress TaskStatus = "In Progress"
	TaskTesting    TaskStatus = "Testing"
	TaskCompleted  TaskStatus = "Completed"
	TaskBlocked    TaskStatus = "Blocked"
)

// BugStatus represents the lifecycle stage of a bug.
type BugStatus string

const (
	BugOpen       BugStatus = "Open"
	BugInProgress BugStatus = "In Progress"
	BugResolved   BugStatus = "Resolved"
	BugClosed     BugStatus = "Closed"
)

// SprintStatus represents the lifecycle stage of a sprint.
type SprintStatus string

const (
	SprintPlanned   SprintStatus = "Planned"
	SprintActive    SprintStatus = "Active"
	SprintCompleted SprintStatus = "Completed"
	SprintCancelled SprintStatus = "Cancelled"
)

// Persisted data may predate the enum forms, so all status reads go through
// these accessors. They accept the symbolic name or a legacy string form and
// return the symbolic name; unknown values degrade to the most permissive
// state. The second return reports whether the input was recognized.

// ParseStoryStatus normalizes a stored story status.
func ParseStoryStatus(s string) (StoryStatus, bool) {
	switch canonical(s) {
	case "backlog":
		return StoryBacklog, true
	case "ready":
		return StoryReady, true
	case "inprogress":
		return StoryInProgress, true
	case "done":
		return StoryDone, true
	case "blocked":
		return StoryBlocked, true
	default:
		return StoryBacklog, false
	}
}

// ParseTaskStatus normalizes a stored task status.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch canonical(s) {
	case "pending", "backlog":
		return TaskPending, true
	case "inprogress":
		return TaskInProgress, true
	case "testing":
		return TaskTesting, true
	case "completed", "done":
		return TaskCompleted, true
	case "blocked":
		return TaskBlocked, true
	default:
		return TaskPending, false
	}
}

// ParseBugStatus normalizes a stored bug status.
func ParseBugStatus(s string) (BugStatus, bool) {
	switch canonical(s) {
	case "open":
		return BugOpen, true
	case "inprogress":
		return BugInProgress, true
	case "resolved":
		return BugResolved, true
	case "closed":
		return BugClosed, true
	default:
		return BugOpen, false
	}
}

// ParseSprintStatus normalizes a stored sprint status.
func ParseSprintStatus(s string) (SprintStatus, bool) {
	switch canonical(s) {
	case "planned", "planning":
		return SprintPlanned, true
	case "active":
		return SprintActive, true
	case "completed":
		return SprintCompleted, true
	case "cancelled", "canceled":
		return SprintCancelled, true
	default:
		return SprintPlanned, false
	}
}

// canonical strips spaces, dashes and underscores and lowercases for tolerant
// status comparison ("In Progress", "in_progress" and "IN-PROGRESS" all match).
func canonical(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '-', '_':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// FibonacciScale is the set of legal story point values.
var FibonacciScale = []int{1, 2, 3, 5, 8, 13, 21}

// ValidPoints reports whether points is on the Fibonacci scale.
func ValidPoints(points int) bool {
	for _, p := range FibonacciScale {
		if p == points {
			return true
		}
	}
	return false
}

// Story is a user story with acceptance criteria. Story points of zero mean
// the story has not been estimated yet.
type Story struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Role               string      `json:"role"`    // As a [role]
	Want               string      `json:"want"`    // I want [feature]
	Benefit            string      `json:"benefit"` // So that [benefit]
	Description        string      `json:"description,omitempty"`
	AcceptanceCriteria []string    `json:"acceptanceCriteria"`
	Priority           Priority    `json:"priority"`
	Status             StoryStatus `json:"status"`
	StoryPoints        int         `json:"storyPoints"`
	EpicID             string      `json:"epicId,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Estimated reports whether the story has been assigned points.
func (s *Story) Estimated() bool {
	return s.StoryPoints > 0
}

// Task is a unit of work under a story. A task may enter In Progress only
// after every dependency is Completed.
type Task struct {
	ID               string     `json:"id"`
	StoryID          string     `json:"storyId"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	TechnicalDetails string     `json:"technicalDetails,omitempty"`
	EstimatedHours   float64    `json:"estimatedHours"`
	Status           TaskStatus `json:"status"`
	AssignedAgent    string     `json:"assignedAgent,omitempty"`
	TestCriteria     []string   `json:"testCriteria,omitempty"`
	Dependencies     []string   `json:"dependencies,omitempty"`
	Priority         Priority   `json:"priority"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      time.Time  `json:"completedAt,omitempty"`
}

// Bug is a schedulable defect report. Points are auto-derived from severity
// when unset.
type Bug struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	StepsToReproduce []string  `json:"stepsToReproduce,omitempty"`
	Expected         string    `json:"expected"`
	Actual           string    `json:"actual"`
	Severity         Severity  `json:"severity"`
	Priority         Priority  `json:"priority"`
	Status           BugStatus `json:"status"`
	StoryPoints      int       `json:"storyPoints"`
	AffectedStoryIDs []string  `json:"affectedStoryIds,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ResolvedAt       time.Time `json:"resolvedAt,omitempty"`
}

// ItemKind distinguishes the entity kinds a sprint can commit to.
type ItemKind string

const (
	KindStory ItemKind = "story"
	KindTask  ItemKind = "task"
	KindBug   ItemKind = "bug"
)

// SprintItem references a committed backlog item by kind and ID.
type SprintItem struct {
	Kind ItemKind `json:"kind"`
	ID   string   `json:"id"`
}

// BurndownPoint is one sample of remaining points in an active sprint.
type BurndownPoint struct {
	At        time.Time `json:"at"`
	Remaining int       `json:"remaining"`
}

// Handoff records a transition of task ownership from one agent to another.
type Handoff struct {
	FromAgent string    `json:"fromAgent"`
	ToAgent   string    `json:"toAgent"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Sprint is a time-boxed execution of a frozen scope. Exactly one sprint may
// be Active process-wide.
type Sprint struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Goal               string          `json:"goal"`
	DurationDays       int             `json:"durationDays"`
	Status             SprintStatus    `json:"status"`
	StartDate          time.Time       `json:"startDate,omitempty"`
	EndDate            time.Time       `json:"endDate,omitempty"`
	CommittedItems     []SprintItem    `json:"committedItems"`
	CommittedPoints    int             `json:"committedPoints"`
	CompletedPoints    int             `json:"completedPoints"`
	VelocityTarget     int             `json:"velocityTarget"`
	Burndown           []BurndownPoint `json:"burndown,omitempty"`
	Handoffs           []Handoff       `json:"handoffs,omitempty"`
	RetrospectiveNotes string          `json:"retrospectiveNotes,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// Epic groups related stories under a theme and business value.
type Epic struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	BusinessValue   string    `json:"businessValue"`
	StoryIDs        []string  `json:"storyIds"`
	TotalPoints     int       `json:"totalPoints"`
	CompletedPoints int       `json:"completedPoints"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Milestone is one roadmap entry with a target date and success criteria.
type Milestone struct {
	Name            string    `json:"name"`
	TargetDate      time.Time `json:"targetDate"`
	StoryIDs        []string  `json:"storyIds,omitempty"`
	SuccessCriteria []string  `json:"successCriteria,omitempty"`
	Status          string    `json:"status"`
}

// Roadmap is an ordered list of milestones for the project.
type Roadmap struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Vision     string      `json:"vision"`
	Milestones []Milestone `json:"milestones"`
	CreatedAt  time.Time   `json:"createdAt"`
}
