package scrum

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arctek/foundry/internal/errs"
)

// Manager exposes backlog and sprint operations on top of the store. All
// operations validate their inputs and persist before returning. Manager is
// safe for concurrent use; sprint activation is serialized behind a mutex so
// only one sprint can ever be Active.
type Manager struct {
	mu     sync.Mutex
	store  *Store
	ids    *IDGenerator
	logger *slog.Logger
}

// NewManager creates a manager over a loaded store.
func NewManager(store *Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ids:    NewIDGenerator(),
		logger: logger,
	}
}

// Store exposes the underlying store for read-side collaborators.
func (m *Manager) Store() *Store {
	return m.store
}

// StoryInput carries the fields for CreateStory.
type StoryInput struct {
	Title              string
	Role               string
	Want               string
	Benefit            string
	Description        string
	AcceptanceCriteria []string
	Priority           string
	EpicID             string
}

// CreateStory validates and persists a new user story in Backlog.
func (m *Manager) CreateStory(in StoryInput) (*Story, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errs.New(errs.KindValidation, "story title is required")
	}
	if in.EpicID != "" && !m.store.HasEpic(in.EpicID) {
		return nil, errs.Newf(errs.KindNotFound, "epic %s not found", in.EpicID)
	}

	id, err := m.ids.Next(PrefixStory, m.store.HasStory)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	story := &Story{
		ID:                 id,
		Title:              in.Title,
		Role:               in.Role,
		Want:               in.Want,
		Benefit:            in.Benefit,
		Description:        in.Description,
		AcceptanceCriteria: in.AcceptanceCriteria,
		Priority:           NormalizePriority(in.Priority),
		Status:             StoryBacklog,
		EpicID:             in.EpicID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.PutStory(story); err != nil {
		return nil, err
	}

	if in.EpicID != "" {
		if err := m.linkStoryToEpic(in.EpicID, id); err != nil {
			return nil, err
		}
	}

	m.logger.Info("story created", "id", id, "title", in.Title, "priority", story.Priority)
	return story, nil
}

func (m *Manager) linkStoryToEpic(epicID, storyID string) error {
	epic, ok := m.store.GetEpic(epicID)
	if !ok {
		return errs.Newf(errs.KindNotFound, "epic %s not found", epicID)
	}
	for _, id := range epic.StoryIDs {
		if id == storyID {
			return nil
		}
	}
	epic.StoryIDs = append(epic.StoryIDs, storyID)
	return m.store.PutEpic(epic)
}

// TaskInput carries the fields for CreateTask.
type TaskInput struct {
	StoryID          string
	Title            string
	Description      string
	TechnicalDetails string
	EstimatedHours   float64
	TestCriteria     []string
	Dependencies     []string
	Priority         string
}

// CreateTask validates and persists a new task in Pending. The story and
// every dependency must already exist.
func (m *Manager) CreateTask(in TaskInput) (*Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errs.New(errs.KindValidation, "task title is required")
	}
	if !m.store.HasStory(in.StoryID) {
		return nil, errs.Newf(errs.KindNotFound, "story %s not found", in.StoryID)
	}
	for _, dep := range in.Dependencies {
		if !m.store.HasTask(dep) {
			return nil, errs.Newf(errs.KindNotFound, "dependency task %s not found", dep)
		}
	}

	id, err := m.ids.Next(PrefixTask, m.store.HasTask)
	if err != nil {
		return nil, err
	}

	hours := in.EstimatedHours
	if hours <= 0 {
		hours = 4
	}

	task := &Task{
		ID:               id,
		StoryID:          in.StoryID,
		Title:            in.Title,
		Description:      in.Description,
		TechnicalDetails: in.TechnicalDetails,
		EstimatedHours:   hours,
		Status:           TaskPending,
		TestCriteria:     in.TestCriteria,
		Dependencies:     in.Dependencies,
		Priority:         NormalizePriority(in.Priority),
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.store.PutTask(task); err != nil {
		return nil, err
	}

	m.logger.Info("task created", "id", id, "storyId", in.StoryID, "title", in.Title)
	return task, nil
}

// BugInput carries the fields for CreateBug.
type BugInput struct {
	Title            string
	Description      string
	StepsToReproduce []string
	Expected         string
	Actual           string
	Severity         string
	Priority         string
	StoryPoints      int
	AffectedStoryIDs []string
}

// CreateBug validates and persists a new bug in Open. Points default from
// severity when unset.
func (m *Manager) CreateBug(in BugInput) (*Bug, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errs.New(errs.KindValidation, "bug title is required")
	}
	for _, storyID := range in.AffectedStoryIDs {
		if !m.store.HasStory(storyID) {
			return nil, errs.Newf(errs.KindNotFound, "affected story %s not found", storyID)
		}
	}

	id, err := m.ids.Next(PrefixBug, m.store.HasBug)
	if err != nil {
		return nil, err
	}

	severity := Severity(NormalizePriority(in.Severity)) // same word set
	points := in.StoryPoints
	if points == 0 {
		points = severity.Points()
	}

	bug := &Bug{
		ID:               id,
		Title:            in.Title,
		Description:      in.Description,
		StepsToReproduce: in.StepsToReproduce,
		Expected:         in.Expected,
		Actual:           in.Actual,
		Severity:         severity,
		Priority:         NormalizePriority(in.Priority),
		Status:           BugOpen,
		StoryPoints:      points,
		AffectedStoryIDs: in.AffectedStoryIDs,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.store.PutBug(bug); err != nil {
		return nil, err
	}

	m.logger.Info("bug created", "id", id, "severity", severity, "points", points)
	return bug, nil
}

// CreateEpic validates and persists a new epic.
func (m *Manager) CreateEpic(title, description, businessValue string) (*Epic, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errs.New(errs.KindValidation, "epic title is required")
	}
	id, err := m.ids.Next(PrefixEpic, m.store.HasEpic)
	if err != nil {
		return nil, err
	}
	epic := &Epic{
		ID:            id,
		Title:         title,
		Description:   description,
		BusinessValue: businessValue,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.PutEpic(epic); err != nil {
		return nil, err
	}
	return epic, nil
}

// EstimateStory sets story points manually. Points must be on the Fibonacci
// scale. Epic totals are rolled up afterwards.
func (m *Manager) EstimateStory(storyID string, points int) (*Story, error) {
	if !ValidPoints(points) {
		return nil, errs.Newf(errs.KindValidation, "points must be one of %v", FibonacciScale)
	}
	return m.setStoryPoints(storyID, points)
}

// AutoEstimateStory derives story points from the complexity score.
func (m *Manager) AutoEstimateStory(storyID string) (*Story, error) {
	story, ok := m.store.GetStory(storyID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "story %s not found", storyID)
	}
	points := EstimateStoryPoints(story)
	m.logger.Info("story auto-estimated", "id", storyID, "points", points)
	return m.setStoryPoints(storyID, points)
}

func (m *Manager) setStoryPoints(storyID string, points int) (*Story, error) {
	story, ok := m.store.GetStory(storyID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "story %s not found", storyID)
	}
	story.StoryPoints = points
	story.UpdatedAt = time.Now().UTC()
	if err := m.store.PutStory(story); err != nil {
		return nil, err
	}
	if story.EpicID != "" {
		if err := m.updateEpicPoints(story.EpicID); err != nil {
			return nil, err
		}
	}
	return story, nil
}

// updateEpicPoints recomputes an epic's total and completed points from its
// stories.
func (m *Manager) updateEpicPoints(epicID string) error {
	epic, ok := m.store.GetEpic(epicID)
	if !ok {
		return nil
	}
	total, completed := 0, 0
	for _, storyID := range epic.StoryIDs {
		story, ok := m.store.GetStory(storyID)
		if !ok {
			continue
		}
		total += story.StoryPoints
		if story.Status == StoryDone {
			completed += story.StoryPoints
		}
	}
	epic.TotalPoints = total
	epic.CompletedPoints = completed
	return m.store.PutEpic(epic)
}

// PlanSprint creates a sprint and, when autoPlan is set, greedily fills it
// from the backlog in priority order up to velocityTarget points. Critical
// bugs are scheduled first, then estimated stories with their tasks, then
// remaining bugs. Selected items are reserved by moving to Ready.
func (m *Manager) PlanSprint(name, goal string, durationDays, velocityTarget int, autoPlan bool) (*Sprint, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errs.New(errs.KindValidation, "sprint name is required")
	}
	if durationDays <= 0 {
		durationDays = 14
	}

	id, err := m.ids.Next(PrefixSprint, m.store.HasSprint)
	if err != nil {
		return nil, err
	}

	sprint := &Sprint{
		ID:             id,
		Name:           name,
		Goal:           goal,
		DurationDays:   durationDays,
		Status:         SprintPlanned,
		VelocityTarget: velocityTarget,
		CreatedAt:      time.Now().UTC(),
	}

	if autoPlan {
		if err := m.fillSprint(sprint); err != nil {
			return nil, err
		}
	}

	if err := m.store.PutSprint(sprint); err != nil {
		return nil, err
	}
	m.logger.Info("sprint planned", "id", id, "name", name,
		"committedPoints", sprint.CommittedPoints, "items", len(sprint.CommittedItems))
	return sprint, nil
}

func (m *Manager) fillSprint(sprint *Sprint) error {
	budget := sprint.VelocityTarget
	total := 0

	bugs := m.store.Bugs()
	sort.Slice(bugs, func(i, j int) bool {
		if bugs[i].Priority.Rank() != bugs[j].Priority.Rank() {
			return bugs[i].Priority.Rank() < bugs[j].Priority.Rank()
		}
		return bugs[i].CreatedAt.Before(bugs[j].CreatedAt)
	})

	stories := m.store.Stories()
	sort.Slice(stories, func(i, j int) bool {
		if stories[i].Priority.Rank() != stories[j].Priority.Rank() {
			return stories[i].Priority.Rank() < stories[j].Priority.Rank()
		}
		if stories[i].StoryPoints != stories[j].StoryPoints {
			return stories[i].StoryPoints > stories[j].StoryPoints
		}
		return stories[i].CreatedAt.Before(stories[j].CreatedAt)
	})

	takeBug := func(b *Bug) error {
		sprint.CommittedItems = append(sprint.CommittedItems, SprintItem{Kind: KindBug, ID: b.ID})
		total += b.StoryPoints
		b.Status = BugInProgress
		return m.store.PutBug(b)
	}

	// Critical open bugs jump the queue.
	for _, b := range bugs {
		if b.Status != BugOpen || b.Severity != SeverityCritical {
			continue
		}
		if total+b.StoryPoints > budget {
			continue
		}
		if err := takeBug(b); err != nil {
			return err
		}
	}

	// Estimated backlog stories, highest priority first, with their tasks.
	for _, st := range stories {
		if st.Status != StoryBacklog || !st.Estimated() {
			continue
		}
		if total+st.StoryPoints > budget {
			continue
		}
		sprint.CommittedItems = append(sprint.CommittedItems, SprintItem{Kind: KindStory, ID: st.ID})
		total += st.StoryPoints
		st.Status = StoryReady
		st.UpdatedAt = time.Now().UTC()
		if err := m.store.PutStory(st); err != nil {
			return err
		}
		tasks := m.store.TasksForStory(st.ID)
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
		for _, t := range tasks {
			if t.Status != TaskPending {
				continue
			}
			sprint.CommittedItems = append(sprint.CommittedItems, SprintItem{Kind: KindTask, ID: t.ID})
		}
	}

	// Remaining open bugs fill leftover capacity.
	for _, b := range bugs {
		if b.Status != BugOpen {
			continue
		}
		if total+b.StoryPoints > budget {
			continue
		}
		if err := takeBug(b); err != nil {
			return err
		}
	}

	sprint.CommittedPoints = total
	return nil
}

// StartSprint activates a planned sprint. Exactly one sprint may be Active.
func (m *Manager) StartSprint(sprintID string) (*Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if active, ok := m.store.ActiveSprint(); ok {
		return nil, errs.Newf(errs.KindConflict, "sprint %s is already active", active.ID).
			WithHint("complete the active sprint before starting another")
	}

	sprint, ok := m.store.GetSprint(sprintID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "sprint %s not found", sprintID)
	}
	if sprint.Status != SprintPlanned {
		return nil, errs.Newf(errs.KindConflict, "sprint %s is %s, not Planned", sprintID, sprint.Status)
	}
	if len(sprint.CommittedItems) == 0 {
		return nil, errs.New(errs.KindValidation, "sprint has no committed work")
	}

	now := time.Now().UTC()
	sprint.Status = SprintActive
	sprint.StartDate = now
	sprint.EndDate = now.AddDate(0, 0, sprint.DurationDays)
	sprint.Burndown = append(sprint.Burndown, BurndownPoint{At: now, Remaining: sprint.CommittedPoints})

	if err := m.store.PutSprint(sprint); err != nil {
		return nil, err
	}
	m.logger.Info("sprint started", "id", sprintID, "endDate", sprint.EndDate)
	return sprint, nil
}

// CompleteSprint finishes the active sprint. Unfinished items return to the
// backlog keeping their estimates; a final burndown point is written.
func (m *Manager) CompleteSprint(sprintID, retrospective string) (*Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sprint, ok := m.store.GetSprint(sprintID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "sprint %s not found", sprintID)
	}
	if sprint.Status != SprintActive {
		return nil, errs.Newf(errs.KindConflict, "sprint %s is %s, only Active sprints can be completed", sprintID, sprint.Status)
	}

	for _, item := range sprint.CommittedItems {
		switch item.Kind {
		case KindStory:
			st, ok := m.store.GetStory(item.ID)
			if !ok || st.Status == StoryDone {
				continue
			}
			st.Status = StoryBacklog
			st.UpdatedAt = time.Now().UTC()
			if err := m.store.PutStory(st); err != nil {
				return nil, err
			}
		case KindTask:
			t, ok := m.store.GetTask(item.ID)
			if !ok || t.Status == TaskCompleted {
				continue
			}
			t.Status = TaskPending
			if err := m.store.PutTask(t); err != nil {
				return nil, err
			}
		case KindBug:
			b, ok := m.store.GetBug(item.ID)
			if !ok || b.Status == BugResolved || b.Status == BugClosed {
				continue
			}
			b.Status = BugOpen
			if err := m.store.PutBug(b); err != nil {
				return nil, err
			}
		}
	}

	remaining := m.remainingPoints(sprint)
	now := time.Now().UTC()
	sprint.Status = SprintCompleted
	sprint.EndDate = now
	sprint.RetrospectiveNotes = retrospective
	sprint.CompletedPoints = sprint.CommittedPoints - remaining
	sprint.Burndown = append(sprint.Burndown, BurndownPoint{At: now, Remaining: remaining})

	if err := m.store.PutSprint(sprint); err != nil {
		return nil, err
	}
	m.logger.Info("sprint completed", "id", sprintID,
		"completedPoints", sprint.CompletedPoints, "committedPoints", sprint.CommittedPoints)
	return sprint, nil
}

// remainingPoints sums the points of committed stories not Done and bugs not
// Resolved.
func (m *Manager) remainingPoints(sprint *Sprint) int {
	remaining := 0
	for _, item := range sprint.CommittedItems {
		switch item.Kind {
		case KindStory:
			if st, ok := m.store.GetStory(item.ID); ok && st.Status != StoryDone {
				remaining += st.StoryPoints
			}
		case KindBug:
			if b, ok := m.store.GetBug(item.ID); ok && b.Status != BugResolved && b.Status != BugClosed {
				remaining += b.StoryPoints
			}
		}
	}
	return remaining
}

// UpdateBurndown appends a burndown sample to the active sprint.
func (m *Manager) UpdateBurndown(sprintID string) (*Sprint, error) {
	sprint, ok := m.store.GetSprint(sprintID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "sprint %s not found", sprintID)
	}
	remaining := m.remainingPoints(sprint)
	sprint.CompletedPoints = sprint.CommittedPoints - remaining
	sprint.Burndown = append(sprint.Burndown, BurndownPoint{At: time.Now().UTC(), Remaining: remaining})
	if err := m.store.PutSprint(sprint); err != nil {
		return nil, err
	}
	return sprint, nil
}

// RecordHandoff appends a handoff entry to a sprint's narrative.
func (m *Manager) RecordHandoff(sprintID string, h Handoff) error {
	sprint, ok := m.store.GetSprint(sprintID)
	if !ok {
		return errs.Newf(errs.KindNotFound, "sprint %s not found", sprintID)
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	sprint.Handoffs = append(sprint.Handoffs, h)
	return m.store.PutSprint(sprint)
}

// Velocity returns the mean completed points over the last n Completed
// sprints, or 0 when no history exists.
func (m *Manager) Velocity(n int) float64 {
	if n <= 0 {
		n = 3
	}
	var completed []*Sprint
	for _, sp := range m.store.Sprints() {
		if sp.Status == SprintCompleted {
			completed = append(completed, sp)
		}
	}
	if len(completed) == 0 {
		return 0
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].EndDate.After(completed[j].EndDate) })
	if len(completed) > n {
		completed = completed[:n]
	}
	total := 0
	for _, sp := range completed {
		total += sp.CompletedPoints
	}
	return float64(total) / float64(len(completed))
}

// MarkTaskInProgress transitions a task to In Progress after verifying every
// dependency is Completed.
func (m *Manager) MarkTaskInProgress(taskID, agent string) (*Task, error) {
	task, ok := m.store.GetTask(taskID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "task %s not found", taskID)
	}
	for _, dep := range task.Dependencies {
		d, ok := m.store.GetTask(dep)
		if !ok {
			return nil, errs.Newf(errs.KindNotFound, "dependency task %s not found", dep)
		}
		if d.Status != TaskCompleted {
			return nil, errs.Newf(errs.KindDependency, "task %s depends on %s which is %s", taskID, dep, d.Status)
		}
	}
	task.Status = TaskInProgress
	if agent != "" {
		task.AssignedAgent = agent
	}
	if err := m.store.PutTask(task); err != nil {
		return nil, err
	}

	if story, ok := m.store.GetStory(task.StoryID); ok && story.Status == StoryReady {
		story.Status = StoryInProgress
		story.UpdatedAt = time.Now().UTC()
		if err := m.store.PutStory(story); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// CompleteTask marks a task Completed and promotes its story to Done when
// every sibling task is Completed.
func (m *Manager) CompleteTask(taskID string) (*Task, error) {
	task, ok := m.store.GetTask(taskID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "task %s not found", taskID)
	}
	task.Status = TaskCompleted
	task.CompletedAt = time.Now().UTC()
	if err := m.store.PutTask(task); err != nil {
		return nil, err
	}

	siblings := m.store.TasksForStory(task.StoryID)
	allDone := true
	for _, t := range siblings {
		if t.Status != TaskCompleted {
			allDone = false
			break
		}
	}
	if allDone {
		if story, ok := m.store.GetStory(task.StoryID); ok && story.Status != StoryDone {
			story.Status = StoryDone
			story.UpdatedAt = time.Now().UTC()
			if err := m.store.PutStory(story); err != nil {
				return nil, err
			}
			if story.EpicID != "" {
				if err := m.updateEpicPoints(story.EpicID); err != nil {
					return nil, err
				}
			}
		}
	}
	return task, nil
}

// BlockTask marks a task Blocked with the failure reason in the log.
func (m *Manager) BlockTask(taskID, reason string) (*Task, error) {
	task, ok := m.store.GetTask(taskID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "task %s not found", taskID)
	}
	task.Status = TaskBlocked
	if err := m.store.PutTask(task); err != nil {
		return nil, err
	}
	m.logger.Warn("task blocked", "id", taskID, "reason", reason)
	return task, nil
}

// AssignAgent pins a task to a named agent.
func (m *Manager) AssignAgent(taskID, agent string) (*Task, error) {
	task, ok := m.store.GetTask(taskID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "task %s not found", taskID)
	}
	task.AssignedAgent = agent
	if err := m.store.PutTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// ResolveBug marks a bug Resolved.
func (m *Manager) ResolveBug(bugID string) (*Bug, error) {
	bug, ok := m.store.GetBug(bugID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "bug %s not found", bugID)
	}
	bug.Status = BugResolved
	bug.ResolvedAt = time.Now().UTC()
	if err := m.store.PutBug(bug); err != nil {
		return nil, err
	}
	return bug, nil
}

// CreateRoadmap persists a roadmap. When seedMilestones is set the roadmap is
// initialized with four quarterly-style milestones spread over 16 weeks.
func (m *Manager) CreateRoadmap(name, vision string, seedMilestones bool) (*Roadmap, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errs.New(errs.KindValidation, "roadmap name is required")
	}
	id, err := m.ids.Next(PrefixRoadmap, func(id string) bool {
		_, ok := m.store.GetRoadmap(id)
		return ok
	})
	if err != nil {
		return nil, err
	}

	roadmap := &Roadmap{
		ID:        id,
		Name:      name,
		Vision:    vision,
		CreatedAt: time.Now().UTC(),
	}
	if seedMilestones {
		base := time.Now().UTC()
		names := []string{"Foundation", "Core Features", "Hardening", "Launch"}
		for i, n := range names {
			roadmap.Milestones = append(roadmap.Milestones, Milestone{
				Name:       n,
				TargetDate: base.AddDate(0, 0, (i+1)*28),
				Status:     "Planning",
			})
		}
	}
	if err := m.store.PutRoadmap(roadmap); err != nil {
		return nil, err
	}
	return roadmap, nil
}

// AddMilestone appends a milestone to a roadmap.
func (m *Manager) AddMilestone(roadmapID string, ms Milestone) (*Roadmap, error) {
	roadmap, ok := m.store.GetRoadmap(roadmapID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "roadmap %s not found", roadmapID)
	}
	if ms.Status == "" {
		ms.Status = "Planning"
	}
	roadmap.Milestones = append(roadmap.Milestones, ms)
	if err := m.store.PutRoadmap(roadmap); err != nil {
		return nil, err
	}
	return roadmap, nil
}

// BacklogReport summarizes unscheduled work.
type BacklogReport struct {
	TotalStories     int     `json:"totalStories"`
	TotalBugs        int     `json:"totalBugs"`
	TotalPoints      int     `json:"totalPoints"`
	CriticalBugs     int     `json:"criticalBugs"`
	EstimatedSprints float64 `json:"estimatedSprints"`
}

// Backlog computes the backlog report.
func (m *Manager) Backlog() BacklogReport {
	var r BacklogReport
	for _, st := range m.store.Stories() {
		if st.Status == StoryBacklog {
			r.TotalStories++
			r.TotalPoints += st.StoryPoints
		}
	}
	for _, b := range m.store.Bugs() {
		if b.Status == BugOpen {
			r.TotalBugs++
			if b.Severity == SeverityCritical {
				r.CriticalBugs++
			}
		}
	}
	if v := m.Velocity(3); v > 0 && r.TotalPoints > 0 {
		r.EstimatedSprints = float64(r.TotalPoints) / v
	}
	return r
}

// SprintReport summarizes one sprint's progress.
type SprintReport struct {
	SprintID             string          `json:"sprintId"`
	Name                 string          `json:"name"`
	Goal                 string          `json:"goal"`
	Status               SprintStatus    `json:"status"`
	CommittedPoints      int             `json:"committedPoints"`
	CompletedPoints      int             `json:"completedPoints"`
	CompletionPercentage float64         `json:"completionPercentage"`
	Stories              int             `json:"stories"`
	Tasks                int             `json:"tasks"`
	Bugs                 int             `json:"bugs"`
	Burndown             []BurndownPoint `json:"burndown,omitempty"`
	Handoffs             []Handoff       `json:"handoffs,omitempty"`
}

// Report computes the sprint report for one sprint.
func (m *Manager) Report(sprintID string) (*SprintReport, error) {
	sprint, ok := m.store.GetSprint(sprintID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "sprint %s not found", sprintID)
	}
	r := &SprintReport{
		SprintID:        sprint.ID,
		Name:            sprint.Name,
		Goal:            sprint.Goal,
		Status:          sprint.Status,
		CommittedPoints: sprint.CommittedPoints,
		CompletedPoints: sprint.CompletedPoints,
		Burndown:        sprint.Burndown,
		Handoffs:        sprint.Handoffs,
	}
	if sprint.CommittedPoints > 0 {
		r.CompletionPercentage = float64(sprint.CompletedPoints) / float64(sprint.CommittedPoints) * 100
	}
	for _, item := range sprint.CommittedItems {
		switch item.Kind {
		case KindStory:
			r.Stories++
		case KindTask:
			r.Tasks++
		case KindBug:
			r.Bugs++
		}
	}
	return r, nil
}
