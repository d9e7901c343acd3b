package scrum

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/arctek/foundry/internal/errs"
)

// Data file names, one per entity kind.
const (
	fileStories  = "stories.json"
	fileTasks    = "tasks.json"
	fileBugs     = "bugs.json"
	fileSprints  = "sprints.json"
	fileEpics    = "epics.json"
	fileRoadmaps = "roadmaps.json"
)

const (
	lockFileName  = ".lock"
	lockTimeout   = 2 * time.Second
	lockRetryStep = 50 * time.Millisecond
)

// Store persists all SCRUM entities as one JSON file per kind under the data
// directory, each mapping ID to entity. Writes are atomic (temp file + rename)
// and serialized behind an advisory file lock so that concurrent processes on
// the same project fail fast instead of corrupting each other.
//
// A file that cannot be deserialized is moved to the quarantine directory and
// its kind is marked corrupt: reads of other kinds keep working, but every
// mutation of the corrupted kind is refused until an operator restores the
// file.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	logger  *slog.Logger

	stories  map[string]*Story
	tasks    map[string]*Task
	bugs     map[string]*Bug
	sprints  map[string]*Sprint
	epics    map[string]*Epic
	roadmaps map[string]*Roadmap

	quarantined map[string]string // file name -> quarantine path
}

// NewStore creates a store rooted at dataDir. Call Load before use.
func NewStore(dataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dataDir:     dataDir,
		logger:      logger,
		stories:     make(map[string]*Story),
		tasks:       make(map[string]*Task),
		bugs:        make(map[string]*Bug),
		sprints:     make(map[string]*Sprint),
		epics:       make(map[string]*Epic),
		roadmaps:    make(map[string]*Roadmap),
		quarantined: make(map[string]string),
	}
}

// Load reads every data file, creating empty ones for missing kinds. Corrupt
// files are quarantined rather than aborting the whole load.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to create data directory")
	}

	if err := loadKind(s, fileStories, &s.stories); err != nil {
		return err
	}
	if err := loadKind(s, fileTasks, &s.tasks); err != nil {
		return err
	}
	if err := loadKind(s, fileBugs, &s.bugs); err != nil {
		return err
	}
	if err := loadKind(s, fileSprints, &s.sprints); err != nil {
		return err
	}
	if err := loadKind(s, fileEpics, &s.epics); err != nil {
		return err
	}
	if err := loadKind(s, fileRoadmaps, &s.roadmaps); err != nil {
		return err
	}

	s.normalizeStatuses()
	return nil
}

// loadKind reads one data file into its map. Unreadable JSON quarantines the
// file; only real I/O failures abort.
func loadKind[T any](s *Store, name string, dst *map[string]*T) error {
	path := filepath.Join(s.dataDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			*dst = make(map[string]*T)
			return os.WriteFile(path, []byte("{}\n"), 0644)
		}
		return errs.Wrap(errs.KindIO, err, fmt.Sprintf("failed to read %s", name))
	}

	m := make(map[string]*T)
	if err := json.Unmarshal(data, &m); err != nil {
		qpath, qerr := s.quarantine(name)
		if qerr != nil {
			return qerr
		}
		s.quarantined[name] = qpath
		s.logger.Warn("quarantined corrupt data file",
			"file", name, "movedTo", qpath, "parseError", err)
		*dst = make(map[string]*T)
		return nil
	}
	*dst = m
	return nil
}

// quarantine moves a corrupt data file into the quarantine directory with a
// timestamp suffix so successive corruptions do not overwrite each other.
func (s *Store) quarantine(name string) (string, error) {
	qdir := filepath.Join(s.dataDir, "quarantine")
	if err := os.MkdirAll(qdir, 0755); err != nil {
		return "", errs.Wrap(errs.KindIO, err, "failed to create quarantine directory")
	}
	dst := filepath.Join(qdir, fmt.Sprintf("%s.%s", name, time.Now().UTC().Format("20060102T150405")))
	if err := os.Rename(filepath.Join(s.dataDir, name), dst); err != nil {
		return "", errs.Wrap(errs.KindIO, err, fmt.Sprintf("failed to quarantine %s", name))
	}
	return dst, nil
}

// normalizeStatuses rewrites legacy status strings to their symbolic forms.
// Unknown values degrade to the most permissive state with a warning.
func (s *Store) normalizeStatuses() {
	for id, st := range s.stories {
		norm, ok := ParseStoryStatus(string(st.Status))
		if !ok {
			s.logger.Warn("unknown story status, resetting", "id", id, "status", st.Status)
		}
		st.Status = norm
		st.Priority = NormalizePriority(string(st.Priority))
	}
	for id, t := range s.tasks {
		norm, ok := ParseTaskStatus(string(t.Status))
		if !ok {
			s.logger.Warn("unknown task status, resetting", "id", id, "status", t.Status)
		}
		t.Status = norm
		t.Priority = NormalizePriority(string(t.Priority))
	}
	for id, b := range s.bugs {
		norm, ok := ParseBugStatus(string(b.Status))
		if !ok {
			s.logger.Warn("unknown bug status, resetting", "id", id, "status", b.Status)
		}
		b.Status = norm
		b.Priority = NormalizePriority(string(b.Priority))
	}
	for id, sp := range s.sprints {
		norm, ok := ParseSprintStatus(string(sp.Status))
		if !ok {
			s.logger.Warn("unknown sprint status, resetting", "id", id, "status", sp.Status)
		}
		sp.Status = norm
	}
}

// checkMutable refuses mutations of a quarantined kind.
func (s *Store) checkMutable(name string) error {
	if qpath, ok := s.quarantined[name]; ok {
		return errs.Newf(errs.KindSchema, "%s is quarantined, refusing mutation", name).
			WithHint(fmt.Sprintf("restore or repair %s and reload the project", qpath))
	}
	return nil
}

// Quarantined returns the file names currently quarantined.
func (s *Store) Quarantined() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.quarantined {
		names = append(names, name)
	}
	return names
}

// saveKind writes one kind's map atomically under the advisory lock.
func saveKind[T any](s *Store, name string, m map[string]*T) error {
	if err := s.checkMutable(name); err != nil {
		return err
	}

	unlock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, fmt.Sprintf("failed to serialize %s", name))
	}

	path := filepath.Join(s.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.Wrap(errs.KindIO, err, fmt.Sprintf("failed to write %s", name))
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindIO, err, fmt.Sprintf("failed to rename %s", name))
	}
	return nil
}

// acquireLock takes the advisory file lock, retrying for a short window before
// declaring the project busy. The returned function releases the lock.
func (s *Store) acquireLock() (func(), error) {
	path := filepath.Join(s.dataDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "failed to open lock file")
	}

	deadline := time.Now().Add(lockTimeout)
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, errs.New(errs.KindIO, "project busy: another process holds the data lock").
				WithHint("wait for the other Foundry process to finish or remove a stale " + path)
		}
		time.Sleep(lockRetryStep)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// Backup copies every data file into backups/<timestamp>/ and returns the
// backup directory. Taken before destructive operations such as migrations.
func (s *Store) Backup(backupsRoot string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(backupsRoot, time.Now().UTC().Format("20060102T150405"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errs.Wrap(errs.KindIO, err, "failed to create backup directory")
	}
	for _, name := range []string{fileStories, fileTasks, fileBugs, fileSprints, fileEpics, fileRoadmaps} {
		if err := copyFile(filepath.Join(s.dataDir, name), filepath.Join(dir, name)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", errs.Wrap(errs.KindIO, err, fmt.Sprintf("failed to back up %s", name))
		}
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// --- Story access ---

// GetStory returns a copy of the story with the given ID.
func (s *Store) GetStory(id string) (*Story, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stories[id]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

// Stories returns copies of all stories.
func (s *Store) Stories() []*Story {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Story, 0, len(s.stories))
	for _, st := range s.stories {
		cp := *st
		out = append(out, &cp)
	}
	return out
}

// PutStory inserts or replaces a story and persists the kind.
func (s *Store) PutStory(st *Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.stories[st.ID] = &cp
	return saveKind(s, fileStories, s.stories)
}

// HasStory reports whether a story ID exists.
func (s *Store) HasStory(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stories[id]
	return ok
}

// --- Task access ---

// GetTask returns a copy of the task with the given ID.
func (s *Store) GetTask(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// Tasks returns copies of all tasks.
func (s *Store) Tasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// TasksForStory returns copies of all tasks belonging to a story.
func (s *Store) TasksForStory(storyID string) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.StoryID == storyID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// PutTask inserts or replaces a task and persists the kind.
func (s *Store) PutTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return saveKind(s, fileTasks, s.tasks)
}

// HasTask reports whether a task ID exists.
func (s *Store) HasTask(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[id]
	return ok
}

// --- Bug access ---

// GetBug returns a copy of the bug with the given ID.
func (s *Store) GetBug(id string) (*Bug, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bugs[id]
	if !ok {
		return nil, false
	}
	cp := *b
	return &cp, true
}

// Bugs returns copies of all bugs.
func (s *Store) Bugs() []*Bug {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Bug, 0, len(s.bugs))
	for _, b := range s.bugs {
		cp := *b
		out = append(out, &cp)
	}
	return out
}

// PutBug inserts or replaces a bug and persists the kind.
func (s *Store) PutBug(b *Bug) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bugs[b.ID] = &cp
	return saveKind(s, fileBugs, s.bugs)
}

// HasBug reports whether a bug ID exists.
func (s *Store) HasBug(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bugs[id]
	return ok
}

// --- Sprint access ---

// GetSprint returns a copy of the sprint with the given ID.
func (s *Store) GetSprint(id string) (*Sprint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.sprints[id]
	if !ok {
		return nil, false
	}
	cp := cloneSprint(sp)
	return cp, true
}

// Sprints returns copies of all sprints.
func (s *Store) Sprints() []*Sprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Sprint, 0, len(s.sprints))
	for _, sp := range s.sprints {
		out = append(out, cloneSprint(sp))
	}
	return out
}

// ActiveSprint returns the single Active sprint, if any.
func (s *Store) ActiveSprint() (*Sprint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sp := range s.sprints {
		if sp.Status == SprintActive {
			return cloneSprint(sp), true
		}
	}
	return nil, false
}

// PutSprint inserts or replaces a sprint and persists the kind.
func (s *Store) PutSprint(sp *Sprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sprints[sp.ID] = cloneSprint(sp)
	return saveKind(s, fileSprints, s.sprints)
}

// HasSprint reports whether a sprint ID exists.
func (s *Store) HasSprint(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sprints[id]
	return ok
}

func cloneSprint(sp *Sprint) *Sprint {
	cp := *sp
	cp.CommittedItems = append([]SprintItem(nil), sp.CommittedItems...)
	cp.Burndown = append([]BurndownPoint(nil), sp.Burndown...)
	cp.Handoffs = append([]Handoff(nil), sp.Handoffs...)
	return &cp
}

// --- Epic access ---

// GetEpic returns a copy of the epic with the given ID.
func (s *Store) GetEpic(id string) (*Epic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.epics[id]
	if !ok {
		return nil, false
	}
	cp := *e
	cp.StoryIDs = append([]string(nil), e.StoryIDs...)
	return &cp, true
}

// Epics returns copies of all epics.
func (s *Store) Epics() []*Epic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Epic, 0, len(s.epics))
	for _, e := range s.epics {
		cp := *e
		cp.StoryIDs = append([]string(nil), e.StoryIDs...)
		out = append(out, &cp)
	}
	return out
}

// PutEpic inserts or replaces an epic and persists the kind.
func (s *Store) PutEpic(e *Epic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.StoryIDs = append([]string(nil), e.StoryIDs...)
	s.epics[e.ID] = &cp
	return saveKind(s, fileEpics, s.epics)
}

// HasEpic reports whether an epic ID exists.
func (s *Store) HasEpic(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.epics[id]
	return ok
}

// --- Roadmap access ---

// GetRoadmap returns a copy of the roadmap with the given ID.
func (s *Store) GetRoadmap(id string) (*Roadmap, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roadmaps[id]
	if !ok {
		return nil, false
	}
	cp := *r
	cp.Milestones = append([]Milestone(nil), r.Milestones...)
	return &cp, true
}

// Roadmaps returns copies of all roadmaps.
func (s *Store) Roadmaps() []*Roadmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Roadmap, 0, len(s.roadmaps))
	for _, r := range s.roadmaps {
		cp := *r
		cp.Milestones = append([]Milestone(nil), r.Milestones...)
		out = append(out, &cp)
	}
	return out
}

// PutRoadmap inserts or replaces a roadmap and persists the kind.
func (s *Store) PutRoadmap(r *Roadmap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.Milestones = append([]Milestone(nil), r.Milestones...)
	s.roadmaps[r.ID] = &cp
	return saveKind(s, fileRoadmaps, s.roadmaps)
}
