// Package git manages per-task git worktrees. Each task gets exactly one
// worktree under the project trees root, backed by its own branch off the
// primary branch. The primary branch of the main checkout is never mutated.
package git

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arctek/foundry/internal/errs"
	"github.com/arctek/foundry/internal/run"
)

// WorktreeStatus is the lifecycle state of a managed worktree.
type WorktreeStatus string

const (
	WorktreeActive    WorktreeStatus = "active"
	WorktreePushed    WorktreeStatus = "pushed"
	WorktreePROpen    WorktreeStatus = "pr_open"
	WorktreeAbandoned WorktreeStatus = "abandoned"
	WorktreeRemoved   WorktreeStatus = "removed"
)

// Record is the persisted state of one task's worktree.
type Record struct {
	TaskID    string         `json:"taskId"`
	Agent     string         `json:"agent"`
	Branch    string         `json:"branch"`
	Path      string         `json:"path"`
	Status    WorktreeStatus `json:"status"`
	PRURL     string         `json:"prUrl,omitempty"`
	Ghost     bool           `json:"ghost,omitempty"` // in metadata but unknown to git
	CreatedAt time.Time      `json:"createdAt"`
}

// metadata is the on-disk file owned exclusively by this manager.
type metadata struct {
	BranchCounter int                `json:"branchCounter"`
	Worktrees     map[string]*Record `json:"worktrees"` // keyed by task ID
}

// TreeStatus reports the git state of one worktree.
type TreeStatus struct {
	HasChanges    bool `json:"hasChanges"`
	CommitsAhead  int  `json:"commitsAhead"`
	CommitsBehind int  `json:"commitsBehind"`
}

// Manager owns the trees root and the worktree metadata file.
type Manager struct {
	mu           sync.Mutex
	repoRoot     string
	treesRoot    string // relative to repoRoot
	mainBranch   string
	abbrev       string // 4-letter uppercase project abbreviation
	prTool       string
	metadataPath string
	runner       *run.Runner
	logger       *slog.Logger
	meta         *metadata
}

// Options configures a Manager.
type Options struct {
	RepoRoot     string
	TreesRoot    string // default "trees"
	MainBranch   string // default "main"
	Abbrev       string
	PRTool       string // default "gh"
	MetadataPath string
}

// NewManager creates a worktree manager. Call Load before use.
func NewManager(opts Options, runner *run.Runner, logger *slog.Logger) *Manager {
	if opts.TreesRoot == "" {
		opts.TreesRoot = "trees"
	}
	if opts.MainBranch == "" {
		opts.MainBranch = "main"
	}
	if opts.PRTool == "" {
		opts.PRTool = "gh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repoRoot:     opts.RepoRoot,
		treesRoot:    opts.TreesRoot,
		mainBranch:   opts.MainBranch,
		abbrev:       opts.Abbrev,
		prTool:       opts.PRTool,
		metadataPath: opts.MetadataPath,
		runner:       runner,
		logger:       logger,
		meta:         &metadata{Worktrees: make(map[string]*Record)},
	}
}

// Load reads the metadata file, starting fresh when it does not exist.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.metadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.KindIO, err, "failed to read worktree metadata")
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return errs.Wrap(errs.KindSchema, err, "failed to parse worktree metadata")
	}
	if meta.Worktrees == nil {
		meta.Worktrees = make(map[string]*Record)
	}
	m.meta = &meta
	return nil
}

// save writes metadata atomically. Caller holds the lock.
func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.meta, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to serialize worktree metadata")
	}
	if err := os.MkdirAll(filepath.Dir(m.metadataPath), 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to create metadata directory")
	}
	tmp := m.metadataPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to write worktree metadata")
	}
	if err := os.Rename(tmp, m.metadataPath); err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to rename worktree metadata")
	}
	return nil
}

// EnsureTreesRoot creates the trees directory and adds it to .gitignore.
// Idempotent.
func (m *Manager) EnsureTreesRoot() error {
	dir := filepath.Join(m.repoRoot, m.treesRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to create trees root")
	}

	ignorePath := filepath.Join(m.repoRoot, ".gitignore")
	entry := m.treesRoot + "/"
	data, err := os.ReadFile(ignorePath)
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, err, "failed to read .gitignore")
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry || strings.TrimSpace(line) == m.treesRoot {
			return nil
		}
	}
	f, err := os.OpenFile(ignorePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "failed to open .gitignore")
	}
	defer f.Close()
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		fmt.Fprintln(f)
	}
	fmt.Fprintln(f, entry)
	return nil
}

// NextBranch allocates the next branch name for an item kind. The counter is
// monotonic per project across sprints. Kinds map to branch types: story work
// is a feature, bug work a fix, anything else a refactor.
func (m *Manager) NextBranch(kind string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	btype := "refactor"
	switch strings.ToLower(kind) {
	case "story", "task", "feature":
		btype = "feature"
	case "bug", "fix":
		btype = "fix"
	}

	m.meta.BranchCounter++
	branch := fmt.Sprintf("%s/%s-%d", btype, m.abbrev, m.meta.BranchCounter)
	if err := m.save(); err != nil {
		return "", err
	}
	return branch, nil
}

// Create makes a worktree for the task on a fresh branch off the primary
// branch. Refuses when the task already has one.
func (m *Manager) Create(ctx context.Context, taskID, agent, branch string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, exists := m.meta.Worktrees[taskID]; exists && rec.Status != WorktreeRemoved {
		return nil, errs.Newf(errs.KindConflict, "task %s already has worktree %s", taskID, rec.Path)
	}

	slug := slugify(branch)
	path := filepath.Join(m.repoRoot, m.treesRoot, slug)
	if _, err := os.Stat(path); err == nil {
		return nil, errs.Newf(errs.KindConflict, "worktree path %s already exists", path)
	}

	res, err := m.runner.Run(ctx, run.ClassGit, m.repoRoot,
		"git", "worktree", "add", "-b", branch, path, m.mainBranch)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errs.Newf(errs.KindSubprocess, "git worktree add failed: %s", strings.TrimSpace(res.Stderr))
	}

	rec := &Record{
		TaskID:    taskID,
		Agent:     agent,
		Branch:    branch,
		Path:      path,
		Status:    WorktreeActive,
		CreatedAt: time.Now().UTC(),
	}
	m.meta.Worktrees[taskID] = rec
	if err := m.save(); err != nil {
		return nil, err
	}
	m.logger.Info("worktree created", "taskId", taskID, "branch", branch, "path", path)
	cp := *rec
	return &cp, nil
}

// Get returns the record for a task.
func (m *Manager) Get(taskID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.meta.Worktrees[taskID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// List enumerates live worktrees via git and reconciles them with metadata,
// marking records whose directory git no longer knows as ghosts.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, err := m.liveWorktrees(ctx)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, rec := range m.meta.Worktrees {
		if rec.Status == WorktreeRemoved {
			continue
		}
		_, alive := live[rec.Path]
		rec.Ghost = !alive
		out = append(out, *rec)
	}
	if err := m.save(); err != nil {
		return nil, err
	}
	return out, nil
}

// liveWorktrees parses `git worktree list --porcelain`. Caller holds the lock.
func (m *Manager) liveWorktrees(ctx context.Context) (map[string]string, error) {
	res, err := m.runner.Run(ctx, run.ClassGit, m.repoRoot, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errs.Newf(errs.KindSubprocess, "git worktree list failed: %s", strings.TrimSpace(res.Stderr))
	}

	paths := make(map[string]string) // path -> branch
	var current string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
			paths[current] = ""
		case strings.HasPrefix(line, "branch ") && current != "":
			paths[current] = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	return paths, nil
}

// Status reports uncommitted changes and the ahead/behind counts against the
// primary branch.
func (m *Manager) Status(ctx context.Context, taskID string) (*TreeStatus, error) {
	rec, ok := m.Get(taskID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "no worktree for task %s", taskID)
	}

	res, err := m.runner.Run(ctx, run.ClassGit, rec.Path, "git", "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errs.Newf(errs.KindSubprocess, "git status failed: %s", strings.TrimSpace(res.Stderr))
	}
	st := &TreeStatus{HasChanges: strings.TrimSpace(res.Stdout) != ""}

	res, err = m.runner.Run(ctx, run.ClassGit, rec.Path,
		"git", "rev-list", "--left-right", "--count", m.mainBranch+"..."+rec.Branch)
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		fields := strings.Fields(strings.TrimSpace(res.Stdout))
		if len(fields) == 2 {
			st.CommitsBehind, _ = strconv.Atoi(fields[0])
			st.CommitsAhead, _ = strconv.Atoi(fields[1])
		}
	}
	return st, nil
}

// Remove deletes a task's worktree. Refused while uncommitted changes exist
// unless force is set; unflushed work is never silently discarded.
func (m *Manager) Remove(ctx context.Context, taskID string, force bool) error {
	rec, ok := m.Get(taskID)
	if !ok {
		return errs.Newf(errs.KindNotFound, "no worktree for task %s", taskID)
	}

	if !force {
		st, err := m.Status(ctx, taskID)
		if err != nil {
			return err
		}
		if st.HasChanges {
			return errs.Newf(errs.KindConflict, "worktree for %s has uncommitted changes", taskID).
				WithHint("commit the work or pass force to discard it")
		}
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, rec.Path)
	res, err := m.runner.Run(ctx, run.ClassGit, m.repoRoot, "git", args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errs.Newf(errs.KindSubprocess, "git worktree remove failed: %s", strings.TrimSpace(res.Stderr))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Worktrees[taskID].Status = WorktreeRemoved
	return m.save()
}

// Push pushes the task's branch with upstream tracking.
func (m *Manager) Push(ctx context.Context, taskID string) error {
	rec, ok := m.Get(taskID)
	if !ok {
		return errs.Newf(errs.KindNotFound, "no worktree for task %s", taskID)
	}

	res, err := m.runner.Run(ctx, run.ClassGit, rec.Path, "git", "push", "-u", "origin", rec.Branch)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errs.Newf(errs.KindSubprocess, "git push failed: %s", strings.TrimSpace(res.Stderr))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Worktrees[taskID].Status = WorktreePushed
	m.logger.Info("branch pushed", "taskId", taskID, "branch", rec.Branch)
	return m.save()
}

// OpenPR opens a pull request for the task's branch via the configured PR
// tool. On failure nothing changes; the caller decides how to proceed.
func (m *Manager) OpenPR(ctx context.Context, taskID, title, body string) (string, error) {
	rec, ok := m.Get(taskID)
	if !ok {
		return "", errs.Newf(errs.KindNotFound, "no worktree for task %s", taskID)
	}

	res, err := m.runner.Run(ctx, run.ClassPR, rec.Path,
		m.prTool, "pr", "create",
		"--title", title,
		"--body", body,
		"--base", m.mainBranch,
		"--head", rec.Branch)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", errs.Newf(errs.KindSubprocess, "%s pr create failed: %s", m.prTool, strings.TrimSpace(res.Stderr))
	}

	url := strings.TrimSpace(res.Stdout)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Worktrees[taskID].Status = WorktreePROpen
	m.meta.Worktrees[taskID].PRURL = url
	if err := m.save(); err != nil {
		return "", err
	}
	m.logger.Info("pull request opened", "taskId", taskID, "url", url)
	return url, nil
}

// Commit stages and commits everything in the task's worktree. A clean tree
// is not an error.
func (m *Manager) Commit(ctx context.Context, taskID, message string) error {
	rec, ok := m.Get(taskID)
	if !ok {
		return errs.Newf(errs.KindNotFound, "no worktree for task %s", taskID)
	}

	if res, err := m.runner.Run(ctx, run.ClassGit, rec.Path, "git", "add", "-A"); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return errs.Newf(errs.KindSubprocess, "git add failed: %s", strings.TrimSpace(res.Stderr))
	}

	res, err := m.runner.Run(ctx, run.ClassGit, rec.Path, "git", "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return nil
	}

	res, err = m.runner.Run(ctx, run.ClassGit, rec.Path, "git", "commit", "-m", message)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errs.Newf(errs.KindSubprocess, "git commit failed: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Cleanup prunes ghost records and, when removeCompleted is set, removes
// clean worktrees whose task the callback reports as completed.
func (m *Manager) Cleanup(ctx context.Context, removeCompleted bool, completed func(taskID string) bool) error {
	if res, err := m.runner.Run(ctx, run.ClassGit, m.repoRoot, "git", "worktree", "prune"); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return errs.Newf(errs.KindSubprocess, "git worktree prune failed: %s", strings.TrimSpace(res.Stderr))
	}

	recs, err := m.List(ctx)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if rec.Ghost {
			m.mu.Lock()
			m.meta.Worktrees[rec.TaskID].Status = WorktreeAbandoned
			m.mu.Unlock()
			continue
		}
		if removeCompleted && completed != nil && completed(rec.TaskID) {
			st, err := m.Status(ctx, rec.TaskID)
			if err != nil || st.HasChanges {
				continue
			}
			if err := m.Remove(ctx, rec.TaskID, false); err != nil {
				m.logger.Warn("cleanup could not remove worktree", "taskId", rec.TaskID, "error", err)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save()
}

var slugRe = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// slugify converts a branch name into a safe directory name.
func slugify(branch string) string {
	return slugRe.ReplaceAllString(branch, "-")
}
