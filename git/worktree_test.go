package git

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/foundry/internal/errs"
	"github.com/arctek/foundry/internal/run"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, argv := range [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "dev@example.com"},
		{"git", "config", "user.name", "dev"},
	} {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v: %s", argv, out)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644))
	for _, argv := range [][]string{
		{"git", "add", "-A"},
		{"git", "commit", "-m", "initial"},
	} {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v: %s", argv, out)
	}
	return dir
}

func newTestManager(t *testing.T, repo string) *Manager {
	t.Helper()
	m := NewManager(Options{
		RepoRoot:     repo,
		Abbrev:       "PROJ",
		MetadataPath: filepath.Join(repo, ".state", "worktrees.json"),
	}, run.NewRunner(run.DefaultTimeouts(), nil, testLogger()), testLogger())
	require.NoError(t, m.Load())
	require.NoError(t, m.EnsureTreesRoot())
	return m
}

func TestNextBranchNaming(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	b1, err := m.NextBranch("story")
	require.NoError(t, err)
	assert.Equal(t, "feature/PROJ-1", b1)

	b2, err := m.NextBranch("bug")
	require.NoError(t, err)
	assert.Equal(t, "fix/PROJ-2", b2)

	b3, err := m.NextBranch("chore")
	require.NoError(t, err)
	assert.Equal(t, "refactor/PROJ-3", b3)

	// The counter survives a reload.
	m2 := newTestManager(t, repo)
	b4, err := m2.NextBranch("task")
	require.NoError(t, err)
	assert.Equal(t, "feature/PROJ-4", b4)
}

func TestCreateAndGetWorktree(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	rec, err := m.Create(ctx, "TASK-1", "go", "feature/PROJ-1")
	require.NoError(t, err)
	assert.Equal(t, WorktreeActive, rec.Status)
	assert.DirExists(t, rec.Path)
	assert.True(t, strings.HasPrefix(rec.Path, filepath.Join(repo, "trees")))

	got, ok := m.Get("TASK-1")
	require.True(t, ok)
	assert.Equal(t, "feature/PROJ-1", got.Branch)

	// One worktree per task.
	_, err = m.Create(ctx, "TASK-1", "go", "feature/PROJ-2")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestStatusReportsChangesAndAhead(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	rec, err := m.Create(ctx, "TASK-1", "go", "feature/PROJ-1")
	require.NoError(t, err)

	st, err := m.Status(ctx, "TASK-1")
	require.NoError(t, err)
	assert.False(t, st.HasChanges)
	assert.Equal(t, 0, st.CommitsAhead)

	require.NoError(t, os.WriteFile(filepath.Join(rec.Path, "new.go"), []byte("package x\n"), 0644))
	st, err = m.Status(ctx, "TASK-1")
	require.NoError(t, err)
	assert.True(t, st.HasChanges)

	require.NoError(t, m.Commit(ctx, "TASK-1", "[TASK-1] add file"))
	st, err = m.Status(ctx, "TASK-1")
	require.NoError(t, err)
	assert.False(t, st.HasChanges)
	assert.Equal(t, 1, st.CommitsAhead)
}

func TestCommitSkipsCleanTree(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	_, err := m.Create(ctx, "TASK-1", "go", "feature/PROJ-1")
	require.NoError(t, err)
	assert.NoError(t, m.Commit(ctx, "TASK-1", "nothing to commit"))
}

func TestRemoveRefusesUncommittedChanges(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	rec, err := m.Create(ctx, "TASK-1", "go", "feature/PROJ-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(rec.Path, "wip.go"), []byte("package x\n"), 0644))

	err = m.Remove(ctx, "TASK-1", false)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
	assert.DirExists(t, rec.Path)

	require.NoError(t, m.Remove(ctx, "TASK-1", true))
	assert.NoDirExists(t, rec.Path)

	got, ok := m.Get("TASK-1")
	require.True(t, ok)
	assert.Equal(t, WorktreeRemoved, got.Status)

	// A removed record frees the task for a fresh worktree.
	_, err = m.Create(ctx, "TASK-1", "go", "feature/PROJ-2")
	require.NoError(t, err)
}

func TestListMarksGhosts(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	ctx := context.Background()

	rec, err := m.Create(ctx, "TASK-1", "go", "feature/PROJ-1")
	require.NoError(t, err)

	// Delete the directory behind git's back and prune, so git forgets the
	// worktree while the metadata still records it.
	require.NoError(t, os.RemoveAll(rec.Path))
	prune := exec.Command("git", "worktree", "prune")
	prune.Dir = repo
	out, err := prune.CombinedOutput()
	require.NoError(t, err, "prune: %s", out)

	recs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Ghost)
}

func TestEnsureTreesRootGitignoreIdempotent(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)
	require.NoError(t, m.EnsureTreesRoot())
	require.NoError(t, m.EnsureTreesRoot())

	data, err := os.ReadFile(filepath.Join(repo, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "trees/"))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "feature-PROJ-12", slugify("feature/PROJ-12"))
}
