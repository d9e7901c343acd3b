package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arctek/foundry/internal/run"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Reopening must not re-run migrations.
	j, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordEvent("S1", "SprintStarted", ""))
	require.NoError(t, j.Close())
}

func TestPhaseLogPreservesOrder(t *testing.T) {
	j := openTestJournal(t)

	for _, phase := range []string{"Working", "Testing", "Coverage", "Completed"} {
		require.NoError(t, j.RecordPhase("S1", "TASK-1", "go", phase, ""))
	}
	require.NoError(t, j.RecordPhase("S1", "TASK-2", "go", "Working", ""))

	phases, err := j.PhaseLog("TASK-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Working", "Testing", "Coverage", "Completed"}, phases)
}

func TestRecorderScopesInvocations(t *testing.T) {
	j := openTestJournal(t)
	rec := j.RecorderFor("S1", "TASK-1")

	rec.RecordInvocation(run.Invocation{
		ID:        "inv-1",
		Class:     run.ClassTest,
		Dir:       "/tmp/w",
		Argv:      []string{"make", "test"},
		ExitCode:  0,
		Duration:  120 * time.Millisecond,
		StartedAt: time.Now(),
	})
	rec.SetTask("TASK-2")
	rec.RecordInvocation(run.Invocation{
		ID:        "inv-2",
		Class:     run.ClassGit,
		Argv:      []string{"git", "status"},
		ExitCode:  0,
		StartedAt: time.Now(),
	})

	n, err := j.InvocationCount("S1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = j.InvocationCount("S2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHandoffLog(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RecordHandoff("S1", "TASK-2", "python", "go", "title hit: golang"))
	require.NoError(t, j.RecordHandoff("S1", "TASK-3", "go", "frontend", "title hit: react"))
	require.NoError(t, j.RecordHandoff("S2", "TASK-9", "go", "python", "manual"))

	entries, err := j.Handoffs("S1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "python", entries[0].FromAgent)
	assert.Equal(t, "go", entries[0].ToAgent)
	assert.Equal(t, "TASK-3", entries[1].TaskID)
}
