// Package run executes external tools with per-class timeouts and records
// every invocation for the sprint journal.
package run

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arctek/foundry/internal/errs"
)

// Class buckets invocations by the timeout they get.
type Class string

const (
	ClassTest     Class = "test"
	ClassCoverage Class = "coverage"
	ClassGit      Class = "git"
	ClassPR       Class = "pr"
)

// Timeouts holds the per-class limits.
type Timeouts struct {
	Test     time.Duration
	Coverage time.Duration
	Git      time.Duration
	PR       time.Duration
}

// DefaultTimeouts returns the stock limits.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Test:     10 * time.Minute,
		Coverage: 5 * time.Minute,
		Git:      2 * time.Minute,
		PR:       1 * time.Minute,
	}
}

func (t Timeouts) limitFor(c Class) time.Duration {
	switch c {
	case ClassTest:
		return t.Test
	case ClassCoverage:
		return t.Coverage
	case ClassGit:
		return t.Git
	case ClassPR:
		return t.PR
	default:
		return t.Git
	}
}

const stdoutExcerptLimit = 4096

// Invocation is the journal record of one external command.
type Invocation struct {
	ID        string
	Class     Class
	Dir       string
	Argv      []string
	ExitCode  int
	Stdout    string // excerpt, capped
	Duration  time.Duration
	TimedOut  bool
	StartedAt time.Time
}

// Recorder receives finished invocations. Implementations must not block.
type Recorder interface {
	RecordInvocation(inv Invocation)
}

// Result is what the caller gets back from Run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes commands under the configured timeouts.
type Runner struct {
	timeouts Timeouts
	recorder Recorder
	logger   *slog.Logger
}

// NewRunner creates a runner. recorder may be nil.
func NewRunner(timeouts Timeouts, recorder Recorder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{timeouts: timeouts, recorder: recorder, logger: logger}
}

// Run executes name with args in dir under the class timeout. A non-zero exit
// code is not an error; the caller inspects Result.ExitCode. Errors are
// reserved for failure to start, context cancellation, and timeouts.
func (r *Runner) Run(ctx context.Context, class Class, dir, name string, args ...string) (Result, error) {
	limit := r.timeouts.limitFor(class)
	cctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started)

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	res.TimedOut = errors.Is(cctx.Err(), context.DeadlineExceeded)

	r.record(class, dir, append([]string{name}, args...), res, started)

	if res.TimedOut {
		return res, errs.Newf(errs.KindSubprocess, "%s timed out after %s", name, limit).
			WithHint("raise the " + string(class) + " timeout in config if the tool legitimately needs longer")
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, nil
		}
		return res, errs.Wrap(errs.KindSubprocess, err, "failed to run "+name)
	}
	return res, nil
}

func (r *Runner) record(class Class, dir string, argv []string, res Result, started time.Time) {
	excerpt := res.Stdout
	if len(excerpt) > stdoutExcerptLimit {
		excerpt = excerpt[:stdoutExcerptLimit]
	}
	inv := Invocation{
		ID:        uuid.NewString(),
		Class:     class,
		Dir:       dir,
		Argv:      argv,
		ExitCode:  res.ExitCode,
		Stdout:    excerpt,
		Duration:  res.Duration,
		TimedOut:  res.TimedOut,
		StartedAt: started,
	}
	r.logger.Debug("command finished",
		"class", class, "argv", strings.Join(argv, " "),
		"exitCode", res.ExitCode, "duration", res.Duration, "timedOut", res.TimedOut)
	if r.recorder != nil {
		r.recorder.RecordInvocation(inv)
	}
}
