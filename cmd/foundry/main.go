// Foundry is an agent-orchestrated SCRUM execution engine. It plans a
// prioritized backlog into sprints and drives the implementation through
// specialized agents, one task at a time, each in an isolated git worktree.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	foundry "github.com/arctek/foundry"
	"github.com/arctek/foundry/scrum"
)

var (
	version = "dev"

	flagRoot    string
	flagVerbose bool
	flagJSON    bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func open() (*foundry.Project, error) {
	return foundry.Open(flagRoot, logger())
}

// emit prints v as indented JSON or, with a fallback line, as plain text.
func emit(v any, plain string) {
	if flagJSON {
		data, err := json.MarshalIndent(v, "", "  ")
		if err == nil {
			fmt.Println(string(data))
			return
		}
	}
	fmt.Println(plain)
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foundry",
		Short:         "Agent-orchestrated SCRUM execution",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flagRoot, "root", ".", "project root")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output")

	cmd.AddCommand(
		initCmd(),
		storyCmd(),
		taskCmd(),
		bugCmd(),
		epicCmd(),
		estimateCmd(),
		sprintCmd(),
		statusCmd(),
		backlogCmd(),
		agentsCmd(),
		worktreeCmd(),
		delegateCmd(),
		assignCmd(),
		roadmapCmd(),
		backupCmd(),
	)
	return cmd
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := foundry.Init(flagRoot, name)
			if err != nil {
				return err
			}
			emit(cfg, fmt.Sprintf("Initialized %s (abbrev %s)", cfg.Project.Name, cfg.Project.Abbrev))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	return cmd
}

func storyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "story", Short: "User story operations"}

	var in scrum.StoryInput
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a user story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			in.Title = args[0]
			story, err := p.Scrum().CreateStory(in)
			if err != nil {
				return err
			}
			emit(story, fmt.Sprintf("%s created", story.ID))
			return nil
		},
	}
	create.Flags().StringVar(&in.Role, "as-a", "", "role")
	create.Flags().StringVar(&in.Want, "i-want", "", "feature")
	create.Flags().StringVar(&in.Benefit, "so-that", "", "benefit")
	create.Flags().StringVar(&in.Description, "description", "", "description")
	create.Flags().StringSliceVar(&in.AcceptanceCriteria, "criteria", nil, "acceptance criteria")
	create.Flags().StringVar(&in.Priority, "priority", "Medium", "Critical|High|Medium|Low")
	create.Flags().StringVar(&in.EpicID, "epic", "", "epic ID")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			items, err := p.List(scrum.KindStory, status)
			if err != nil {
				return err
			}
			for _, it := range items {
				fmt.Printf("%s  %-12s %2dpt  %s\n", it.ID, it.Status, it.Points, it.Title)
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")

	cmd.AddCommand(create, list)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Task operations"}

	var in scrum.TaskInput
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task under a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			in.Title = args[0]
			task, err := p.Scrum().CreateTask(in)
			if err != nil {
				return err
			}
			emit(task, fmt.Sprintf("%s created", task.ID))
			return nil
		},
	}
	create.Flags().StringVar(&in.StoryID, "story", "", "parent story ID (required)")
	create.Flags().StringVar(&in.Description, "description", "", "description")
	create.Flags().StringVar(&in.TechnicalDetails, "tech", "", "technical details")
	create.Flags().Float64Var(&in.EstimatedHours, "hours", 0, "estimated hours")
	create.Flags().StringSliceVar(&in.TestCriteria, "test-criteria", nil, "test criteria")
	create.Flags().StringSliceVar(&in.Dependencies, "depends-on", nil, "dependency task IDs")
	create.Flags().StringVar(&in.Priority, "priority", "Medium", "Critical|High|Medium|Low")
	_ = create.MarkFlagRequired("story")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			items, err := p.List(scrum.KindTask, status)
			if err != nil {
				return err
			}
			for _, it := range items {
				agent := it.Assignee
				if agent == "" {
					agent = "-"
				}
				fmt.Printf("%s  %-12s %-16s %s\n", it.ID, it.Status, agent, it.Title)
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")

	cmd.AddCommand(create, list)
	return cmd
}

func bugCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bug", Short: "Bug operations"}

	var in scrum.BugInput
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Report a bug",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			in.Title = args[0]
			bug, err := p.Scrum().CreateBug(in)
			if err != nil {
				return err
			}
			emit(bug, fmt.Sprintf("%s created (%s, %dpt)", bug.ID, bug.Severity, bug.StoryPoints))
			return nil
		},
	}
	create.Flags().StringVar(&in.Description, "description", "", "description")
	create.Flags().StringSliceVar(&in.StepsToReproduce, "steps", nil, "steps to reproduce")
	create.Flags().StringVar(&in.Expected, "expected", "", "expected behavior")
	create.Flags().StringVar(&in.Actual, "actual", "", "actual behavior")
	create.Flags().StringVar(&in.Severity, "severity", "Medium", "Critical|High|Medium|Low")
	create.Flags().StringVar(&in.Priority, "priority", "Medium", "Critical|High|Medium|Low")

	resolve := &cobra.Command{
		Use:   "resolve <bug-id>",
		Short: "Mark a bug resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			bug, err := p.Scrum().ResolveBug(args[0])
			if err != nil {
				return err
			}
			emit(bug, fmt.Sprintf("%s resolved", bug.ID))
			return nil
		},
	}

	cmd.AddCommand(create, resolve)
	return cmd
}

func epicCmd() *cobra.Command {
	var description, businessValue string
	cmd := &cobra.Command{
		Use:   "epic create <title>",
		Short: "Create an epic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "create" {
				return fmt.Errorf("unknown epic subcommand %q", args[0])
			}
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			epic, err := p.Scrum().CreateEpic(args[1], description, businessValue)
			if err != nil {
				return err
			}
			emit(epic, fmt.Sprintf("%s created", epic.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&businessValue, "value", "", "business value")
	return cmd
}

func estimateCmd() *cobra.Command {
	var points int
	cmd := &cobra.Command{
		Use:   "estimate [story-id]",
		Short: "Estimate one story, or every unestimated story",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()

			if len(args) == 0 {
				ids, err := p.EstimateAll()
				if err != nil {
					return err
				}
				emit(ids, fmt.Sprintf("estimated %d stories", len(ids)))
				return nil
			}

			var story *scrum.Story
			if points > 0 {
				story, err = p.Scrum().EstimateStory(args[0], points)
			} else {
				story, err = p.Scrum().AutoEstimateStory(args[0])
			}
			if err != nil {
				return err
			}
			emit(story, fmt.Sprintf("%s estimated at %d points", story.ID, story.StoryPoints))
			return nil
		},
	}
	cmd.Flags().IntVar(&points, "points", 0, "manual points on the Fibonacci scale")
	return cmd
}

func sprintCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sprint", Short: "Sprint operations"}

	var goal string
	var duration, velocity int
	var noAutoPlan bool
	plan := &cobra.Command{
		Use:   "plan <name>",
		Short: "Plan a sprint from the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			if velocity == 0 {
				velocity = p.Config().Scrum.VelocityTarget
			}
			if duration == 0 {
				duration = p.Config().Scrum.DefaultSprintDurationDays
			}
			sprint, err := p.Scrum().PlanSprint(args[0], goal, duration, velocity, !noAutoPlan)
			if err != nil {
				return err
			}
			emit(sprint, fmt.Sprintf("%s planned: %d items, %d points",
				sprint.ID, len(sprint.CommittedItems), sprint.CommittedPoints))
			return nil
		},
	}
	plan.Flags().StringVar(&goal, "goal", "", "sprint goal")
	plan.Flags().IntVar(&duration, "days", 0, "duration in days")
	plan.Flags().IntVar(&velocity, "velocity", 0, "velocity target in points")
	plan.Flags().BoolVar(&noAutoPlan, "no-auto-plan", false, "create the sprint empty")

	start := &cobra.Command{
		Use:   "start <sprint-id>",
		Short: "Run a planned sprint to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			p.Subscribe(func(e foundry.Event) {
				switch e.Type {
				case foundry.EventPhaseChanged:
					fmt.Printf("  %s %s: %s\n", e.TaskID, e.Phase, e.Message)
				case foundry.EventTaskClaimed:
					fmt.Printf("› %s claimed by %s (%s)\n", e.TaskID, e.Agent, e.Reason)
				case foundry.EventTaskCompleted:
					fmt.Printf("✓ %s %s\n", e.TaskID, e.Message)
				case foundry.EventTaskFailed:
					fmt.Printf("✗ %s %s\n", e.TaskID, e.Message)
				case foundry.EventHandoff:
					fmt.Printf("⇄ handoff %s\n", e.Message)
				case foundry.EventSprintCompleted:
					fmt.Printf("Sprint %s completed\n", e.SprintID)
				case foundry.EventError:
					fmt.Printf("! %s\n", e.Message)
				}
			})

			return p.RunSprint(ctx, args[0])
		},
	}

	report := &cobra.Command{
		Use:   "report <sprint-id>",
		Short: "Show the sprint report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			r, err := p.Scrum().Report(args[0])
			if err != nil {
				return err
			}
			emit(r, fmt.Sprintf("%s (%s): %d/%d points, %.0f%% complete",
				r.Name, r.Status, r.CompletedPoints, r.CommittedPoints, r.CompletionPercentage))
			return nil
		},
	}

	cmd.AddCommand(plan, start, report)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show run state, active sprint, and backlog summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			st := p.Status()
			sprint := "none"
			if st.ActiveSprint != nil {
				sprint = fmt.Sprintf("%s (%s)", st.ActiveSprint.ID, st.ActiveSprint.Name)
			}
			emit(st, fmt.Sprintf("state %s, active sprint %s, %d stories / %d bugs in backlog",
				st.RunState, sprint, st.Backlog.TotalStories, st.Backlog.TotalBugs))
			return nil
		},
	}
}

func backlogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backlog",
		Short: "Show the backlog report",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			r := p.Scrum().Backlog()
			emit(r, fmt.Sprintf("%d stories, %d bugs (%d critical), %d points, ~%.1f sprints",
				r.TotalStories, r.TotalBugs, r.CriticalBugs, r.TotalPoints, r.EstimatedSprints))
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Agent registry operations"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			for _, d := range p.Agents().List() {
				fmt.Printf("%s %-18s %-10s %s\n", d.Emoji, d.Name, d.Language, d.Description)
			}
			return nil
		},
	}

	cmd.AddCommand(list)
	return cmd
}

func worktreeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "worktree", Short: "Worktree operations"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List managed worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			recs, err := p.Worktrees().List(cmd.Context())
			if err != nil {
				return err
			}
			for _, rec := range recs {
				ghost := ""
				if rec.Ghost {
					ghost = " (ghost)"
				}
				fmt.Printf("%s  %-10s %-24s %s%s\n", rec.TaskID, rec.Status, rec.Branch, rec.Path, ghost)
			}
			return nil
		},
	}

	var force bool
	remove := &cobra.Command{
		Use:   "remove <task-id>",
		Short: "Remove a task's worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			return p.Worktrees().Remove(cmd.Context(), args[0], force)
		},
	}
	remove.Flags().BoolVar(&force, "force", false, "discard uncommitted changes")

	cmd.AddCommand(list, remove)
	return cmd
}

func delegateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delegate <task-id>",
		Short: "Execute a single task end to end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			result, err := p.Delegate(ctx, args[0])
			if err != nil {
				return err
			}
			emit(result, fmt.Sprintf("%s: %s", result.Status, result.Summary))
			return nil
		},
	}
}

func assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> <agent>",
		Short: "Pin a task to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			task, err := p.AssignAgent(args[0], args[1])
			if err != nil {
				return err
			}
			emit(task, fmt.Sprintf("%s assigned to %s", task.ID, task.AssignedAgent))
			return nil
		},
	}
}

func roadmapCmd() *cobra.Command {
	var vision string
	var seed bool
	cmd := &cobra.Command{
		Use:   "roadmap create <name>",
		Short: "Create a roadmap",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "create" {
				return fmt.Errorf("unknown roadmap subcommand %q", args[0])
			}
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			roadmap, err := p.Scrum().CreateRoadmap(args[1], vision, seed)
			if err != nil {
				return err
			}
			emit(roadmap, fmt.Sprintf("%s created with %d milestones", roadmap.ID, len(roadmap.Milestones)))
			return nil
		},
	}
	cmd.Flags().StringVar(&vision, "vision", "", "product vision")
	cmd.Flags().BoolVar(&seed, "seed-milestones", false, "seed four milestones over 16 weeks")
	return cmd
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the project data files",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := open()
			if err != nil {
				return err
			}
			defer p.Close()
			path, err := p.Backup()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}
