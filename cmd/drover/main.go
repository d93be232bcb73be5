package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/user/drover/internal/dispatch"
	"github.com/user/drover/internal/logger"
	"github.com/user/drover/internal/status"
	"github.com/user/drover/internal/worktree"
)

var version = "dev" // injected via ldflags at build time

const defaultRunner = "zenith"

// ─── Top-level CLI struct ────────────────────────────────────────────────────

type CLI struct {
	Run     RunCmd     `cmd:"" group:"execution" help:"Dispatch task files across parallel workers."`
	Cleanup CleanupCmd `cmd:"" group:"maint"     help:"Remove stale swarm branches and report abandoned runs."`
	Version VersionCmd `cmd:"" group:"maint"     help:"Print version and platform info."`
}

// ─── run ─────────────────────────────────────────────────────────────────────

type RunCmd struct {
	Tasks        []string      `arg:"" help:"Task files to dispatch."`
	Workers      int           `short:"w" help:"Parallel workers (default: min(tasks, CPUs, 8))."`
	Strategy     string        `enum:"auto,worktree,sequential," default:"" help:"Isolation strategy: auto, worktree, or sequential."`
	Timeout      time.Duration `help:"Wall-clock limit per task (0 = none)."`
	Runner       string        `help:"Workflow binary to run each task (default: zenith)."`
	ScoutContext string        `name:"scout-context" help:"Context file forwarded to every worker."`
	DryRun       bool          `help:"Print the execution plan without running anything."`
	Verbose      bool          `short:"v" help:"Stream worker logs instead of the live status block."`
	Root         string        `default:"." help:"Project root the tasks operate on."`
}

func (c *RunCmd) Run() error {
	defaults, err := dispatch.LoadDefaults(c.Root)
	if err != nil {
		return err
	}

	cfg := &dispatch.Config{
		Tasks:        c.Tasks,
		Workers:      c.Workers,
		Strategy:     dispatch.Strategy(c.Strategy),
		Runner:       c.Runner,
		Timeout:      c.Timeout,
		Root:         c.Root,
		ScoutContext: c.ScoutContext,
		DryRun:       c.DryRun,
		Verbose:      c.Verbose,
	}
	// Flags win; file defaults fill the gaps; then built-in fallbacks.
	if cfg.Runner == "" {
		cfg.Runner = defaults.Runner
	}
	if cfg.Runner == "" {
		cfg.Runner = defaultRunner
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Workers == 0 {
		cfg.Workers = dispatch.DefaultWorkers(len(cfg.Tasks))
	}
	if cfg.Strategy == "" {
		cfg.Strategy = dispatch.Strategy(defaults.Strategy)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = dispatch.StrategyAuto
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.TimeoutDuration()
	}

	d, err := dispatch.New(cfg)
	if err != nil {
		return err
	}
	if !cfg.Verbose && !cfg.DryRun {
		d.Reporter = status.NewReporter(len(cfg.Tasks), os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := d.Execute(ctx)
	if err != nil {
		return err
	}
	if cfg.DryRun {
		return nil
	}

	fmt.Print(summary.Report())
	if !summary.AllSucceeded() {
		return fmt.Errorf("%d of %d tasks failed", summary.Failed, summary.TotalTasks)
	}
	return nil
}

// ─── cleanup ─────────────────────────────────────────────────────────────────

type CleanupCmd struct {
	Root string `default:"." help:"Project root to clean."`
}

func (c *CleanupCmd) Run() error {
	if man, err := worktree.CheckAbandoned(c.Root); err != nil {
		slog.Warn("could not read progress manifest", slog.Any("error", err))
	} else if man != nil {
		fmt.Printf("abandoned run found (pid %d, started %s):\n", man.PID, man.Started)
		for _, task := range man.Tasks {
			fmt.Printf("  %-10s %s", task.Status, task.TaskPath)
			if task.Branch != "" {
				fmt.Printf("  (%s)", task.Branch)
			}
			fmt.Println()
		}
	}

	removed, err := worktree.CleanupStaleBranches(c.Root)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("no stale swarm branches")
		return nil
	}
	for _, b := range removed {
		fmt.Printf("deleted %s\n", b)
	}
	return nil
}

// ─── version ─────────────────────────────────────────────────────────────────

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("drover %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
	return nil
}

// ─── main ────────────────────────────────────────────────────────────────────

func main() {
	logger.Init()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("drover"),
		kong.Description("drover — conflict-aware swarm dispatcher\n\nRun autonomous coding tasks in parallel, keeping tasks that touch the same files strictly sequential.\n\nUSAGE:  drover <command> [arguments]"),
		kong.UsageOnError(),
		kong.ExplicitGroups([]kong.Group{
			{Key: "execution", Title: "── EXECUTION ─────────────────────────────────────────────────────────────────────"},
			{Key: "maint", Title: "── MAINTENANCE ───────────────────────────────────────────────────────────────────"},
		}),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
