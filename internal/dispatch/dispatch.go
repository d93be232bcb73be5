package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/user/drover/internal/idgen"
	"github.com/user/drover/internal/partition"
	"github.com/user/drover/internal/runner"
	"github.com/user/drover/internal/status"
	"github.com/user/drover/internal/worktree"
)

// TaskFunc runs one task and always produces a Result, never an error.
type TaskFunc func(ctx context.Context, taskPath, workDir string) runner.Result

// Dispatcher fans tasks out across workers. Run is overridable for tests;
// when nil, tasks execute through the configured workflow binary.
type Dispatcher struct {
	Config   *Config
	Run      TaskFunc
	Reporter *status.Reporter

	mu      sync.Mutex
	results []runner.Result
}

// New validates cfg and returns a Dispatcher for it.
func New(cfg *Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{Config: cfg}, nil
}

// Execute partitions the task list and runs it to completion. Individual
// task failures never abort the run; the returned error covers only setup
// problems (partitioning, worktree preflight). A Summary is produced even
// when every task failed.
func (d *Dispatcher) Execute(ctx context.Context) (Summary, error) {
	cfg := d.Config

	var groups [][]string
	var parallel []string
	if cfg.Strategy == StrategySequential {
		// One ordered pass, no conflict analysis needed.
		groups = [][]string{cfg.Tasks}
	} else {
		var err error
		groups, parallel, err = partition.Partition(cfg.Tasks, cfg.Root)
		if err != nil {
			return Summary{}, fmt.Errorf("partition tasks: %w", err)
		}
	}

	if cfg.DryRun {
		fmt.Print(PlanString(groups, parallel, cfg.Workers))
		return Summary{TotalTasks: len(cfg.Tasks)}, nil
	}

	run := d.Run
	var mgr *worktree.Manager
	if run == nil {
		exec := &runner.Executor{Runner: cfg.Runner, Timeout: cfg.Timeout}
		if cfg.Verbose {
			exec.Echo = os.Stderr
		}
		switch cfg.Strategy {
		case StrategyWorktree:
			if err := worktree.Preflight(cfg.Root); err != nil {
				return Summary{}, err
			}
			defer worktree.Unlock(cfg.Root) //nolint:errcheck
			var err error
			mgr, err = worktree.NewManager(cfg.Root, cfg.Tasks)
			if err != nil {
				return Summary{}, err
			}
			run = func(ctx context.Context, taskPath, workDir string) runner.Result {
				return mgr.Execute(ctx, exec, taskPath, workDir, cfg.ScoutContext)
			}
		default:
			run = func(ctx context.Context, taskPath, workDir string) runner.Result {
				return exec.Execute(ctx, taskPath, workDir, cfg.Root, cfg.ScoutContext)
			}
		}
	}

	if d.Reporter != nil {
		repCtx, stopReporter := context.WithCancel(ctx)
		defer stopReporter()
		go d.Reporter.Run(repCtx)
	}

	slog.Info("dispatching",
		slog.Int("tasks", len(cfg.Tasks)),
		slog.Int("workers", cfg.Workers),
		slog.Int("conflict_groups", len(groups)),
		slog.String("strategy", string(cfg.Strategy)))

	g := &errgroup.Group{}
	g.SetLimit(cfg.Workers)
	for _, task := range parallel {
		task := task
		g.Go(func() error {
			d.runOne(ctx, run, task)
			return nil
		})
	}
	for _, group := range groups {
		group := group
		g.Go(func() error {
			// Group members share target files; strictly sequential.
			for _, task := range group {
				d.runOne(ctx, run, task)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	summary := Summarize(d.snapshot())
	if mgr != nil {
		merge := mgr.MergeBack(summary.Results)
		summary.Merge = &merge
	}
	return summary, nil
}

// runOne executes a single task with panic containment and reporter
// bookkeeping. A panicking worker becomes a failed Result.
func (d *Dispatcher) runOne(ctx context.Context, run TaskFunc, taskPath string) {
	workDir := idgen.New(".drover_")
	if d.Reporter != nil {
		d.Reporter.Track(taskPath, d.taskLogPath(workDir))
	}

	var res runner.Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = runner.Result{
					TaskPath: taskPath,
					WorkDir:  workDir,
					ExitCode: 1,
					Stderr:   fmt.Sprintf("worker panic: %v", r),
				}
			}
		}()
		res = run(ctx, taskPath, workDir)
	}()

	if d.Reporter != nil {
		d.Reporter.Complete(taskPath, res.Cost)
	}
	if res.Success() {
		slog.Info("task complete", slog.String("task", taskPath),
			slog.Duration("elapsed", res.Elapsed), slog.Float64("cost", res.Cost))
	} else {
		slog.Warn("task failed", slog.String("task", taskPath),
			slog.Int("exit_code", res.ExitCode))
	}

	d.mu.Lock()
	d.results = append(d.results, res)
	d.mu.Unlock()
}

// taskLogPath is where the workflow binary will write its progress log for
// a given work dir. Under the worktree strategy the work dir lives inside
// the task's worktree checkout, not the project root.
func (d *Dispatcher) taskLogPath(workDir string) string {
	if d.Config.Strategy == StrategyWorktree {
		return filepath.Join(worktree.WorktreeDir(d.Config.Root, workDir), workDir, status.LogFileName)
	}
	return filepath.Join(d.Config.Root, workDir, status.LogFileName)
}

func (d *Dispatcher) snapshot() []runner.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]runner.Result, len(d.results))
	copy(out, d.results)
	return out
}

// PlanString renders the execution plan without running anything.
func PlanString(groups [][]string, parallel []string, workers int) string {
	out := fmt.Sprintf("Execution plan (%d workers):\n", workers)
	for i, group := range groups {
		out += fmt.Sprintf("  group %d (sequential, shared targets):\n", i+1)
		for _, task := range group {
			out += "    " + task + "\n"
		}
	}
	if len(parallel) > 0 {
		out += "  parallel:\n"
		for _, task := range parallel {
			out += "    " + task + "\n"
		}
	}
	return out
}

// DetectFileConflicts maps each file modified by more than one task to the
// tasks that touched it. With no git isolation this is the after-the-fact
// safety net for silent overwrites.
func DetectFileConflicts(results []runner.Result) map[string][]string {
	byFile := make(map[string][]string)
	for _, res := range results {
		for _, f := range res.ModifiedFiles {
			byFile[f] = append(byFile[f], res.TaskPath)
		}
	}
	conflicts := make(map[string][]string)
	for f, tasks := range byFile {
		if len(tasks) > 1 {
			conflicts[f] = tasks
		}
	}
	return conflicts
}
