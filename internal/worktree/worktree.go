// Package worktree isolates each task run in its own git worktree and branch,
// then merges the surviving branches back into the branch the swarm started
// from. It also owns the swarm lock and the crash-recovery manifest.
package worktree

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/drover/internal/gitutil"
	"github.com/user/drover/internal/proc"
	"github.com/user/drover/internal/runner"
)

const (
	// LockFile guards against two swarms mutating one repo at once.
	LockFile = ".drover-swarm.lock"
	// StateDir holds the worktrees and the progress manifest.
	StateDir = ".drover-worktrees"
	// BranchPrefix namespaces every task branch the swarm creates.
	BranchPrefix = "swarm/"

	manifestName = "progress.json"
)

// Task status values recorded in the manifest.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// PreflightError is a fatal precondition failure detected before any worker
// spawns. It is the only error class Preflight returns.
type PreflightError struct {
	Reason string
}

func (e *PreflightError) Error() string {
	return "preflight: " + e.Reason
}

// TaskRecord is one task's entry in the crash-recovery manifest.
type TaskRecord struct {
	TaskPath string `json:"task_path"`
	Branch   string `json:"branch"`
	Status   string `json:"status"`
}

// Manifest is persisted to .drover-worktrees/progress.json on every state
// change so an abandoned run can be diagnosed after a crash.
type Manifest struct {
	PID     int          `json:"pid"`
	Started string       `json:"started"`
	Tasks   []TaskRecord `json:"tasks"`
}

// NewBranchName returns a fresh swarm branch name, BranchPrefix plus the
// first eight hex characters of a UUID.
func NewBranchName() string {
	return BranchPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Preflight verifies root is usable for a worktree-strategy run and takes
// the swarm lock. A lock held by a live process is fatal; a lock left by a
// dead process is reclaimed silently.
func Preflight(root string) error {
	if !gitutil.IsRepo(root) {
		return &PreflightError{Reason: fmt.Sprintf("%s is not a git repository", root)}
	}
	detached, err := gitutil.IsDetached(root)
	if err != nil {
		return &PreflightError{Reason: fmt.Sprintf("cannot resolve HEAD: %v", err)}
	}
	if detached {
		return &PreflightError{Reason: "HEAD is detached; check out a branch before dispatching"}
	}

	lockPath := filepath.Join(root, LockFile)
	if data, err := os.ReadFile(lockPath); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr == nil && pid > 0 && proc.IsAlive(pid) {
			return &PreflightError{Reason: fmt.Sprintf("another swarm is running (pid %d)", pid)}
		}
		slog.Debug("reclaiming stale swarm lock", slog.String("path", lockPath))
	}
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return &PreflightError{Reason: fmt.Sprintf("cannot write lock file: %v", err)}
	}
	if err := os.MkdirAll(filepath.Join(root, StateDir), 0755); err != nil {
		return &PreflightError{Reason: fmt.Sprintf("cannot create %s: %v", StateDir, err)}
	}
	return nil
}

// Unlock releases the swarm lock. Missing lock is not an error.
func Unlock(root string) error {
	err := os.Remove(filepath.Join(root, LockFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// branchInfo tracks where one task's artifacts live between Execute and
// MergeBack.
type branchInfo struct {
	branch       string
	worktreePath string
	baseRef      string
	workDir      string
}

// WorktreeDir returns the worktree checkout directory for a task's work dir
// id. Deriving it from the work dir keeps the location computable by the
// scheduler before the worktree exists, so log tailing can start early.
func WorktreeDir(root, workDir string) string {
	return filepath.Join(root, StateDir, strings.TrimPrefix(workDir, ".drover_"))
}

// Manager runs tasks in isolated worktrees rooted at one repository.
type Manager struct {
	Root string

	mu       sync.Mutex
	base     string // branch the swarm started from
	manifest Manifest
	branches map[string]branchInfo // task path -> artifacts
}

// NewManager prepares a Manager for root. Preflight must have succeeded
// first. The manifest is initialized with every task marked pending.
func NewManager(root string, taskPaths []string) (*Manager, error) {
	base, err := gitutil.CurrentBranch(root)
	if err != nil {
		return nil, fmt.Errorf("resolve current branch: %w", err)
	}
	m := &Manager{
		Root:     root,
		base:     base,
		branches: make(map[string]branchInfo),
		manifest: Manifest{
			PID:     os.Getpid(),
			Started: time.Now().UTC().Format(time.RFC3339),
		},
	}
	for _, p := range taskPaths {
		m.manifest.Tasks = append(m.manifest.Tasks, TaskRecord{TaskPath: p, Status: StatusPending})
	}
	if err := m.saveManifest(); err != nil {
		return nil, err
	}
	return m, nil
}

// BaseBranch returns the branch the swarm will merge back into.
func (m *Manager) BaseBranch() string {
	return m.base
}

// Execute runs taskPath in a fresh worktree on its own branch and returns
// the normalized result. workDir is the scratch directory name the runner
// uses inside the worktree. The worktree is left in place for MergeBack;
// the result's ModifiedFiles come from git rather than the backup snapshot.
func (m *Manager) Execute(ctx context.Context, exec *runner.Executor, taskPath, workDir, scoutContext string) runner.Result {
	branch := NewBranchName()
	wtPath := WorktreeDir(m.Root, workDir)

	if err := gitutil.WorktreeAdd(m.Root, wtPath, branch, m.base); err != nil {
		m.setStatus(taskPath, branch, StatusFailed)
		return runner.Result{
			TaskPath: taskPath,
			ExitCode: 1,
			Stderr:   fmt.Sprintf("worktree setup failed: %v", err),
		}
	}
	baseRef, err := gitutil.RevParse(wtPath, "HEAD")
	if err != nil {
		m.setStatus(taskPath, branch, StatusFailed)
		return runner.Result{
			TaskPath: taskPath,
			ExitCode: 1,
			Stderr:   fmt.Sprintf("worktree setup failed: %v", err),
		}
	}

	m.mu.Lock()
	m.branches[taskPath] = branchInfo{branch: branch, worktreePath: wtPath, baseRef: baseRef, workDir: workDir}
	m.mu.Unlock()
	m.setStatus(taskPath, branch, StatusRunning)

	res := exec.Execute(ctx, taskPath, workDir, wtPath, scoutContext)
	res.WorkDir = filepath.Join(wtPath, workDir)

	if changed, err := gitutil.ChangedFiles(wtPath, baseRef); err == nil {
		res.ModifiedFiles = filterStateArtifacts(changed, workDir)
	}

	if res.Success() {
		m.setStatus(taskPath, branch, StatusComplete)
	} else {
		m.setStatus(taskPath, branch, StatusFailed)
	}
	return res
}

// filterStateArtifacts drops the scratch dir itself from a worktree's
// changed-file list.
func filterStateArtifacts(files []string, workDir string) []string {
	var out []string
	for _, f := range files {
		if f == workDir || strings.HasPrefix(f, workDir+"/") {
			continue
		}
		out = append(out, f)
	}
	return out
}

// MergeSummary describes what happened to each task branch after a run.
type MergeSummary struct {
	Merged    []string          // branches merged and cleaned up
	Failed    []string          // task paths whose runs failed; branches kept
	Conflicts map[string]string // branch -> diagnostic, artifacts kept
}

// MergeBack folds each successful task branch into the base branch. A
// conflicting merge is aborted and its worktree and branch are preserved
// for manual resolution; it does not count as a task failure. Failed tasks
// keep their branches too so partial work can be inspected.
func (m *Manager) MergeBack(results []runner.Result) MergeSummary {
	summary := MergeSummary{Conflicts: make(map[string]string)}

	for _, res := range results {
		m.mu.Lock()
		info, ok := m.branches[res.TaskPath]
		m.mu.Unlock()
		if !ok {
			continue
		}

		if !res.Success() {
			summary.Failed = append(summary.Failed, res.TaskPath)
			slog.Warn("keeping branch of failed task",
				slog.String("task", res.TaskPath), slog.String("branch", info.branch))
			continue
		}

		// The runner's scratch dir (logs, backup snapshots) lives inside
		// the worktree; drop it before staging so swarm state never
		// reaches the base branch.
		if info.workDir != "" {
			if err := os.RemoveAll(filepath.Join(info.worktreePath, info.workDir)); err != nil {
				slog.Warn("could not remove scratch dir before merge",
					slog.String("branch", info.branch), slog.Any("error", err))
			}
		}

		if _, err := gitutil.CommitAll(info.worktreePath, "swarm: "+filepath.Base(res.TaskPath)); err != nil {
			summary.Conflicts[info.branch] = fmt.Sprintf("could not commit task output: %v", err)
			continue
		}

		clean, err := gitutil.MergeTreeClean(m.Root, m.base, info.branch)
		if err == nil && !clean {
			summary.Conflicts[info.branch] = "merge would conflict with " + m.base
			slog.Warn("merge conflict, keeping artifacts",
				slog.String("branch", info.branch), slog.String("task", res.TaskPath))
			continue
		}

		err = gitutil.Merge(m.Root, info.branch, fmt.Sprintf("swarm: merge %s (%s)", info.branch, filepath.Base(res.TaskPath)))
		if err != nil {
			gitutil.MergeAbort(m.Root) //nolint:errcheck
			summary.Conflicts[info.branch] = err.Error()
			slog.Warn("merge failed, keeping artifacts",
				slog.String("branch", info.branch), slog.Any("error", err))
			continue
		}

		if err := gitutil.WorktreeRemove(m.Root, info.worktreePath); err != nil {
			slog.Warn("worktree removal failed", slog.String("path", info.worktreePath), slog.Any("error", err))
		}
		if err := gitutil.DeleteBranch(m.Root, info.branch, true); err != nil {
			slog.Warn("branch deletion failed", slog.String("branch", info.branch), slog.Any("error", err))
		}
		summary.Merged = append(summary.Merged, info.branch)
		slog.Info("merged task branch", slog.String("branch", info.branch), slog.String("task", res.TaskPath))
	}

	m.finishManifest()
	return summary
}

// ResolutionGuide renders manual follow-up instructions for conflicted and
// failed tasks. Empty string when there is nothing to resolve.
func (s MergeSummary) ResolutionGuide() string {
	if len(s.Conflicts) == 0 && len(s.Failed) == 0 {
		return ""
	}
	var b strings.Builder
	if len(s.Conflicts) > 0 {
		b.WriteString("Merge Conflicts\n")
		for branch, diag := range s.Conflicts {
			fmt.Fprintf(&b, "  %s: %s\n", branch, diag)
			fmt.Fprintf(&b, "    resolve with: git checkout %s\n", branch)
		}
	}
	if len(s.Failed) > 0 {
		b.WriteString("Failed Tasks\n")
		for _, task := range s.Failed {
			fmt.Fprintf(&b, "  %s (branch preserved for inspection)\n", task)
		}
	}
	return b.String()
}

func (m *Manager) setStatus(taskPath, branch, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.manifest.Tasks {
		if m.manifest.Tasks[i].TaskPath == taskPath {
			m.manifest.Tasks[i].Branch = branch
			m.manifest.Tasks[i].Status = status
			break
		}
	}
	if err := m.saveManifestLocked(); err != nil {
		slog.Warn("manifest write failed", slog.Any("error", err))
	}
}

// finishManifest removes the manifest once a run completed normally. The
// file only survives a crash.
func (m *Manager) finishManifest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	os.Remove(filepath.Join(m.Root, StateDir, manifestName)) //nolint:errcheck
}

func (m *Manager) saveManifest() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveManifestLocked()
}

// saveManifestLocked writes the manifest atomically (tmp + rename).
func (m *Manager) saveManifestLocked() error {
	path := filepath.Join(m.Root, StateDir, manifestName)
	data, err := json.MarshalIndent(m.manifest, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CheckAbandoned returns the manifest of a previous run whose process died
// mid-swarm, or nil when there is no such wreckage.
func CheckAbandoned(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, StateDir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("corrupt manifest: %w", err)
	}
	if man.PID > 0 && proc.IsAlive(man.PID) {
		return nil, nil
	}
	return &man, nil
}

// CleanupStaleBranches deletes swarm branches that have no worktree checked
// out, the leftovers of crashed or interrupted runs. Returns the branches
// removed.
func CleanupStaleBranches(root string) ([]string, error) {
	gitutil.WorktreePrune(root) //nolint:errcheck
	branches, err := gitutil.ListBranches(root, BranchPrefix+"*")
	if err != nil {
		return nil, err
	}
	active, err := gitutil.ActiveWorktrees(root)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, b := range branches {
		if _, busy := active[b]; busy {
			continue
		}
		if err := gitutil.DeleteBranch(root, b, true); err != nil {
			slog.Warn("could not delete stale branch", slog.String("branch", b), slog.Any("error", err))
			continue
		}
		removed = append(removed, b)
	}
	return removed, nil
}
