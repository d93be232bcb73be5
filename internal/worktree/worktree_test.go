package worktree_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/user/drover/internal/gitutil"
	"github.com/user/drover/internal/runner"
	"github.com/user/drover/internal/worktree"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := gitutil.InitWithBranch(dir, "main"); err != nil {
		t.Fatalf("InitWithBranch: %v", err)
	}
	if err := gitutil.CommitEmpty(dir, "initial commit"); err != nil {
		t.Fatalf("CommitEmpty: %v", err)
	}
	return dir
}

// fakeRunner builds an executable script whose body runs inside the task's
// worktree (the executor sets cwd to the worktree path).
func fakeRunner(t *testing.T, body string) *runner.Executor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-runner")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return &runner.Executor{Runner: path}
}

func writeTaskFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("# task\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewBranchName(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		b := worktree.NewBranchName()
		if !strings.HasPrefix(b, worktree.BranchPrefix) {
			t.Fatalf("branch %q missing prefix", b)
		}
		if got := len(strings.TrimPrefix(b, worktree.BranchPrefix)); got != 8 {
			t.Fatalf("branch suffix length = %d, want 8 (%q)", got, b)
		}
		if seen[b] {
			t.Fatalf("duplicate branch name %q", b)
		}
		seen[b] = true
	}
}

func TestPreflightRejectsNonRepo(t *testing.T) {
	t.Parallel()
	err := worktree.Preflight(t.TempDir())
	var pf *worktree.PreflightError
	if !asPreflight(err, &pf) {
		t.Fatalf("err = %v, want PreflightError", err)
	}
	if !strings.Contains(pf.Reason, "not a git repository") {
		t.Errorf("Reason = %q", pf.Reason)
	}
}

func TestPreflightRejectsDetachedHead(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	hash, err := gitutil.RevParse(repo, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "checkout", hash)

	err = worktree.Preflight(repo)
	var pf *worktree.PreflightError
	if !asPreflight(err, &pf) {
		t.Fatalf("err = %v, want PreflightError", err)
	}
	if !strings.Contains(pf.Reason, "detached") {
		t.Errorf("Reason = %q", pf.Reason)
	}
}

func TestPreflightRejectsLiveLock(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	lock := filepath.Join(repo, worktree.LockFile)
	if err := os.WriteFile(lock, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		t.Fatal(err)
	}

	err := worktree.Preflight(repo)
	var pf *worktree.PreflightError
	if !asPreflight(err, &pf) {
		t.Fatalf("err = %v, want PreflightError", err)
	}
	if !strings.Contains(pf.Reason, "another swarm is running") {
		t.Errorf("Reason = %q", pf.Reason)
	}
}

func TestPreflightReclaimsStaleLock(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	lock := filepath.Join(repo, worktree.LockFile)
	if err := os.WriteFile(lock, []byte("999999999"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := worktree.Preflight(repo); err != nil {
		t.Fatalf("stale lock should be reclaimed, got %v", err)
	}
	data, err := os.ReadFile(lock)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock content = %q, want current pid", data)
	}
	if err := worktree.Unlock(repo); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Error("lock should be gone after Unlock")
	}
}

func TestExecuteIsolatesTaskInWorktree(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	if err := worktree.Preflight(repo); err != nil {
		t.Fatal(err)
	}
	task := writeTaskFile(t, t.TempDir(), "task1.md")

	m, err := worktree.NewManager(repo, []string{task})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.BaseBranch() != "main" {
		t.Errorf("BaseBranch = %q, want main", m.BaseBranch())
	}

	exec := fakeRunner(t, `echo "made by task" > task-output.txt`)
	res := m.Execute(context.Background(), exec, task, ".drover_iso1", "")

	if !res.Success() {
		t.Fatalf("run failed: %+v", res)
	}
	if len(res.ModifiedFiles) != 1 || res.ModifiedFiles[0] != "task-output.txt" {
		t.Errorf("ModifiedFiles = %v, want [task-output.txt]", res.ModifiedFiles)
	}
	// The main checkout must not see the file before merge-back.
	if _, err := os.Stat(filepath.Join(repo, "task-output.txt")); !os.IsNotExist(err) {
		t.Error("task output leaked into the main checkout")
	}
}

func TestMergeBackCleanMerge(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	if err := worktree.Preflight(repo); err != nil {
		t.Fatal(err)
	}
	task := writeTaskFile(t, t.TempDir(), "task1.md")

	m, err := worktree.NewManager(repo, []string{task})
	if err != nil {
		t.Fatal(err)
	}
	exec := fakeRunner(t, `echo "done" > merged.txt`)
	res := m.Execute(context.Background(), exec, task, ".drover_clean1", "")
	if !res.Success() {
		t.Fatalf("run failed: %+v", res)
	}

	summary := m.MergeBack([]runner.Result{res})
	if len(summary.Merged) != 1 {
		t.Fatalf("Merged = %v, want one branch", summary.Merged)
	}
	if len(summary.Conflicts) != 0 || len(summary.Failed) != 0 {
		t.Errorf("unexpected conflicts/failures: %+v", summary)
	}
	if _, err := os.Stat(filepath.Join(repo, "merged.txt")); err != nil {
		t.Errorf("merged file missing from main checkout: %v", err)
	}
	if gitutil.BranchExists(repo, summary.Merged[0]) {
		t.Error("merged branch should be deleted")
	}
	if summary.ResolutionGuide() != "" {
		t.Errorf("ResolutionGuide should be empty, got %q", summary.ResolutionGuide())
	}
}

func TestMergeBackConflictKeepsArtifacts(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	if err := os.WriteFile(filepath.Join(repo, "shared.txt"), []byte("original\n"), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, repo, "add", "shared.txt")
	runGit(t, repo, "commit", "-m", "add shared")

	if err := worktree.Preflight(repo); err != nil {
		t.Fatal(err)
	}
	taskDir := t.TempDir()
	taskA := writeTaskFile(t, taskDir, "a.md")
	taskB := writeTaskFile(t, taskDir, "b.md")

	m, err := worktree.NewManager(repo, []string{taskA, taskB})
	if err != nil {
		t.Fatal(err)
	}
	execA := fakeRunner(t, `echo "version A" > shared.txt`)
	execB := fakeRunner(t, `echo "version B" > shared.txt`)

	resA := m.Execute(context.Background(), execA, taskA, ".drover_confa", "")
	resB := m.Execute(context.Background(), execB, taskB, ".drover_confb", "")
	if !resA.Success() || !resB.Success() {
		t.Fatalf("runs failed: %+v / %+v", resA, resB)
	}

	summary := m.MergeBack([]runner.Result{resA, resB})
	if len(summary.Merged) != 1 {
		t.Fatalf("Merged = %v, want exactly one", summary.Merged)
	}
	if len(summary.Conflicts) != 1 {
		t.Fatalf("Conflicts = %v, want exactly one", summary.Conflicts)
	}
	for branch := range summary.Conflicts {
		if !gitutil.BranchExists(repo, branch) {
			t.Errorf("conflicted branch %s should be preserved", branch)
		}
		if !strings.Contains(summary.ResolutionGuide(), "git checkout "+branch) {
			t.Errorf("ResolutionGuide missing checkout hint for %s:\n%s", branch, summary.ResolutionGuide())
		}
	}
	// A conflict is not a task failure.
	if len(summary.Failed) != 0 {
		t.Errorf("Failed = %v, conflicts must not be failures", summary.Failed)
	}
}

func TestMergeBackFailedTaskKeepsBranch(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	if err := worktree.Preflight(repo); err != nil {
		t.Fatal(err)
	}
	task := writeTaskFile(t, t.TempDir(), "bad.md")

	m, err := worktree.NewManager(repo, []string{task})
	if err != nil {
		t.Fatal(err)
	}
	exec := fakeRunner(t, `echo "partial" > partial.txt
exit 2`)
	res := m.Execute(context.Background(), exec, task, ".drover_fail1", "")
	if res.Success() {
		t.Fatal("run should have failed")
	}

	summary := m.MergeBack([]runner.Result{res})
	if len(summary.Failed) != 1 || summary.Failed[0] != task {
		t.Fatalf("Failed = %v, want [%s]", summary.Failed, task)
	}
	guide := summary.ResolutionGuide()
	if !strings.Contains(guide, "Failed Tasks") {
		t.Errorf("ResolutionGuide missing Failed Tasks section:\n%s", guide)
	}
}

func TestMergeBackExcludesScratchState(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	if err := worktree.Preflight(repo); err != nil {
		t.Fatal(err)
	}
	task := writeTaskFile(t, t.TempDir(), "task1.md")

	m, err := worktree.NewManager(repo, []string{task})
	if err != nil {
		t.Fatal(err)
	}
	// Behave like the real workflow binary: scratch log and backup snapshot
	// inside the work dir, plus one genuine project edit.
	exec := fakeRunner(t, `mkdir -p "$DROVER_WORK_DIR/backup"
echo "snapshot" > "$DROVER_WORK_DIR/backup/real.txt"
echo "progress" > "$DROVER_WORK_DIR/log.txt"
echo "edited" > real.txt`)
	res := m.Execute(context.Background(), exec, task, ".drover_scratch1", "")
	if !res.Success() {
		t.Fatalf("run failed: %+v", res)
	}
	if len(res.ModifiedFiles) != 1 || res.ModifiedFiles[0] != "real.txt" {
		t.Errorf("ModifiedFiles = %v, want [real.txt]", res.ModifiedFiles)
	}

	summary := m.MergeBack([]runner.Result{res})
	if len(summary.Merged) != 1 {
		t.Fatalf("summary = %+v, want one clean merge", summary)
	}
	if _, err := os.Stat(filepath.Join(repo, "real.txt")); err != nil {
		t.Errorf("real edit missing after merge: %v", err)
	}
	for _, f := range gitOut(t, repo, "ls-tree", "-r", "--name-only", "HEAD") {
		if strings.HasPrefix(f, ".drover_") {
			t.Errorf("scratch state committed to base branch: %s", f)
		}
	}
}

func TestExecutePlacesWorkDirAtDerivedPath(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	if err := worktree.Preflight(repo); err != nil {
		t.Fatal(err)
	}
	task := writeTaskFile(t, t.TempDir(), "task1.md")

	m, err := worktree.NewManager(repo, []string{task})
	if err != nil {
		t.Fatal(err)
	}
	exec := fakeRunner(t, `mkdir -p "$DROVER_WORK_DIR"
echo "[PLAN] Done. 1 step." > "$DROVER_WORK_DIR/log.txt"`)
	res := m.Execute(context.Background(), exec, task, ".drover_wd1", "")
	if !res.Success() {
		t.Fatalf("run failed: %+v", res)
	}

	// The log must land exactly where WorktreeDir says it will, so a
	// scheduler tailing that path before the run sees real progress.
	logPath := filepath.Join(worktree.WorktreeDir(repo, ".drover_wd1"), ".drover_wd1", "log.txt")
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log not at derived path %s: %v", logPath, err)
	}
}

func TestCheckAbandoned(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	stateDir := filepath.Join(repo, worktree.StateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		t.Fatal(err)
	}

	// No manifest at all.
	man, err := worktree.CheckAbandoned(repo)
	if err != nil || man != nil {
		t.Fatalf("CheckAbandoned empty = %v, %v", man, err)
	}

	writeManifest := func(pid int) {
		t.Helper()
		data, _ := json.Marshal(worktree.Manifest{
			PID:     pid,
			Started: "2026-08-29T10:00:00Z",
			Tasks:   []worktree.TaskRecord{{TaskPath: "a.md", Branch: "swarm/12345678", Status: worktree.StatusRunning}},
		})
		if err := os.WriteFile(filepath.Join(stateDir, "progress.json"), data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	// Live owner: not abandoned.
	writeManifest(os.Getpid())
	man, err = worktree.CheckAbandoned(repo)
	if err != nil || man != nil {
		t.Fatalf("CheckAbandoned live = %v, %v", man, err)
	}

	// Dead owner: surfaced.
	writeManifest(999999999)
	man, err = worktree.CheckAbandoned(repo)
	if err != nil {
		t.Fatal(err)
	}
	if man == nil || len(man.Tasks) != 1 || man.Tasks[0].Status != worktree.StatusRunning {
		t.Fatalf("CheckAbandoned dead = %+v", man)
	}
}

func TestCleanupStaleBranches(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)

	if err := gitutil.CreateBranch(repo, "swarm/aaaa1111", "main"); err != nil {
		t.Fatal(err)
	}
	activeWt := filepath.Join(t.TempDir(), "active")
	if err := gitutil.WorktreeAdd(repo, activeWt, "swarm/bbbb2222", "main"); err != nil {
		t.Fatal(err)
	}
	if err := gitutil.CreateBranch(repo, "keepme", "main"); err != nil {
		t.Fatal(err)
	}

	removed, err := worktree.CleanupStaleBranches(repo)
	if err != nil {
		t.Fatalf("CleanupStaleBranches: %v", err)
	}
	if len(removed) != 1 || removed[0] != "swarm/aaaa1111" {
		t.Fatalf("removed = %v, want [swarm/aaaa1111]", removed)
	}
	if !gitutil.BranchExists(repo, "swarm/bbbb2222") {
		t.Error("branch with active worktree must survive cleanup")
	}
	if !gitutil.BranchExists(repo, "keepme") {
		t.Error("non-swarm branch must survive cleanup")
	}
}

// asPreflight wraps errors.As so test call sites stay short.
func asPreflight(err error, target **worktree.PreflightError) bool {
	return errors.As(err, target)
}

func gitOut(t *testing.T, dir string, args ...string) []string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %v: %v", args, err)
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}
