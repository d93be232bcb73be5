//go:build e2e

package e2e

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// droverBin is the path to the compiled drover binary, set once in TestMain.
var droverBin string

// ─── TestMain: build drover binary once ──────────────────────────────────────

func TestMain(m *testing.M) {
	bin, cleanup, err := buildDrover()
	if err != nil {
		log.Fatalf("build drover: %v", err)
	}
	droverBin = bin
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// buildDrover compiles cmd/drover to a temp dir; returns (binPath, cleanup, err).
func buildDrover() (string, func(), error) {
	dir, err := os.MkdirTemp("", "drover-bin-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	bin := filepath.Join(dir, "drover")

	moduleRoot, err := findModuleRoot()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("find module root: %w", err)
	}

	cmd := exec.Command("go", "build", "-o", bin, "./cmd/drover")
	cmd.Dir = moduleRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("go build: %w\n%s", err, out)
	}
	return bin, cleanup, nil
}

func findModuleRoot() (string, error) {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		return "", err
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		return "", fmt.Errorf("not inside a module")
	}
	return filepath.Dir(gomod), nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// initRepo creates a git repo with an initial commit for the swarm to run in.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "drover@local"},
		{"config", "user.name", "Drover"},
		{"commit", "--allow-empty", "-m", "initial commit"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	return dir
}

// fakeZenith builds a stand-in workflow binary. It writes its task file's
// base name into the project checkout and reports a fixed cost.
func fakeZenith(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zenith")
	script := `#!/bin/sh
base=$(basename "$1" .md)
mkdir -p "$DROVER_WORK_DIR/backup"
echo "[PLAN] Done. 1 step." >> "$DROVER_WORK_DIR/log.txt"
echo "[STEP 1]" >> "$DROVER_WORK_DIR/log.txt"
echo "snapshot" > "$DROVER_WORK_DIR/backup/out-$base.txt"
echo "made by $base" > "out-$base.txt"
echo "[VERIFY]" >> "$DROVER_WORK_DIR/log.txt"
echo '[COST] Total: $0.1000'
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeTask(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("# task\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// drover runs the built binary and returns combined output plus exit code.
func drover(t *testing.T, dir string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(droverBin, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			t.Fatalf("drover %v: %v\n%s", args, err, out)
		}
		code = exitErr.ExitCode()
	}
	return string(out), code
}

// ─── drover run ──────────────────────────────────────────────────────────────

func TestRunWorktreeStrategyMergesResults(t *testing.T) {
	repo := initRepo(t)
	zenith := fakeZenith(t)
	taskDir := t.TempDir()
	a := writeTask(t, taskDir, "alpha.md")
	b := writeTask(t, taskDir, "beta.md")

	out, code := drover(t, repo, "run", a, b,
		"--runner", zenith, "--strategy", "worktree", "--root", repo, "--verbose")
	if code != 0 {
		t.Fatalf("exit %d:\n%s", code, out)
	}
	if !strings.Contains(out, "2/2 succeeded") {
		t.Errorf("summary missing:\n%s", out)
	}
	for _, f := range []string{"out-alpha.txt", "out-beta.txt"} {
		if _, err := os.Stat(filepath.Join(repo, f)); err != nil {
			t.Errorf("merged output %s missing: %v", f, err)
		}
	}

	// The runner's scratch dirs (logs, backup snapshots) must never be
	// merged into the base branch.
	cmd := exec.Command("git", "ls-tree", "-r", "--name-only", "HEAD")
	cmd.Dir = repo
	tree, err := cmd.Output()
	if err != nil {
		t.Fatalf("git ls-tree: %v", err)
	}
	for _, f := range strings.Split(strings.TrimSpace(string(tree)), "\n") {
		if strings.HasPrefix(f, ".drover_") {
			t.Errorf("scratch state committed to base branch: %s", f)
		}
	}
}

func TestRunFailurePropagatesExitCode(t *testing.T) {
	repo := initRepo(t)
	taskDir := t.TempDir()
	a := writeTask(t, taskDir, "doomed.md")

	out, code := drover(t, repo, "run", a,
		"--runner", "false", "--root", repo, "--verbose")
	if code == 0 {
		t.Fatalf("expected nonzero exit:\n%s", out)
	}
	if !strings.Contains(out, "Failed Tasks") {
		t.Errorf("failure section missing:\n%s", out)
	}
}

func TestRunDryRunPrintsPlanOnly(t *testing.T) {
	repo := initRepo(t)
	taskDir := t.TempDir()
	a := writeTask(t, taskDir, "only.md")

	out, code := drover(t, repo, "run", a,
		"--runner", "false", "--root", repo, "--dry-run")
	if code != 0 {
		t.Fatalf("dry run exit %d:\n%s", code, out)
	}
	if !strings.Contains(out, "Execution plan") {
		t.Errorf("plan missing:\n%s", out)
	}
}

// ─── drover cleanup ──────────────────────────────────────────────────────────

func TestCleanupRemovesStaleBranches(t *testing.T) {
	repo := initRepo(t)
	cmd := exec.Command("git", "branch", "swarm/feedc0de")
	cmd.Dir = repo
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git branch: %v\n%s", err, out)
	}

	out, code := drover(t, repo, "cleanup", "--root", repo)
	if code != 0 {
		t.Fatalf("cleanup exit %d:\n%s", code, out)
	}
	if !strings.Contains(out, "deleted swarm/feedc0de") {
		t.Errorf("cleanup output:\n%s", out)
	}
}
