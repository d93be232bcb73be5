// Package runner spawns one external workflow run per task and normalizes
// whatever happens (success, crash, timeout, unparseable output) into a
// Result. Failures here never surface as Go errors to the scheduler.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/user/drover/internal/proc"
	"github.com/user/drover/internal/tailbuf"
)

// ExitTimeout is reported when a run is killed for exceeding its deadline.
const ExitTimeout = 124

// stderrTailLines bounds how much of a failed worker's stderr is retained.
const stderrTailLines = 40

// killGrace is how long a worker gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// Result is the complete record of one task run.
type Result struct {
	TaskPath      string
	WorkDir       string
	ExitCode      int
	Cost          float64
	Stderr        string
	ModifiedFiles []string
	Elapsed       time.Duration
}

// Success reports whether the run exited cleanly.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Executor runs the external workflow binary. The zero value is not usable;
// set Runner at minimum.
type Executor struct {
	Runner  string        // workflow binary, e.g. "zenith"
	Timeout time.Duration // wall clock per task; 0 means no limit
	DryRun  bool
	Echo    io.Writer // when set, the child's combined output is mirrored here
}

// syncWriter serializes writes from the child's stdout and stderr copiers,
// which run on separate goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Execute runs the workflow binary for taskPath inside projectRoot. workDir
// is the per-task scratch directory name (relative to projectRoot), handed
// to the child via DROVER_WORK_DIR. scoutContext, when non-empty, is
// forwarded as --scout-context.
//
// Execute always returns a Result: spawn failures become ExitCode 1 with
// the error in Stderr, deadline overruns become ExitCode 124 after the
// process group is killed.
func (e *Executor) Execute(ctx context.Context, taskPath, workDir, projectRoot, scoutContext string) Result {
	start := time.Now()
	res := Result{TaskPath: taskPath, WorkDir: workDir}

	args := []string{taskPath}
	if e.DryRun {
		args = append(args, "--dry-run")
	}
	if scoutContext != "" {
		args = append(args, "--scout-context", scoutContext)
	}

	var stdout bytes.Buffer
	tail := tailbuf.New(stderrTailLines)
	var stdoutW io.Writer = &stdout
	var stderrW io.Writer = tail
	if e.Echo != nil {
		echo := &syncWriter{w: e.Echo}
		stdoutW = io.MultiWriter(&stdout, echo)
		stderrW = io.MultiWriter(tail, echo)
	}

	cmd := exec.Command(e.Runner, args...)
	cmd.Dir = projectRoot
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Env = append(os.Environ(), "DROVER_WORK_DIR="+workDir)
	cmd.SysProcAttr = proc.GroupAttr()

	if err := cmd.Start(); err != nil {
		res.ExitCode = 1
		res.Stderr = fmt.Sprintf("failed to start %s: %v", e.Runner, err)
		res.Elapsed = time.Since(start)
		return res
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if e.Timeout > 0 {
		t := time.NewTimer(e.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var waitErr error
	timedOut := false
	canceled := false
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		proc.KillTree(cmd.Process, killGrace)
		waitErr = <-done
	case <-ctx.Done():
		canceled = true
		proc.KillTree(cmd.Process, killGrace)
		waitErr = <-done
	}

	res.Elapsed = time.Since(start)
	res.ExitCode = exitCode(waitErr)
	res.Stderr = tail.String()
	// The cost marker lands on stdout or stderr depending on the workflow
	// version; check both streams, last occurrence wins.
	res.Cost = parseCost(stdout.String() + "\n" + res.Stderr)

	switch {
	case timedOut:
		res.ExitCode = ExitTimeout
		res.Stderr = fmt.Sprintf("timed out after %s\n%s", e.Timeout, res.Stderr)
	case canceled:
		res.ExitCode = 130
		res.Stderr = "canceled\n" + res.Stderr
	}

	res.ModifiedFiles = modifiedFromBackup(filepath.Join(projectRoot, workDir))
	return res
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if c := exitErr.ExitCode(); c >= 0 {
			return c
		}
	}
	return 1
}

// costRe matches the workflow's running cost line. Both "$1" and "$1.2345"
// forms occur in the wild.
var costRe = regexp.MustCompile(`\[COST\] Total: \$([0-9]+(?:\.[0-9]+)?)`)

// parseCost extracts the final reported cost from worker output. The last
// [COST] line wins; absent or malformed lines yield 0.
func parseCost(output string) float64 {
	matches := costRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return 0
	}
	return v
}

// modifiedFromBackup lists the files the workflow snapshotted before editing
// them. The backup tree mirrors the project layout, so relative paths inside
// it are the modified project paths. A missing backup dir means no edits.
func modifiedFromBackup(workDirPath string) []string {
	backup := filepath.Join(workDirPath, "backup")
	var files []string
	err := filepath.WalkDir(backup, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(backup, path)
		if relErr != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}
