package gitutil

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// run executes a git command in the given directory and returns stdout.
func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, errBuf.String())
	}
	return strings.TrimSpace(out.String()), nil
}

// runAllowFail executes a git command and returns (combined output, exitCode, error).
func runAllowFail(dir string, args ...string) (string, int, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return "", -1, err
		}
	}
	return strings.TrimSpace(out.String()), code, nil
}

// WorktreeAdd creates a new git worktree at worktreePath on branchName,
// branching off baseBranch. If branchName already exists, it is used directly.
// Prunes stale registrations first so a retry after os.RemoveAll-only cleanup
// doesn't fail with "missing but already registered worktree".
func WorktreeAdd(repoPath, worktreePath, branchName, baseBranch string) error {
	WorktreePrune(repoPath) //nolint:errcheck

	if _, err := run(repoPath, "rev-parse", "--verify", branchName); err != nil {
		// Branch doesn't exist, create it.
		if _, err2 := run(repoPath, "worktree", "add", "-b", branchName, worktreePath, baseBranch); err2 != nil {
			return err2
		}
		return nil
	}
	// Branch exists, just add the worktree.
	if _, err := run(repoPath, "worktree", "add", worktreePath, branchName); err != nil {
		return err
	}
	return nil
}

// WorktreeRemove removes a git worktree.
func WorktreeRemove(repoPath, worktreePath string) error {
	_, err := run(repoPath, "worktree", "remove", "--force", worktreePath)
	return err
}

// WorktreePrune runs git worktree prune to clean up stale references.
func WorktreePrune(repoPath string) error {
	_, err := run(repoPath, "worktree", "prune")
	return err
}

// ActiveWorktrees returns branch -> worktree path for every worktree
// currently registered in the repo (the main checkout included).
func ActiveWorktrees(repoPath string) (map[string]string, error) {
	out, err := run(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	active := make(map[string]string)
	var path string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch refs/heads/"):
			active[strings.TrimPrefix(line, "branch refs/heads/")] = path
		}
	}
	return active, nil
}

// CreateBranch creates a new branch off baseBranch in repoPath.
func CreateBranch(repoPath, branchName, baseBranch string) error {
	_, err := run(repoPath, "branch", branchName, baseBranch)
	return err
}

// BranchExists returns true if the branch exists in the repo.
func BranchExists(repoPath, branchName string) bool {
	_, err := run(repoPath, "rev-parse", "--verify", branchName)
	return err == nil
}

// ListBranches returns local branch names matching pattern (git branch
// --list glob, e.g. "swarm/*").
func ListBranches(repoPath, pattern string) ([]string, error) {
	out, err := run(repoPath, "branch", "--list", pattern, "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// DeleteBranch deletes a local branch. force uses -D so unmerged branches
// can be reaped by orphan cleanup.
func DeleteBranch(repoPath, branchName string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := run(repoPath, "branch", flag, branchName)
	return err
}

// MergeTreeClean runs git merge-tree --write-tree to check if merging branch
// into base would produce conflicts. Returns true if clean.
func MergeTreeClean(repoPath, baseBranch, branch string) (bool, error) {
	_, code, err := runAllowFail(repoPath, "merge-tree", "--write-tree", baseBranch, branch)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// ErrMergeConflict marks a merge that stopped on content conflicts, as
// opposed to failing outright. Callers distinguish it with errors.Is.
var ErrMergeConflict = errors.New("merge conflict")

// Merge merges branch into the branch currently checked out in repoPath
// (--no-ff so each task keeps an identifiable merge commit). On content
// conflicts the error wraps ErrMergeConflict and names the unmerged files;
// the merge is left in progress for the caller to abort or resolve.
func Merge(repoPath, branch, message string) error {
	out, code, err := runAllowFail(repoPath, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	unmerged, _ := run(repoPath, "diff", "--name-only", "--diff-filter=U")
	if unmerged != "" {
		return fmt.Errorf("%w in: %s", ErrMergeConflict, strings.ReplaceAll(unmerged, "\n", ", "))
	}
	return fmt.Errorf("git merge %s: exit %d\n%s", branch, code, out)
}

// MergeAbort aborts an in-progress merge.
func MergeAbort(repoPath string) error {
	_, err := run(repoPath, "merge", "--abort")
	return err
}

// CurrentBranch returns the current branch name in the repo/worktree.
func CurrentBranch(dir string) (string, error) {
	return run(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// IsDetached reports whether HEAD in dir points at a bare commit rather
// than a named branch.
func IsDetached(dir string) (bool, error) {
	ref, err := CurrentBranch(dir)
	if err != nil {
		return false, err
	}
	return ref == "HEAD", nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, err := run(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CommitAll stages everything in dir and commits it. Returns false with a
// nil error when there is nothing to commit.
func CommitAll(dir, message string) (bool, error) {
	if _, err := run(dir, "add", "-A"); err != nil {
		return false, err
	}
	status, err := run(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if status == "" {
		return false, nil
	}
	if _, err := run(dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// ChangedFiles returns the paths in dir that differ from baseRef: tracked
// modifications plus untracked files, deduplicated, relative to dir.
func ChangedFiles(dir, baseRef string) ([]string, error) {
	tracked, err := run(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	untracked, err := run(dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var files []string
	for _, chunk := range []string{tracked, untracked} {
		for _, f := range strings.Split(chunk, "\n") {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			files = append(files, f)
		}
	}
	return files, nil
}

// RevParse resolves ref to a commit hash.
func RevParse(dir, ref string) (string, error) {
	return run(dir, "rev-parse", ref)
}

// DefaultBranch detects the default branch of a repo by checking the remote
// HEAD, then falling back to looking for "main" or "master" locally.
func DefaultBranch(repoPath string) string {
	out, _, err := runAllowFail(repoPath, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err == nil && out != "" {
		// "origin/main" → "main"
		parts := strings.SplitN(out, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	}
	for _, branch := range []string{"main", "master"} {
		if BranchExists(repoPath, branch) {
			return branch
		}
	}
	return "main"
}

// Init initializes a new git repository.
func Init(dir string) error {
	_, err := run(dir, "init")
	return err
}

// InitWithBranch initializes a git repo with a specific initial branch name.
func InitWithBranch(dir, branch string) error {
	_, err := run(dir, "init", "-b", branch)
	return err
}

// CommitEmpty creates an empty initial commit.
func CommitEmpty(dir, message string) error {
	if _, err := run(dir, "config", "user.email", "drover@local"); err != nil {
		return err
	}
	if _, err := run(dir, "config", "user.name", "Drover"); err != nil {
		return err
	}
	_, err := run(dir, "commit", "--allow-empty", "-m", message)
	return err
}
