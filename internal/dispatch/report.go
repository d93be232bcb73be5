package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/user/drover/internal/runner"
	"github.com/user/drover/internal/worktree"
)

// Summary aggregates a whole run. Building it is idempotent and does not
// depend on the order results arrived in.
type Summary struct {
	TotalTasks int
	Succeeded  int
	Failed     int
	TotalCost  float64
	Results    []runner.Result
	Merge      *worktree.MergeSummary // worktree strategy only
}

// AllSucceeded reports whether every task exited cleanly.
func (s Summary) AllSucceeded() bool {
	return s.Failed == 0 && s.Succeeded == s.TotalTasks
}

// Summarize folds results into a Summary. Results are sorted by task path
// so two summaries over the same set render identically.
func Summarize(results []runner.Result) Summary {
	sorted := make([]runner.Result, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskPath < sorted[j].TaskPath })

	s := Summary{TotalTasks: len(sorted), Results: sorted}
	for _, r := range sorted {
		s.TotalCost += r.Cost
		if r.Success() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

var (
	frameStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

// Report renders the end-of-run summary: per-task rows, totals, failure
// details with the stderr tail, overlap warnings, and merge follow-ups.
func (s Summary) Report() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Swarm Summary"))
	b.WriteString("\n\n")
	for _, r := range s.Results {
		mark := okStyle.Render("[OK]")
		if !r.Success() {
			mark = failStyle.Render("[X] ")
		}
		fmt.Fprintf(&b, "%s %-40s $%.4f  %s\n",
			mark, r.TaskPath, r.Cost, dimStyle.Render(r.Elapsed.Round(time.Second).String()))
	}
	fmt.Fprintf(&b, "\n%d/%d succeeded, total cost $%.4f\n",
		s.Succeeded, s.TotalTasks, s.TotalCost)

	if s.Failed > 0 {
		b.WriteString("\n" + failStyle.Render("Failed Tasks") + "\n")
		for _, r := range s.Results {
			if r.Success() {
				continue
			}
			fmt.Fprintf(&b, "  %s (exit %d)\n", r.TaskPath, r.ExitCode)
			for _, line := range tailLines(r.Stderr, 5) {
				b.WriteString("    " + line + "\n")
			}
		}
	}

	if conflicts := DetectFileConflicts(s.Results); len(conflicts) > 0 {
		b.WriteString("\n" + failStyle.Render("File Overlaps") + "\n")
		files := make([]string, 0, len(conflicts))
		for f := range conflicts {
			files = append(files, f)
		}
		sort.Strings(files)
		for _, f := range files {
			fmt.Fprintf(&b, "  %s modified by %s\n", f, strings.Join(conflicts[f], ", "))
		}
	}

	if s.Merge != nil {
		if guide := s.Merge.ResolutionGuide(); guide != "" {
			b.WriteString("\n" + guide)
		}
	}

	return frameStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

func tailLines(s string, n int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}
