// Package status renders a live view of the swarm by polling each worker's
// log file for phase markers. It is a pure observer: nothing here feeds back
// into scheduling, and a missing or garbled log never stops a run.
package status

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// LogFileName is where the workflow binary writes its progress log inside
// the task's work dir.
const LogFileName = "log.txt"

// Worker phases, ordered by how far along the workflow is.
const (
	PhaseStarting  = "starting"
	PhasePlanned   = "planned"
	PhaseWorking   = "working"
	PhaseVerifying = "verifying"
	PhaseError     = "error"
)

// TaskStatus is one worker's progress as read from its log.
type TaskStatus struct {
	Phase      string
	Step       int // current step, 1-based; 0 before the first step
	TotalSteps int // 0 until the plan line appears
	Cost       float64
}

// Progress renders "step 3/5" style progress, or "" when unknown.
func (s TaskStatus) Progress() string {
	if s.TotalSteps == 0 {
		return ""
	}
	return fmt.Sprintf("step %d/%d", s.Step, s.TotalSteps)
}

var (
	planRe = regexp.MustCompile(`\[PLAN\] Done\. (\d+) steps?\.`)
	stepRe = regexp.MustCompile(`\[STEP (\d+)\]`)
	costRe = regexp.MustCompile(`\[COST\] Total: \$([0-9]+(?:\.[0-9]+)?)`)
)

// warnOnce rate-limits the out-of-order step warning to one per process.
var warnOnce sync.Once

// ParseLog reads a worker log and derives the current phase. An [ERROR]
// marker is sticky; otherwise the most recent marker wins. A step number
// lower than the highest seen is treated as already complete, which can
// misreport skipped or reordered steps.
func ParseLog(path string) (TaskStatus, error) {
	f, err := os.Open(path)
	if err != nil {
		return TaskStatus{Phase: PhaseStarting}, err
	}
	defer f.Close()
	return parse(f), nil
}

func parse(r io.Reader) TaskStatus {
	st := TaskStatus{Phase: PhaseStarting}
	failed := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case planRe.MatchString(line):
			m := planRe.FindStringSubmatch(line)
			st.TotalSteps, _ = strconv.Atoi(m[1])
			st.Phase = PhasePlanned
		case stepRe.MatchString(line):
			m := stepRe.FindStringSubmatch(line)
			n, _ := strconv.Atoi(m[1])
			if n < st.Step {
				warnOnce.Do(func() {
					slog.Warn("step markers out of order; progress may misreport skipped steps")
				})
			} else {
				st.Step = n
			}
			st.Phase = PhaseWorking
		case strings.Contains(line, "[VERIFY]"):
			st.Phase = PhaseVerifying
		case strings.Contains(line, "[ERROR]"):
			failed = true
		case costRe.MatchString(line):
			m := costRe.FindStringSubmatch(line)
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				st.Cost = v
			}
		}
	}
	if failed {
		st.Phase = PhaseError
	}
	return st
}

// tracked is one live task's bookkeeping inside the Reporter.
type tracked struct {
	taskPath string
	logPath  string
}

// Reporter polls the logs of active tasks and prints a status block on a
// fixed interval. Completion removes a task from the live view immediately,
// without waiting for the next poll.
type Reporter struct {
	Interval time.Duration
	Out      io.Writer

	mu       sync.Mutex
	total    int
	done     int
	doneCost float64
	active   map[string]tracked // task path -> log location
}

// NewReporter creates a Reporter for a run of total tasks writing to out.
func NewReporter(total int, out io.Writer) *Reporter {
	return &Reporter{
		Interval: 5 * time.Second,
		Out:      out,
		total:    total,
		active:   make(map[string]tracked),
	}
}

// Track registers a task as active. logPath is polled until Complete.
func (r *Reporter) Track(taskPath, logPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[taskPath] = tracked{taskPath: taskPath, logPath: logPath}
}

// Complete marks a task finished and folds its cost into the running total.
func (r *Reporter) Complete(taskPath string, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, taskPath)
	r.done++
	r.doneCost += cost
}

// Run polls until ctx is canceled. Meant for its own goroutine.
func (r *Reporter) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fmt.Fprint(r.Out, r.Render())
		}
	}
}

// Row is one active task's line in the status block.
type Row struct {
	TaskPath string
	Status   TaskStatus
}

// Render reads every active log and formats the current status block.
func (r *Reporter) Render() string {
	r.mu.Lock()
	done, total, cost := r.done, r.total, r.doneCost
	live := make([]tracked, 0, len(r.active))
	for _, t := range r.active {
		live = append(live, t)
	}
	r.mu.Unlock()

	sort.Slice(live, func(i, j int) bool { return live[i].taskPath < live[j].taskPath })

	rows := make([]Row, 0, len(live))
	for _, t := range live {
		st, err := ParseLog(t.logPath)
		if err != nil {
			st = TaskStatus{Phase: PhaseStarting}
		}
		cost += st.Cost
		rows = append(rows, Row{TaskPath: t.taskPath, Status: st})
	}
	return FormatBlock(done, total, cost, rows)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	phaseStyle  = map[string]lipgloss.Style{
		PhaseStarting:  lipgloss.NewStyle().Faint(true),
		PhasePlanned:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		PhaseWorking:   lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		PhaseVerifying: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		PhaseError:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

// FormatBlock is the pure rendering half of the reporter: progress header,
// running cost, one line per active task.
func FormatBlock(done, total int, cost float64, rows []Row) string {
	out := headerStyle.Render(fmt.Sprintf("swarm: %d/%d done, %d active, $%.4f", done, total, len(rows), cost)) + "\n"
	for _, row := range rows {
		style, ok := phaseStyle[row.Status.Phase]
		if !ok {
			style = lipgloss.NewStyle()
		}
		line := fmt.Sprintf("  %-30s %s", row.TaskPath, style.Render(row.Status.Phase))
		if p := row.Status.Progress(); p != "" {
			line += "  " + p
		}
		out += line + "\n"
	}
	return out
}
