// Package dispatch schedules task files across workers, keeping members of
// the same conflict group strictly sequential, and folds every outcome into
// a single run summary.
package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy selects how tasks are isolated from each other.
type Strategy string

const (
	// StrategyAuto runs tasks in shared checkout with conflict
	// partitioning and after-the-fact overlap detection.
	StrategyAuto Strategy = "auto"
	// StrategyWorktree gives every task its own git worktree and branch,
	// merged back after the run.
	StrategyWorktree Strategy = "worktree"
	// StrategySequential runs everything one at a time in input order.
	StrategySequential Strategy = "sequential"
)

// ConfigError is a fatal configuration problem caught before any worker
// spawns.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Reason
}

// Config is the validated input of one swarm run. Build it once in the CLI
// and pass it by reference.
type Config struct {
	Tasks        []string
	Workers      int
	Strategy     Strategy
	Runner       string // workflow binary
	Timeout      time.Duration
	Root         string // project root; "." when unset
	ScoutContext string
	DryRun       bool
	Verbose      bool
}

// Validate checks the config and returns a ConfigError on the first
// violation. A valid config is the contract everything downstream relies on.
func (c *Config) Validate() error {
	if len(c.Tasks) == 0 {
		return &ConfigError{Reason: "no task files given"}
	}
	for _, task := range c.Tasks {
		if _, err := os.Stat(task); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("task file not found: %s", task)}
		}
	}
	if c.Workers < 1 {
		return &ConfigError{Reason: fmt.Sprintf("workers must be at least 1, got %d", c.Workers)}
	}
	switch c.Strategy {
	case StrategyAuto, StrategyWorktree, StrategySequential:
	default:
		return &ConfigError{Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}
	if c.Runner == "" {
		return &ConfigError{Reason: "runner binary not set"}
	}
	if c.Root == "" {
		c.Root = "."
	}
	return nil
}

// DefaultWorkers picks a worker count for n tasks: one per task, capped by
// CPU count and a hard ceiling of 8.
func DefaultWorkers(n int) int {
	w := n
	if cpus := runtime.NumCPU(); w > cpus {
		w = cpus
	}
	if w > 8 {
		w = 8
	}
	if w < 1 {
		w = 1
	}
	return w
}

// DefaultsFile is the optional project-level defaults file at the repo root.
const DefaultsFile = ".drover.yaml"

// Defaults are project-level settings flags always override.
type Defaults struct {
	Runner   string `yaml:"runner"`
	Workers  int    `yaml:"workers"`
	Strategy string `yaml:"strategy"`
	Timeout  string `yaml:"timeout"`
}

// TimeoutDuration parses the timeout field; zero when absent or invalid.
func (d Defaults) TimeoutDuration() time.Duration {
	if d.Timeout == "" {
		return 0
	}
	t, err := time.ParseDuration(d.Timeout)
	if err != nil {
		return 0
	}
	return t
}

// LoadDefaults reads .drover.yaml under root. A missing file yields zero
// Defaults and no error; a malformed one is an error.
func LoadDefaults(root string) (Defaults, error) {
	var d Defaults
	data, err := os.ReadFile(filepath.Join(root, DefaultsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, err
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse %s: %w", DefaultsFile, err)
	}
	return d, nil
}
