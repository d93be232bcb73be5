package targets

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// headerKey marks the optional first-line declaration of the files a task
// intends to modify, e.g. "TARGETS: src/*.go, docs/plan.md".
const headerKey = "TARGETS:"

// Parse extracts the declared target patterns from a task file. Only the
// first TARGETS: line is honored; items are comma-separated and trimmed.
// A file without the header yields an empty slice, not an error.
func Parse(taskFile string) ([]string, error) {
	f, err := os.Open(taskFile)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, headerKey) {
			continue
		}
		var patterns []string
		for _, item := range strings.Split(line[len(headerKey):], ",") {
			if item = strings.TrimSpace(item); item != "" {
				patterns = append(patterns, item)
			}
		}
		return patterns, nil
	}
	return nil, scanner.Err()
}

// Expand resolves patterns against the project tree at root. Patterns with
// glob metacharacters expand via filepath.Glob; plain patterns are treated
// as literal paths and included only if they exist. Non-matching patterns
// contribute nothing. Keys are slash-separated paths relative to root.
func Expand(patterns []string, root string) (map[string]struct{}, error) {
	resolved := make(map[string]struct{})
	for _, pattern := range patterns {
		if strings.ContainsAny(pattern, "*?[") {
			matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
			if err != nil {
				// Malformed pattern; treat as non-matching like the
				// literal-path case rather than failing the whole task.
				continue
			}
			for _, m := range matches {
				addIfFile(resolved, root, m)
			}
			continue
		}
		addIfFile(resolved, root, filepath.Join(root, filepath.FromSlash(pattern)))
	}
	return resolved, nil
}

func addIfFile(set map[string]struct{}, root, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return
	}
	set[filepath.ToSlash(rel)] = struct{}{}
}

// Set is a task's resolved target set. A Set with no resolved paths is the
// no-targets sentinel: targets are unknown, so the worst case is assumed
// and every sentinel Set intersects every other sentinel Set.
type Set struct {
	paths map[string]struct{}
}

// Resolve parses a task file's TARGETS header and expands it against root.
// A missing header, or patterns that match nothing, produce the sentinel.
func Resolve(taskFile, root string) (Set, error) {
	patterns, err := Parse(taskFile)
	if err != nil {
		return Set{}, err
	}
	if len(patterns) == 0 {
		return Set{}, nil
	}
	resolved, err := Expand(patterns, root)
	if err != nil {
		return Set{}, err
	}
	return Set{paths: resolved}, nil
}

// NewSet builds a Set from relative paths. An empty list is the sentinel.
func NewSet(paths ...string) Set {
	if len(paths) == 0 {
		return Set{}
	}
	m := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		m[filepath.ToSlash(p)] = struct{}{}
	}
	return Set{paths: m}
}

// Sentinel reports whether this Set carries no resolved targets.
func (s Set) Sentinel() bool { return len(s.paths) == 0 }

// Len returns the number of resolved target paths (0 for the sentinel).
func (s Set) Len() int { return len(s.paths) }

// Paths returns the resolved target paths in sorted order.
func (s Set) Paths() []string {
	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Intersects reports whether two Sets conflict: they share at least one
// resolved path, or both are the sentinel. A sentinel never conflicts with
// a Set whose targets are known.
func (s Set) Intersects(o Set) bool {
	if s.Sentinel() && o.Sentinel() {
		return true
	}
	if s.Sentinel() || o.Sentinel() {
		return false
	}
	small, big := s.paths, o.paths
	if len(big) < len(small) {
		small, big = big, small
	}
	for p := range small {
		if _, ok := big[p]; ok {
			return true
		}
	}
	return false
}
