// Package partition computes the conflict partition that drives swarm
// scheduling: tasks whose declared target files transitively overlap form a
// conflict group and must run one at a time; everything else may run in
// parallel.
package partition

import (
	"fmt"

	"github.com/user/drover/internal/targets"
)

// Partition resolves each task's target set against root and splits the
// tasks into conflict groups (connected components of size >= 2 in the
// conflict graph) and parallel-safe singletons. Two tasks are connected
// when their target sets share a file, or when both carry the no-targets
// sentinel. Input order is preserved within groups and across the outputs.
func Partition(taskFiles []string, root string) (groups [][]string, parallel []string, err error) {
	sets := make([]targets.Set, len(taskFiles))
	for i, tf := range taskFiles {
		s, err := targets.Resolve(tf, root)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving targets for %s: %w", tf, err)
		}
		sets[i] = s
	}

	uf := newUnionFind(len(taskFiles))
	for i := range sets {
		for j := i + 1; j < len(sets); j++ {
			if sets[i].Intersects(sets[j]) {
				uf.union(i, j)
			}
		}
	}

	members := make(map[int][]int)
	for i := range taskFiles {
		r := uf.find(i)
		members[r] = append(members[r], i)
	}

	// Emit each component when its first member is encountered so the
	// result is deterministic for a fixed input order.
	emitted := make(map[int]bool)
	for i := range taskFiles {
		r := uf.find(i)
		if emitted[r] {
			continue
		}
		emitted[r] = true
		comp := members[r]
		if len(comp) >= 2 {
			group := make([]string, len(comp))
			for k, idx := range comp {
				group[k] = taskFiles[idx]
			}
			groups = append(groups, group)
		} else {
			parallel = append(parallel, taskFiles[i])
		}
	}
	return groups, parallel, nil
}

// unionFind is a plain disjoint-set with path compression. Union by rank is
// not worth the bookkeeping at swarm sizes.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(i, j int) {
	ri, rj := uf.find(i), uf.find(j)
	if ri != rj {
		// Attach the higher root under the lower so group ordering
		// follows first appearance in the input.
		if ri < rj {
			uf.parent[rj] = ri
		} else {
			uf.parent[ri] = rj
		}
	}
}
