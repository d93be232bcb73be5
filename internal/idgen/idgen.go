// Package idgen generates short time-sortable identifiers. The dispatcher
// uses them to name per-task work directories, so concurrent workers never
// collide on state files and directory listings sort in creation order.
package idgen

import (
	"strconv"
	"sync"
	"time"
)

// epochMs is the custom epoch (2024-01-01T00:00:00Z) in milliseconds.
const epochMs int64 = 1704067200000

// nowMs returns milliseconds since epochMs. Variable so tests can override.
var nowMs = func() int64 {
	return time.Now().UnixMilli() - epochMs
}

var (
	mu         sync.Mutex
	lastMs     int64 = -1
	seqCounter int64
)

// New returns a time-sortable ID: prefix + "-" + 8-char base36 time +
// 3-char base36 per-millisecond counter. Base36 digits are 0-9a-z, so
// lexicographic order of the suffix equals temporal order. Two calls in
// the same millisecond differ in the counter component.
func New(prefix string) string {
	mu.Lock()
	ms := nowMs()
	if ms < 0 {
		ms = 0 // clock behind the epoch; keep the alphabet invariant
	}
	if ms == lastMs {
		seqCounter++
	} else {
		lastMs = ms
		seqCounter = 0
	}
	seq := seqCounter % 46656 // 36^3
	mu.Unlock()

	return prefix + "-" + pad(strconv.FormatInt(ms, 36), 8) + pad(strconv.FormatInt(seq, 36), 3)
}

func pad(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}
