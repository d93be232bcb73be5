// Package tailbuf provides a bounded ring buffer of text lines. The worker
// executor attaches one to each child's stderr so the failure tail survives
// without holding the full output stream in memory.
package tailbuf

import (
	"strings"
	"sync"
)

// Buf is a ring buffer of complete lines. It implements io.Writer and is
// safe for concurrent use.
type Buf struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial strings.Builder
}

// New creates a Buf retaining at most max lines.
func New(max int) *Buf {
	if max < 1 {
		max = 1
	}
	return &Buf{max: max}
}

// Write implements io.Writer. Incomplete trailing data is held back until
// the closing newline arrives, so lines are never split across writes.
func (b *Buf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	s := b.partial.String()
	parts := strings.Split(s, "\n")
	b.partial.Reset()
	b.partial.WriteString(parts[len(parts)-1]) // carry the partial line

	for _, line := range parts[:len(parts)-1] {
		b.lines = append(b.lines, line)
		if len(b.lines) > b.max {
			b.lines = b.lines[len(b.lines)-b.max:]
		}
	}
	return len(p), nil
}

// Tail returns the last n retained lines joined by newlines. Any pending
// partial line is included so short outputs without a trailing newline are
// not lost.
func (b *Buf) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := b.lines
	if b.partial.Len() > 0 {
		lines = append(append([]string{}, lines...), b.partial.String())
	}
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// String returns everything currently retained.
func (b *Buf) String() string {
	return b.Tail(b.max + 1)
}
