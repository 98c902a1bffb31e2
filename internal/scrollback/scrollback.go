// Package scrollback keeps a bounded, line-aware history of one session's
// output. It is append-only from the session's output pump; readers ask for
// the last N lines without scanning the whole buffer.
package scrollback

import "sync"

// maxPendingBytes caps the partial-line accumulator. Output that never emits
// a newline (progress bars rewriting one line with \r, binary noise) is
// rotated into a stored line once it grows past this, so the accumulator
// cannot grow without bound.
const maxPendingBytes = 64 * 1024

// Buffer is a fixed-capacity circular buffer of complete output lines.
// Oldest lines are evicted first once capacity is exceeded.
type Buffer struct {
	mu       sync.RWMutex
	lines    []string
	capacity int
	pos      int // next write position
	full     bool
	pending  []byte // bytes since the last newline
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{lines: make([]string, capacity), capacity: capacity}
}

// Append adds raw output bytes. Line boundaries are tracked as data arrives;
// a multi-byte sequence split across two Appends is reassembled because
// bytes accumulate until a newline completes the line. Trailing \r before
// \n is stripped, matching what a terminal renders as one line.
func (b *Buffer) Append(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range data {
		if c == '\n' {
			b.pushLocked(string(trimCR(b.pending)))
			b.pending = b.pending[:0]
			continue
		}
		b.pending = append(b.pending, c)
		if len(b.pending) >= maxPendingBytes {
			b.pushLocked(string(b.pending))
			b.pending = b.pending[:0]
		}
	}
}

func (b *Buffer) pushLocked(line string) {
	b.lines[b.pos] = line
	b.pos = (b.pos + 1) % b.capacity
	if b.pos == 0 {
		b.full = true
	}
}

// Tail returns the last n complete lines, oldest first, or fewer if the
// buffer holds less. A session that has produced no output yields an empty
// slice, not an error. If there is a non-empty partial line in flight it is
// included as the final entry so that a prompt awaiting input is visible to
// capture, the way a terminal would show it.
func (b *Buffer) Tail(n int) []string {
	if n <= 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	partial := ""
	hasPartial := len(trimCR(b.pending)) > 0
	if hasPartial {
		partial = string(trimCR(b.pending))
	}

	stored := b.pos
	if b.full {
		stored = b.capacity
	}

	want := n
	if hasPartial {
		want--
	}
	if want > stored {
		want = stored
	}

	out := make([]string, 0, want+1)
	// Walk back want entries from the write cursor, then read forward.
	start := b.pos - want
	if start < 0 {
		start += b.capacity
	}
	for i := 0; i < want; i++ {
		out = append(out, b.lines[(start+i)%b.capacity])
	}
	if hasPartial {
		out = append(out, partial)
	}
	return out
}

// Len reports the number of complete lines currently stored.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return b.capacity
	}
	return b.pos
}

func trimCR(p []byte) []byte {
	s := p
	for len(s) > 0 && s[len(s)-1] == '\r' {
		s = s[:len(s)-1]
	}
	// Keep only the text after the last carriage return: a terminal renders
	// "AAA\rBBB" as BBB overwriting AAA on one line.
	if i := lastCR(s); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func lastCR(p []byte) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '\r' {
			return i
		}
	}
	return -1
}
