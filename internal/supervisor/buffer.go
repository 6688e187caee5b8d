package supervisor

import "sync"

// outputBuffer is a bounded, thread-safe rolling line buffer. It carries
// its own lock, independent of the supervisor's, so a detection-pass read
// never blocks a concurrent reader-goroutine write.
type outputBuffer struct {
	mu       sync.Mutex
	lines    []string
	capacity int
	total    int
}

func newOutputBuffer(capacity int) *outputBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferLines
	}
	return &outputBuffer{capacity: capacity}
}

// Append adds one line, evicting the oldest when full.
func (b *outputBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	b.total++
	if len(b.lines) > b.capacity {
		b.lines = b.lines[len(b.lines)-b.capacity:]
	}
}

// Recent returns up to n newest lines in arrival order.
func (b *outputBuffer) Recent(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// All returns every buffered line in arrival order.
func (b *outputBuffer) All() []string {
	return b.Recent(0)
}

// Clear drops all buffered lines.
func (b *outputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
}

// TotalSeen reports how many lines have ever been appended.
func (b *outputBuffer) TotalSeen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
