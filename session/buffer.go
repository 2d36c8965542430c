package session

import "sync"

// OutputBuffer is an ordered, unbounded queue of output lines.
// It is safe for concurrent use by one producer and one consumer.
type OutputBuffer struct {
	mut   sync.Mutex
	lines []string
}

// Append adds a line to the end of the buffer.
func (b *OutputBuffer) Append(line string) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.lines = append(b.lines, line)
}

// Drain removes and returns every buffered line, oldest first.
// A line is returned by at most one Drain.
func (b *OutputBuffer) Drain() []string {
	b.mut.Lock()
	defer b.mut.Unlock()
	lines := b.lines
	b.lines = nil
	return lines
}

// Len returns the number of buffered lines.
func (b *OutputBuffer) Len() int {
	b.mut.Lock()
	defer b.mut.Unlock()
	return len(b.lines)
}
