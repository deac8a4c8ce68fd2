// Package buffer holds the fixed-capacity line store backing each session.
package buffer

import (
	"sync"

	"github.com/hpungsan/termctx/internal/errors"
)

// Line is one captured line of terminal output.
type Line struct {
	// Seq is the 1-based position of the line in its session's ingestion order
	Seq uint64

	// Text is the line content without its terminator
	Text string
}

// Snapshot is an immutable point-in-time copy of a buffer.
type Snapshot struct {
	Lines   []Line
	Version uint64
}

// Len returns the number of lines in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Lines)
}

// Texts returns the line texts in order.
func (s Snapshot) Texts() []string {
	out := make([]string, len(s.Lines))
	for i, l := range s.Lines {
		out[i] = l.Text
	}
	return out
}

// Buffer is a ring of the most recent lines. Appends are serialized under a
// mutex so all readers observe one total order.
type Buffer struct {
	mu      sync.RWMutex
	lines   []Line // ring storage, len == capacity once full
	head    int    // index of the oldest line
	size    int
	version uint64
	nextSeq uint64
}

// New creates a buffer holding at most capacity lines.
func New(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, errors.NewCapacity(capacity)
	}
	return &Buffer{
		lines:   make([]Line, capacity),
		nextSeq: 1,
	}, nil
}

// Append stores text as the newest line, evicting the oldest line first when
// the buffer is full. Every call advances the version by exactly one.
func (b *Buffer) Append(text string) Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := Line{Seq: b.nextSeq, Text: text}
	b.nextSeq++

	capacity := len(b.lines)
	if b.size == capacity {
		// Overwrite the oldest slot and advance head
		b.lines[b.head] = line
		b.head = (b.head + 1) % capacity
	} else {
		b.lines[(b.head+b.size)%capacity] = line
		b.size++
	}
	b.version++
	return line
}

// Snapshot returns a copy of the current lines, oldest first, with the
// version they belong to.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	capacity := len(b.lines)
	out := make([]Line, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(b.head+i)%capacity]
	}
	return Snapshot{Lines: out, Version: b.version}
}

// Version returns the current mutation count.
func (b *Buffer) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// Len returns the number of lines currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.lines)
}
