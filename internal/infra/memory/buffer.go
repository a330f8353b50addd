// Package memory provides the in-process conversation memory collaborator.
package memory

import (
	"sync"

	"agentd/internal/domain"
)

// Buffer is an ordered, thread-safe turn store. It outlives the run that
// fills it, so partial progress remains readable after a failure.
type Buffer struct {
	mu    sync.RWMutex
	turns []domain.Turn
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append records one turn in order.
func (b *Buffer) Append(turn domain.Turn) error {
	b.mu.Lock()
	b.turns = append(b.turns, turn)
	b.mu.Unlock()
	return nil
}

// Read returns the ordered turns recorded so far.
func (b *Buffer) Read() ([]domain.Turn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Turn, len(b.turns))
	copy(out, b.turns)
	return out, nil
}

var _ domain.ChatMemory = (*Buffer)(nil)
