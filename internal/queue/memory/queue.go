// Package memory contains an in-memory queue for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message captures one publish call.
type Message struct {
	ItemID string
	Attrs  map[string]string
}

// Queue records published messages for inspection.
type Queue struct {
	mu       sync.RWMutex
	messages []Message
	failWith error
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// FailWith makes subsequent publishes return err. Pass nil to recover.
func (q *Queue) FailWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failWith = err
}

// Publish records the message and returns a pseudo ID.
func (q *Queue) Publish(_ context.Context, itemID string, attrs map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return "", q.failWith
	}
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	q.messages = append(q.messages, Message{ItemID: itemID, Attrs: copied})
	return fmt.Sprintf("memory-%d", len(q.messages)), nil
}

// Messages returns the recorded publishes.
func (q *Queue) Messages() []Message {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Message, len(q.messages))
	copy(out, q.messages)
	return out
}
