// Package memory contains an in-memory publisher for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher records published payloads for later inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// Message captures one publish call.
type Message struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
