package queue

import (
	"context"
	"sync"

	"github.com/netintent/netintent/pkg/orchestrator"
)

// Memory is an in-process notifier for a single-binary deployment.
// Each subscriber holds at most one pending hint; further hints coalesce into it.
type Memory struct {
	mu          sync.Mutex
	subscribers map[chan orchestrator.DispatchSignal]struct{}
}

// NewMemory creates an in-process notifier.
func NewMemory() *Memory {
	return &Memory{subscribers: make(map[chan orchestrator.DispatchSignal]struct{})}
}

// Notify hands sig to every subscriber without blocking.
func (m *Memory) Notify(_ context.Context, sig orchestrator.DispatchSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subscribers {
		select {
		case ch <- sig:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of hints that is closed when ctx ends.
func (m *Memory) Subscribe(ctx context.Context) (<-chan orchestrator.DispatchSignal, error) {
	ch := make(chan orchestrator.DispatchSignal, 1)

	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subscribers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}
