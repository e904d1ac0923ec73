package storage

import (
	"context"
	"sync"
)

// Memory is an in-process store. Every subscriber in the process sees every write.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	hub    *hub
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		data: make(map[string]string),
		hub:  newHub(o.bufferSize, o.logger),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	// published under the lock so subscribers observe writes in store order
	m.hub.publish(Event{Key: key, Value: value, Source: SourceFrom(ctx)})
	return nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	_, existed := m.data[key]
	delete(m.data, key)
	if existed {
		m.hub.publish(Event{Key: key, Deleted: true, Source: SourceFrom(ctx)})
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan Event, error) {
	return m.hub.subscribe(ctx)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.hub.close()
	return nil
}
