package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// hub fans events out to subscribers without ever blocking the publisher.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
	buffer int
	logger *zap.Logger
}

func newHub(buffer int, logger *zap.Logger) *hub {
	return &hub{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

func (h *hub) subscribe(ctx context.Context) (<-chan Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	id := h.next
	h.next++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}()
	return ch, nil
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("dropping storage event for slow subscriber", zap.String("key", ev.Key))
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
