// Package storage provides the string key-value stores that cart and order state is
// persisted to, together with change notifications for writes made elsewhere.
package storage

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("storage: store closed")

// Event describes a write to a key. Source identifies the writer when it tagged its
// context with WithSource; it is empty otherwise.
type Event struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Store is a string-valued key-value store shared by every context that opens it.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// Subscribe streams events for every write to the store until ctx is done or the
	// store is closed. Delivery is at-most-once: slow subscribers lose events.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

type sourceKey struct{}

// WithSource tags writes made with ctx as originating from id.
func WithSource(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sourceKey{}, id)
}

// SourceFrom returns the writer id carried by ctx, if any.
func SourceFrom(ctx context.Context) string {
	id, _ := ctx.Value(sourceKey{}).(string)
	return id
}

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	logger     *zap.Logger
	bufferSize int
	prefix     string
}

func defaultOptions() storeOptions {
	return storeOptions{
		logger:     zap.NewNop(),
		bufferSize: 16,
		prefix:     "shopflow",
	}
}

func buildOptions(opts []Option) storeOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used for dropped events and watcher failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *storeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBufferSize sets the per-subscriber event buffer.
func WithBufferSize(n int) Option {
	return func(o *storeOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithPrefix sets the key prefix used by shared network backends (redis, mongo collection name).
func WithPrefix(p string) Option {
	return func(o *storeOptions) {
		if p != "" {
			o.prefix = p
		}
	}
}
