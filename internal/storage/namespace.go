package storage

import (
	"context"
	"strings"
)

// Separator joins a namespace prefix and a key.
const Separator = ":"

// Namespaced scopes a shared store to keys under one prefix, the way a browser scopes
// local storage to an origin. Closing it does not close the underlying store.
type Namespaced struct {
	base   Store
	prefix string
}

// Namespace returns a view of base restricted to keys under prefix.
func Namespace(base Store, prefix string) *Namespaced {
	return &Namespaced{base: base, prefix: prefix + Separator}
}

// SplitKey returns the namespace and inner key of a fully qualified key.
func SplitKey(full string) (namespace, key string, ok bool) {
	return strings.Cut(full, Separator)
}

func (n *Namespaced) key(k string) string { return n.prefix + k }

func (n *Namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.base.Get(ctx, n.key(key))
}

func (n *Namespaced) Set(ctx context.Context, key, value string) error {
	return n.base.Set(ctx, n.key(key), value)
}

func (n *Namespaced) Remove(ctx context.Context, key string) error {
	return n.base.Remove(ctx, n.key(key))
}

// Subscribe streams events for keys in this namespace, with the prefix removed.
func (n *Namespaced) Subscribe(ctx context.Context) (<-chan Event, error) {
	in, err := n.base.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			inner, ok := strings.CutPrefix(ev.Key, n.prefix)
			if !ok {
				continue
			}
			ev.Key = inner
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (n *Namespaced) Close() error { return nil }
