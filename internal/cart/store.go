package cart

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"shopflow/internal/catalog"
	"shopflow/internal/storage"
	"shopflow/internal/telemetry"
)

// Store owns one browsing context's cart. Every mutation is written through to the
// key-value store before it returns; changes written by other contexts arrive through
// ApplyExternal.
type Store struct {
	mu      sync.Mutex
	kv      storage.Store
	catalog *catalog.Catalog
	key     string
	id      string
	items   []Item

	logger    *zap.Logger
	indicator func(count int)
	feedback  func(Item)

	listenerMu sync.Mutex
	listeners  map[int]func([]Item)
	nextID     int
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCountIndicator registers the item-count badge refresh. It runs after every
// mutation and external change with the total quantity in the cart.
func WithCountIndicator(fn func(count int)) Option {
	return func(s *Store) { s.indicator = fn }
}

// WithAddFeedback registers the transient acknowledgment shown after an add.
func WithAddFeedback(fn func(Item)) Option {
	return func(s *Store) { s.feedback = fn }
}

// New loads the cart persisted in kv. A missing or malformed value yields an empty
// cart; a failed read is returned so the persisted cart is never overwritten.
func New(ctx context.Context, kv storage.Store, cat *catalog.Catalog, opts ...Option) (*Store, error) {
	s := &Store{
		kv:        kv,
		catalog:   cat,
		key:       DefaultKey,
		id:        uuid.NewString(),
		logger:    zap.NewNop(),
		listeners: make(map[int]func([]Item)),
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, ok, err := kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if ok {
		s.items = s.decode(raw)
	}
	return s, nil
}

func (s *Store) decode(raw string) []Item {
	items, err := Decode(raw)
	if err != nil {
		s.logger.Warn("malformed persisted cart, treating as empty", zap.String("key", s.key), zap.Error(err))
		return nil
	}
	return items
}

// ID is the source id attached to this store's writes.
func (s *Store) ID() string { return s.id }

// Key is the storage key the cart is persisted under.
func (s *Store) Key() string { return s.key }

// Add puts one unit of the product in the cart. An unknown id leaves the cart
// untouched and returns catalog.ErrProductNotFound.
func (s *Store) Add(ctx context.Context, productID int) error {
	product, err := s.catalog.Lookup(productID)
	if err != nil {
		return err
	}

	var added Item
	err = s.mutate(ctx, "add", func() {
		if i := s.indexOf(productID); i >= 0 {
			s.items[i].Quantity++
			added = s.items[i]
			return
		}
		added = Item{Product: product, Quantity: 1}
		s.items = append(s.items, added)
	})
	if err == nil && s.feedback != nil {
		s.feedback(added)
	}
	return err
}

// Remove drops the product's line, if present.
func (s *Store) Remove(ctx context.Context, productID int) error {
	return s.mutate(ctx, "remove", func() {
		if i := s.indexOf(productID); i >= 0 {
			s.items = append(s.items[:i], s.items[i+1:]...)
		}
	})
}

// UpdateQuantity adds delta to the product's quantity and removes the line when the
// result is zero or less. Products not in the cart are ignored.
func (s *Store) UpdateQuantity(ctx context.Context, productID, delta int) error {
	s.mu.Lock()
	present := s.indexOf(productID) >= 0
	s.mu.Unlock()
	if !present {
		return nil
	}
	return s.mutate(ctx, "update", func() {
		i := s.indexOf(productID)
		if i < 0 {
			return
		}
		if q := s.items[i].Quantity + delta; q > 0 {
			s.items[i].Quantity = q
		} else {
			s.items = append(s.items[:i], s.items[i+1:]...)
		}
	})
}

// Clear empties the cart.
func (s *Store) Clear(ctx context.Context) error {
	return s.mutate(ctx, "clear", func() { s.items = nil })
}

// mutate applies change and persists the result. When the write fails the cart is
// restored to what it was, so memory never runs ahead of storage.
func (s *Store) mutate(ctx context.Context, op string, change func()) error {
	s.mu.Lock()
	prev := s.snapshotLocked()
	change()
	err := s.persistLocked(ctx)
	if err != nil {
		s.items = prev
	}
	count := Count(s.items)
	s.mu.Unlock()

	if err == nil {
		telemetry.RecordCartMutation(ctx, op)
	}
	s.refresh(count)
	return err
}

// Total is the sum of price × quantity over the cart.
func (s *Store) Total() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Total(s.items)
}

// Items returns a snapshot of the cart lines in insertion order.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Count is the total quantity across lines.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Count(s.items)
}

// Len is the number of distinct lines.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Quantity returns the quantity held for a product and whether it is in the cart.
func (s *Store) Quantity(productID int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(productID); i >= 0 {
		return s.items[i].Quantity, true
	}
	return 0, false
}

// OnExternalChange registers handler to run after a change written by another
// context replaced the cart. The returned function unregisters it.
func (s *Store) OnExternalChange(handler func(items []Item)) (unsubscribe func()) {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = handler
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

// ApplyExternal replaces the cart with a value another context persisted. present is
// false when the key was removed; malformed values also produce an empty cart.
func (s *Store) ApplyExternal(value string, present bool) {
	var items []Item
	if present {
		items = s.decode(value)
	}

	s.mu.Lock()
	s.items = items
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.refresh(Count(snapshot))

	s.listenerMu.Lock()
	handlers := make([]func([]Item), 0, len(s.listeners))
	for _, h := range s.listeners {
		handlers = append(handlers, h)
	}
	s.listenerMu.Unlock()
	for _, h := range handlers {
		h(snapshot)
	}
}

// Watch feeds storage events for the cart key into ApplyExternal until events is
// closed or ctx is done. The store's own writes are skipped.
func (s *Store) Watch(ctx context.Context, events <-chan storage.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Key != s.key || ev.Source == s.id {
				continue
			}
			s.ApplyExternal(ev.Value, !ev.Deleted)
		}
	}
}

func (s *Store) indexOf(productID int) int {
	for i := range s.items {
		if s.items[i].ID == productID {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) persistLocked(ctx context.Context) error {
	raw, err := Encode(s.items)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	if err := s.kv.Set(storage.WithSource(ctx, s.id), s.key, raw); err != nil {
		s.logger.Warn("failed to persist cart", zap.String("key", s.key), zap.Error(err))
		return fmt.Errorf("persist cart: %w", err)
	}
	return nil
}

func (s *Store) refresh(count int) {
	if s.indicator != nil {
		s.indicator(count)
	}
}
