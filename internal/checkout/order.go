package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"shopflow/internal/cart"
	"shopflow/internal/storage"
)

// DefaultOrdersKey is the storage key of the persisted order list.
const DefaultOrdersKey = "shopflow-orders"

// isoMillis matches the millisecond ISO-8601 form used for order timestamps.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Order is written once at checkout and never modified.
type Order struct {
	Customer    map[string]string `json:"customer"`
	Items       []cart.Item       `json:"items"`
	Total       decimal.Decimal   `json:"total"`
	OrderNumber string            `json:"orderNumber"`
	Timestamp   string            `json:"timestamp"`
}

// NewOrderNumber derives an order number from the clock: "SF" followed by the
// upper-cased base-36 Unix millisecond time.
func NewOrderNumber(now time.Time) string {
	return "SF" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// OrderLog is the persisted, append-only list of orders.
type OrderLog struct {
	mu     sync.Mutex
	kv     storage.Store
	key    string
	logger *zap.Logger
}

// NewOrderLog stores orders in kv under DefaultOrdersKey.
func NewOrderLog(kv storage.Store, logger *zap.Logger) *OrderLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderLog{kv: kv, key: DefaultOrdersKey, logger: logger}
}

// List returns every persisted order, oldest first. An absent or unparseable list
// is empty.
func (l *OrderLog) List(ctx context.Context) ([]Order, error) {
	raw, ok, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var orders []Order
	if err := json.Unmarshal([]byte(raw), &orders); err != nil {
		l.logger.Warn("malformed order list, treating as empty", zap.String("key", l.key), zap.Error(err))
		return nil, nil
	}
	return orders, nil
}

// Append reads the list, adds order and writes the list back.
func (l *OrderLog) Append(ctx context.Context, order Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	orders, err := l.List(ctx)
	if err != nil {
		return err
	}
	orders = append(orders, order)
	data, err := json.Marshal(orders)
	if err != nil {
		return fmt.Errorf("encode orders: %w", err)
	}
	if err := l.kv.Set(ctx, l.key, string(data)); err != nil {
		return fmt.Errorf("write orders: %w", err)
	}
	return nil
}
