// Package cart implements the shopping cart store and its view model.
package cart

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"shopflow/internal/catalog"
)

// DefaultKey is the storage key the cart is persisted under.
const DefaultKey = "shopflow-cart"

// Item is a cart line: the product as it was when added, plus a quantity of at least 1.
type Item struct {
	catalog.Product
	Quantity int `json:"quantity"`
}

// LineTotal is price × quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Total sums the line totals of items.
func Total(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.LineTotal())
	}
	return sum
}

// Count sums the quantities of items.
func Count(items []Item) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}

// Encode serializes items as a JSON array.
func Encode(items []Item) (string, error) {
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a persisted cart. JSON null decodes to an empty cart. Items that
// break the cart invariants make the whole value invalid.
func Decode(raw string) ([]Item, error) {
	var items []Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	seen := make(map[int]struct{}, len(items))
	for _, it := range items {
		if it.Quantity < 1 {
			return nil, fmt.Errorf("item %d has quantity %d", it.ID, it.Quantity)
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("duplicate item %d", it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return items, nil
}
