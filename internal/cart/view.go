package cart

import (
	"github.com/shopspring/decimal"

	"shopflow/internal/catalog"
)

var (
	// FreeShippingThreshold is the subtotal that must be exceeded for free shipping.
	FreeShippingThreshold = decimal.NewFromInt(50)
	// FlatShipping is charged when the subtotal does not exceed the threshold.
	FlatShipping = decimal.RequireFromString("5.99")
)

// FreeShippingLabel is displayed in place of a zero shipping amount.
const FreeShippingLabel = "FREE"

// Shipping returns the shipping charge for a subtotal. A subtotal of exactly 50.00
// still pays shipping.
func Shipping(subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.GreaterThan(FreeShippingThreshold) {
		return decimal.Zero
	}
	return FlatShipping
}

// Row is one rendered cart line.
type Row struct {
	ID        int             `json:"id"`
	Title     string          `json:"title"`
	Image     string          `json:"image"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"lineTotal"`

	PriceLabel     string `json:"priceLabel"`
	LineTotalLabel string `json:"lineTotalLabel"`
}

// Summary holds the cart totals and their display strings.
type Summary struct {
	Subtotal     decimal.Decimal `json:"subtotal"`
	Shipping     decimal.Decimal `json:"shipping"`
	Total        decimal.Decimal `json:"total"`
	FreeShipping bool            `json:"freeShipping"`

	SubtotalLabel string `json:"subtotalLabel"`
	ShippingLabel string `json:"shippingLabel"`
	TotalLabel    string `json:"totalLabel"`
}

// View is the cart page's display model. Count feeds the header badge, which is
// hidden when it is zero.
type View struct {
	Empty   bool    `json:"empty"`
	Rows    []Row   `json:"rows"`
	Count   int     `json:"count"`
	Summary Summary `json:"summary"`
}

// Summarize computes subtotal, shipping and total for items.
func Summarize(items []Item) Summary {
	subtotal := Total(items)
	shipping := Shipping(subtotal)
	total := subtotal.Add(shipping)

	s := Summary{
		Subtotal:      subtotal,
		Shipping:      shipping,
		Total:         total,
		FreeShipping:  shipping.IsZero(),
		SubtotalLabel: catalog.FormatCurrency(subtotal),
		ShippingLabel: catalog.FormatCurrency(shipping),
		TotalLabel:    catalog.FormatCurrency(total),
	}
	if s.FreeShipping {
		s.ShippingLabel = FreeShippingLabel
	}
	return s
}

// Render maps cart lines to the cart page view.
func Render(items []Item) View {
	rows := make([]Row, 0, len(items))
	for _, it := range items {
		line := it.LineTotal()
		rows = append(rows, Row{
			ID:             it.ID,
			Title:          it.Title,
			Image:          it.Image,
			Price:          it.Price,
			Quantity:       it.Quantity,
			LineTotal:      line,
			PriceLabel:     catalog.FormatCurrency(it.Price),
			LineTotalLabel: catalog.FormatCurrency(line),
		})
	}
	return View{
		Empty:   len(items) == 0,
		Rows:    rows,
		Count:   Count(items),
		Summary: Summarize(items),
	}
}

// View renders the store's current contents.
func (s *Store) View() View {
	return Render(s.Items())
}
