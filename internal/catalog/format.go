package catalog

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatCurrency renders an amount as US dollars, e.g. "$1,234.56".
func FormatCurrency(amount decimal.Decimal) string {
	s := amount.StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// Card is the product grid's display record.
type Card struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Image       string `json:"image"`
}

// Cards maps the catalog to display records in catalog order.
func (c *Catalog) Cards() []Card {
	cards := make([]Card, 0, len(c.products))
	for _, p := range c.products {
		cards = append(cards, Card{
			ID:          p.ID,
			Title:       p.Title,
			Description: p.Description,
			Price:       FormatCurrency(p.Price),
			Image:       p.Image,
		})
	}
	return cards
}
