package checkout

import (
	"github.com/shopspring/decimal"

	"shopflow/internal/cart"
	"shopflow/internal/catalog"
)

// TaxRate is the flat sales tax applied to the subtotal.
var TaxRate = decimal.RequireFromString("0.08")

// Totals is the priced breakdown of an order. Tax and Total are rounded to cents.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// ComputeTotals applies the cart's shipping rule and the flat tax to subtotal.
func ComputeTotals(subtotal decimal.Decimal) Totals {
	shipping := cart.Shipping(subtotal)
	tax := subtotal.Mul(TaxRate).Round(2)
	return Totals{
		Subtotal: subtotal,
		Shipping: shipping,
		Tax:      tax,
		Total:    subtotal.Add(shipping).Add(tax).Round(2),
	}
}

// FreeShipping reports whether shipping was waived.
func (t Totals) FreeShipping() bool { return t.Shipping.IsZero() }

// ShippingLabel is "FREE" when shipping is waived, otherwise the amount.
func (t Totals) ShippingLabel() string {
	if t.FreeShipping() {
		return cart.FreeShippingLabel
	}
	return catalog.FormatCurrency(t.Shipping)
}
