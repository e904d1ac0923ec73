// Package catalog holds the fixed set of purchasable products.
package catalog

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrProductNotFound is returned when a product id is not part of the catalog.
var ErrProductNotFound = errors.New("product not found")

// Product is immutable once the catalog is built.
type Product struct {
	ID          int             `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Image       string          `json:"image"`
}

// Catalog is a read-only, ordered product list.
type Catalog struct {
	products []Product
	byID     map[int]int
}

// New builds a catalog from products. Ids must be unique and prices non-negative.
func New(products []Product) (*Catalog, error) {
	c := &Catalog{
		products: make([]Product, 0, len(products)),
		byID:     make(map[int]int, len(products)),
	}
	for _, p := range products {
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate product id %d", p.ID)
		}
		if p.Price.IsNegative() {
			return nil, fmt.Errorf("product %d has negative price %s", p.ID, p.Price)
		}
		c.byID[p.ID] = len(c.products)
		c.products = append(c.products, p)
	}
	return c, nil
}

// Lookup finds a product by id.
func (c *Catalog) Lookup(id int) (Product, error) {
	i, ok := c.byID[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, id)
	}
	return c.products[i], nil
}

// All returns the products in catalog order.
func (c *Catalog) All() []Product {
	out := make([]Product, len(c.products))
	copy(out, c.products)
	return out
}

// Len reports the number of products.
func (c *Catalog) Len() int { return len(c.products) }

// Default returns the storefront's product line-up.
func Default() *Catalog {
	c, err := New(defaultProducts())
	if err != nil {
		panic(err)
	}
	return c
}

func defaultProducts() []Product {
	return []Product{
		{
			ID:          1,
			Title:       "Premium Wireless Headphones",
			Description: "High-quality wireless headphones with noise cancellation",
			Price:       decimal.RequireFromString("299.99"),
			Image:       "https://images.pexels.com/photos/3394650/pexels-photo-3394650.jpeg?auto=compress&cs=tinysrgb&w=400",
		},
		{
			ID:          2,
			Title:       "Smart Fitness Watch",
			Description: "Track your fitness goals with this advanced smartwatch",
			Price:       decimal.RequireFromString("199.99"),
			Image:       "https://images.pexels.com/photos/437037/pexels-photo-437037.jpeg?auto=compress&cs=tinysrgb&w=400",
		},
		{
			ID:          3,
			Title:       "Portable Bluetooth Speaker",
			Description: "Crystal clear sound in a compact, portable design",
			Price:       decimal.RequireFromString("89.99"),
			Image:       "https://images.pexels.com/photos/1649771/pexels-photo-1649771.jpeg?auto=compress&cs=tinysrgb&w=400",
		},
		{
			ID:          4,
			Title:       "Professional Camera Lens",
			Description: "Professional grade lens for stunning photography",
			Price:       decimal.RequireFromString("549.99"),
			Image:       "https://images.pexels.com/photos/90946/pexels-photo-90946.jpeg?auto=compress&cs=tinysrgb&w=400",
		},
		{
			ID:          5,
			Title:       "Gaming Mechanical Keyboard",
			Description: "RGB backlit mechanical keyboard for gaming enthusiasts",
			Price:       decimal.RequireFromString("159.99"),
			Image:       "https://images.pexels.com/photos/2115257/pexels-photo-2115257.jpeg?auto=compress&cs=tinysrgb&w=400",
		},
		{
			ID:          6,
			Title:       "Wireless Phone Charger",
			Description: "Fast wireless charging pad for all compatible devices",
			Price:       decimal.RequireFromString("39.99"),
			Image:       "https://images.pexels.com/photos/4492128/pexels-photo-4492128.jpeg?auto=compress&cs=tinysrgb&w=400",
		},
	}
}
