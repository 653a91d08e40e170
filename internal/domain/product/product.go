package product

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// UnavailableError indicates a product exists but is no longer for sale.
type UnavailableError struct {
	ProductID string
	Name      string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("product %q is no longer available", e.Name)
}

// Product is the storefront's read model of a catalog item. The catalog
// itself is owned elsewhere; this service only reads it and decrements stock.
type Product struct {
	ID              string
	Name            string
	Description     string
	Image           string
	Price           decimal.Decimal
	DiscountedPrice *decimal.Decimal
	Stock           int
	Active          bool
	Sizes           []string
	Colors          []string

	NegotiationEnabled bool
	HiddenBottomPrice  decimal.Decimal
}

// EffectivePrice is the price a shopper pays: the discounted price when one
// is set and positive, the list price otherwise.
func (p *Product) EffectivePrice() decimal.Decimal {
	if p.DiscountedPrice != nil && p.DiscountedPrice.IsPositive() {
		return *p.DiscountedPrice
	}
	return p.Price
}

// AcceptsSize reports whether size is a valid selector for p. Products without
// a size dimension accept only the empty selector.
func (p *Product) AcceptsSize(size string) bool {
	return acceptsVariant(p.Sizes, size)
}

// AcceptsColor is the color counterpart of AcceptsSize.
func (p *Product) AcceptsColor(color string) bool {
	return acceptsVariant(p.Colors, color)
}

func acceptsVariant(options []string, v string) bool {
	if len(options) == 0 {
		return v == ""
	}
	return slices.Contains(options, v)
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}

// Index maps a batch lookup result by product ID.
func Index(products []Product) map[string]*Product {
	m := make(map[string]*Product, len(products))
	for i := range products {
		m[products[i].ID] = &products[i]
	}
	return m
}
