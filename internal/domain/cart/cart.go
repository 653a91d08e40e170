package cart

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
)

var (
	// ErrNotFound is returned by Repository.Get for a user without a cart.
	ErrNotFound = errors.New("cart not found")
	// ErrEmpty is returned by operations that need at least one line item.
	ErrEmpty = errors.New("cart is empty")
	// ErrLineNotFound is returned when a line id does not exist in the cart.
	ErrLineNotFound = errors.New("cart item not found")
	// ErrConflict is returned by Repository.Save when the stored version moved.
	ErrConflict = errors.New("cart was modified concurrently")
	// ErrProductRequired is returned when a line names no product.
	ErrProductRequired = errors.New("product id is required")
)

// InvalidQuantityError indicates a non-positive line quantity.
type InvalidQuantityError struct {
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be at least 1, got %d", e.Quantity)
}

// InvalidVariantError indicates a size or color the product does not offer.
type InvalidVariantError struct {
	Field string
	Value string
}

func (e *InvalidVariantError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s is required for this product", e.Field)
	}
	return fmt.Sprintf("invalid %s %q for this product", e.Field, e.Value)
}

// LineKey identifies a line: one product in one size and color.
type LineKey struct {
	ProductID string
	Size      string
	Color     string
}

// LineItem is one product variant in a cart. Price is the snapshot taken
// when the line was last added or synced, not a live price.
type LineItem struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Image     string          `json:"image,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
}

// Key returns the line's composite key.
func (l *LineItem) Key() LineKey {
	return LineKey{ProductID: l.ProductID, Size: l.Size, Color: l.Color}
}

// AppliedCoupon is a copy of the coupon terms taken when the coupon was
// applied. Pricing reads this copy, never the live coupon.
type AppliedCoupon struct {
	Code      string
	Offer     coupon.Offer
	AppliedAt time.Time
}

// Cart is a user's server-side cart. Version increases on every save.
type Cart struct {
	ID        string
	UserID    string
	Items     []LineItem
	Coupon    *AppliedCoupon
	Version   int64
	UpdatedAt time.Time
}

// Merge folds item into the cart. A line with the same key absorbs the
// quantity and takes item's price, name and image; otherwise item is
// appended as a new line. It returns the resulting line.
func (c *Cart) Merge(item LineItem) *LineItem {
	key := item.Key()
	for i := range c.Items {
		if c.Items[i].Key() != key {
			continue
		}
		l := &c.Items[i]
		l.Quantity += item.Quantity
		l.Price = item.Price
		l.Name = item.Name
		l.Image = item.Image
		return l
	}
	c.Items = append(c.Items, item)
	return &c.Items[len(c.Items)-1]
}

// Line returns the line with the given id.
func (c *Cart) Line(id string) (*LineItem, error) {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return &c.Items[i], nil
		}
	}
	return nil, ErrLineNotFound
}

// Remove deletes the line with the given id.
func (c *Cart) Remove(id string) error {
	i := slices.IndexFunc(c.Items, func(l LineItem) bool { return l.ID == id })
	if i < 0 {
		return ErrLineNotFound
	}
	c.Items = slices.Delete(c.Items, i, i+1)
	return nil
}

// QuantityOf sums the quantity of productID across all its variants,
// skipping the line with id except (pass "" to count every line).
func (c *Cart) QuantityOf(productID, except string) int {
	n := 0
	for _, l := range c.Items {
		if l.ProductID == productID && l.ID != except {
			n += l.Quantity
		}
	}
	return n
}

// Clear empties the cart and drops the applied coupon.
func (c *Cart) Clear() {
	c.Items = nil
	c.Coupon = nil
}

// ProductIDs returns the distinct product ids in the cart.
func (c *Cart) ProductIDs() []string {
	ids := make([]string, 0, len(c.Items))
	for _, l := range c.Items {
		if !slices.Contains(ids, l.ProductID) {
			ids = append(ids, l.ProductID)
		}
	}
	return ids
}

// Repository persists carts with optimistic concurrency.
type Repository interface {
	// Get returns the user's cart or ErrNotFound.
	Get(ctx context.Context, userID string) (*Cart, error)
	// Save writes c if the stored version still equals c.Version (a zero
	// version inserts) and bumps c.Version. A stale version yields ErrConflict.
	Save(ctx context.Context, c *Cart) error
}
