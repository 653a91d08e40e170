package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/inventory"
	"github.com/xenking/storefront/internal/domain/product"
)

const defaultMaxAttempts = 3

// CouponLookup resolves a coupon by code for applying it to a cart.
type CouponLookup interface {
	// Find returns the coupon whatever its active flag, or coupon.ErrNotFound.
	Find(ctx context.Context, code string) (*coupon.Coupon, error)
}

// ItemRequest describes a product variant and quantity to put in the cart.
type ItemRequest struct {
	ProductID string
	Quantity  int
	Size      string
	Color     string
}

// SyncSkip reports a guest-cart line that could not be merged.
type SyncSkip struct {
	ProductID string
	Reason    string
}

// Service implements the cart operations. Every write is a
// read-modify-write against the repository's version check, retried a
// bounded number of times on conflict.
type Service struct {
	carts       Repository
	products    product.Repository
	coupons     CouponLookup
	now         func() time.Time
	maxAttempts int
}

// NewService creates a cart Service.
func NewService(carts Repository, products product.Repository, coupons CouponLookup) *Service {
	return &Service{
		carts:       carts,
		products:    products,
		coupons:     coupons,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
	}
}

// Get returns the user's cart. A user without a stored cart gets an empty
// one; it is persisted on the first write.
func (s *Service) Get(ctx context.Context, userID string) (*Cart, error) {
	c, err := s.carts.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &Cart{ID: uuid.New().String(), UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	return c, nil
}

// AddItem adds a product variant, merging with an existing line of the same
// key. The price snapshot is the product's effective price now.
func (s *Service) AddItem(ctx context.Context, userID string, req ItemRequest) (*Cart, error) {
	if req.Quantity < 1 {
		return nil, &InvalidQuantityError{Quantity: req.Quantity}
	}
	p, err := s.sellable(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if err := ValidateVariant(p, req.Size, req.Color); err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(c *Cart) error {
		want := c.QuantityOf(p.ID, "") + req.Quantity
		if want > p.Stock {
			return &inventory.InsufficientStockError{
				ProductID: p.ID, Name: p.Name, Available: p.Stock, Requested: want,
			}
		}
		c.Merge(newLine(p, req))
		return nil
	})
}

// UpdateItem sets the quantity of an existing line.
func (s *Service) UpdateItem(ctx context.Context, userID, lineID string, quantity int) (*Cart, error) {
	if quantity < 1 {
		return nil, &InvalidQuantityError{Quantity: quantity}
	}

	return s.mutate(ctx, userID, func(c *Cart) error {
		l, err := c.Line(lineID)
		if err != nil {
			return err
		}
		p, err := s.sellable(ctx, l.ProductID)
		if err != nil {
			return err
		}
		want := c.QuantityOf(p.ID, l.ID) + quantity
		if want > p.Stock {
			return &inventory.InsufficientStockError{
				ProductID: p.ID, Name: p.Name, Available: p.Stock, Requested: want,
			}
		}
		l.Quantity = quantity
		return nil
	})
}

// RemoveItem deletes a line.
func (s *Service) RemoveItem(ctx context.Context, userID, lineID string) (*Cart, error) {
	return s.mutate(ctx, userID, func(c *Cart) error {
		return c.Remove(lineID)
	})
}

// ApplyCoupon validates code against the current cart and stores a snapshot
// of its terms on the cart.
func (s *Service) ApplyCoupon(ctx context.Context, userID, code string) (*Cart, error) {
	cp, err := s.coupons.Find(ctx, code)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(c *Cart) error {
		if len(c.Items) == 0 {
			return ErrEmpty
		}
		now := s.now()
		if err := coupon.Evaluate(cp, Price(c).Subtotal, userID, now); err != nil {
			return err
		}
		c.Coupon = &AppliedCoupon{Code: cp.Code, Offer: cp.Offer, AppliedAt: now}
		return nil
	})
}

// RemoveCoupon drops the applied coupon, if any.
func (s *Service) RemoveCoupon(ctx context.Context, userID string) (*Cart, error) {
	return s.mutate(ctx, userID, func(c *Cart) error {
		c.Coupon = nil
		return nil
	})
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context, userID string) (*Cart, error) {
	return s.mutate(ctx, userID, func(c *Cart) error {
		c.Clear()
		return nil
	})
}

// Sync merges a client-held guest cart into the server cart and refreshes
// every line against the catalog: prices are re-snapshotted, lines for
// products that are gone are dropped, quantities are clamped to stock.
// Lines that could not be kept are reported back.
func (s *Service) Sync(ctx context.Context, userID string, items []ItemRequest) (*Cart, []SyncSkip, error) {
	var skipped []SyncSkip

	c, err := s.mutate(ctx, userID, func(c *Cart) error {
		skipped = skipped[:0]

		ids := c.ProductIDs()
		for _, it := range items {
			ids = append(ids, it.ProductID)
		}
		found, err := s.products.GetByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("get products: %w", err)
		}
		catalog := product.Index(found)

		for _, it := range items {
			p, ok := catalog[it.ProductID]
			switch {
			case it.ProductID == "":
				skipped = append(skipped, SyncSkip{Reason: ErrProductRequired.Error()})
				continue
			case it.Quantity < 1:
				skipped = append(skipped, SyncSkip{ProductID: it.ProductID, Reason: (&InvalidQuantityError{Quantity: it.Quantity}).Error()})
				continue
			case !ok:
				skipped = append(skipped, SyncSkip{ProductID: it.ProductID, Reason: product.ErrNotFound.Error()})
				continue
			}
			if err := ValidateVariant(p, it.Size, it.Color); err != nil {
				skipped = append(skipped, SyncSkip{ProductID: it.ProductID, Reason: err.Error()})
				continue
			}
			c.Merge(newLine(p, it))
		}

		kept := c.Items[:0]
		remaining := make(map[string]int, len(catalog))
		for _, p := range catalog {
			remaining[p.ID] = p.Stock
		}
		for _, l := range c.Items {
			p, ok := catalog[l.ProductID]
			if !ok || !p.Active {
				skipped = append(skipped, SyncSkip{ProductID: l.ProductID, Reason: "product is no longer available"})
				continue
			}
			if remaining[p.ID] <= 0 {
				skipped = append(skipped, SyncSkip{ProductID: l.ProductID, Reason: "out of stock"})
				continue
			}
			l.Quantity = min(l.Quantity, remaining[p.ID])
			remaining[p.ID] -= l.Quantity
			l.Price = p.EffectivePrice()
			l.Name = p.Name
			l.Image = p.Image
			kept = append(kept, l)
		}
		c.Items = kept
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, skipped, nil
}

func (s *Service) mutate(ctx context.Context, userID string, fn func(c *Cart) error) (*Cart, error) {
	for attempt := 1; ; attempt++ {
		c, err := s.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		c.UpdatedAt = s.now()

		err = s.carts.Save(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= s.maxAttempts {
			return nil, fmt.Errorf("save cart: %w", err)
		}
	}
}

func (s *Service) sellable(ctx context.Context, productID string) (*product.Product, error) {
	if productID == "" {
		return nil, ErrProductRequired
	}
	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, &product.UnavailableError{ProductID: p.ID, Name: p.Name}
	}
	return p, nil
}

// ValidateVariant checks size and color against the product's options.
func ValidateVariant(p *product.Product, size, color string) error {
	if !p.AcceptsSize(size) {
		return &InvalidVariantError{Field: "size", Value: size}
	}
	if !p.AcceptsColor(color) {
		return &InvalidVariantError{Field: "color", Value: color}
	}
	return nil
}

func newLine(p *product.Product, req ItemRequest) LineItem {
	return LineItem{
		ID:        uuid.New().String(),
		ProductID: p.ID,
		Name:      p.Name,
		Image:     p.Image,
		Price:     p.EffectivePrice(),
		Quantity:  req.Quantity,
		Size:      req.Size,
		Color:     req.Color,
	}
}
