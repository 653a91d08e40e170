package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/inventory"
	"github.com/xenking/storefront/internal/domain/money"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/product"
)

// CartReader loads the user's cart.
type CartReader interface {
	Get(ctx context.Context, userID string) (*cart.Cart, error)
}

// CouponLookup resolves an active coupon by code.
type CouponLookup interface {
	Lookup(ctx context.Context, code string) (*coupon.Coupon, error)
}

// Initiator turns a cart, or a single product, into a hosted checkout
// session. It never mutates local state: stock, coupon usage and the cart
// change only once the provider confirms payment.
type Initiator struct {
	carts    CartReader
	products product.Repository
	stock    inventory.Ledger
	coupons  CouponLookup
	provider payment.Provider
	currency string
	now      func() time.Time
}

// NewInitiator creates an Initiator charging in currency.
func NewInitiator(
	carts CartReader,
	products product.Repository,
	stock inventory.Ledger,
	coupons CouponLookup,
	provider payment.Provider,
	currency string,
) *Initiator {
	return &Initiator{
		carts:    carts,
		products: products,
		stock:    stock,
		coupons:  coupons,
		provider: provider,
		currency: currency,
		now:      time.Now,
	}
}

// FromCart creates a session for everything in the user's cart, with the
// applied coupon re-validated and passed to the provider.
func (i *Initiator) FromCart(ctx context.Context, userID string) (*payment.Session, error) {
	c, err := i.carts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(c.Items) == 0 {
		return nil, cart.ErrEmpty
	}

	found, err := i.products.GetByIDs(ctx, c.ProductIDs())
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	catalog := product.Index(found)

	items := make([]Item, 0, len(c.Items))
	for _, l := range c.Items {
		p, ok := catalog[l.ProductID]
		if !ok {
			return nil, fmt.Errorf("%s: %w", l.Name, product.ErrNotFound)
		}
		if !p.Active {
			return nil, &product.UnavailableError{ProductID: p.ID, Name: p.Name}
		}
		items = append(items, Item{
			ProductID: l.ProductID,
			Name:      l.Name,
			Image:     l.Image,
			Price:     l.Price,
			Quantity:  l.Quantity,
			Size:      l.Size,
			Color:     l.Color,
		})
	}
	if err := i.requireStock(ctx, items); err != nil {
		return nil, err
	}

	payload := &Payload{UserID: userID, CartID: c.ID, Items: items}

	var discount *payment.Discount
	if c.Coupon != nil {
		cp, err := i.coupons.Lookup(ctx, c.Coupon.Code)
		if err != nil {
			return nil, err
		}
		pricing := cart.Price(c)
		if err := coupon.Evaluate(cp, pricing.Subtotal, userID, i.now()); err != nil {
			return nil, err
		}
		discount = sessionDiscount(cp, pricing)
		payload.CouponCode = cp.Code
	}

	return i.create(ctx, payload, discount)
}

// QuickBuy creates a session for a single product bypassing the cart. The
// price is the product's current effective price.
func (i *Initiator) QuickBuy(ctx context.Context, userID string, req cart.ItemRequest) (*payment.Session, error) {
	if req.ProductID == "" {
		return nil, cart.ErrProductRequired
	}
	if req.Quantity < 1 {
		return nil, &cart.InvalidQuantityError{Quantity: req.Quantity}
	}
	p, err := i.products.GetByID(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, &product.UnavailableError{ProductID: p.ID, Name: p.Name}
	}
	if err := cart.ValidateVariant(p, req.Size, req.Color); err != nil {
		return nil, err
	}

	items := []Item{{
		ProductID: p.ID,
		Name:      p.Name,
		Image:     p.Image,
		Price:     p.EffectivePrice(),
		Quantity:  req.Quantity,
		Size:      req.Size,
		Color:     req.Color,
	}}
	if err := i.requireStock(ctx, items); err != nil {
		return nil, err
	}

	return i.create(ctx, &Payload{UserID: userID, Items: items}, nil)
}

func (i *Initiator) requireStock(ctx context.Context, items []Item) error {
	lines := make([]inventory.Line, len(items))
	for n, it := range items {
		lines[n] = inventory.Line{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity}
	}
	return inventory.Require(ctx, i.stock, lines)
}

// sessionDiscount uses the coupon's mirrored promotion code when the provider
// can compute the same discount. Capped or unmirrored coupons are charged the
// discount the cart shows, as a one-off amount.
func sessionDiscount(cp *coupon.Coupon, pricing cart.Pricing) *payment.Discount {
	if cp.ProviderPromotionID != "" && cp.Offer.MaxDiscount == nil {
		return &payment.Discount{PromotionID: cp.ProviderPromotionID, Label: cp.Code}
	}
	amount := money.ToMinor(pricing.Discount)
	if amount <= 0 {
		return nil
	}
	return &payment.Discount{Amount: amount, Label: cp.Code}
}

func (i *Initiator) create(ctx context.Context, payload *Payload, discount *payment.Discount) (*payment.Session, error) {
	md, err := payload.Metadata()
	if err != nil {
		return nil, err
	}

	lines := make([]payment.LineItem, len(payload.Items))
	for n, it := range payload.Items {
		lines[n] = payment.LineItem{
			Name:        it.Name,
			Description: variantLabel(it.Size, it.Color),
			Image:       it.Image,
			UnitAmount:  money.ToMinor(it.Price),
			Quantity:    int64(it.Quantity),
		}
	}

	s, err := i.provider.CreateCheckoutSession(ctx, payment.SessionRequest{
		CustomerRef: payload.UserID,
		Currency:    i.currency,
		Lines:       lines,
		Discount:    discount,
		Metadata:    md,
	})
	if err != nil {
		var perr *payment.ProviderError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &payment.ProviderError{Op: "create checkout session", Err: err}
	}
	return s, nil
}

func variantLabel(size, color string) string {
	var parts []string
	if size != "" {
		parts = append(parts, "Size: "+size)
	}
	if color != "" {
		parts = append(parts, "Color: "+color)
	}
	return strings.Join(parts, ", ")
}
