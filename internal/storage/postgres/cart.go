package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
)

const (
	getCartSQL = `SELECT id, user_id, items, applied_coupon, version, updated_at
		FROM carts WHERE user_id = $1`

	insertCartSQL = `INSERT INTO carts (id, user_id, items, applied_coupon, version, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (user_id) DO NOTHING`

	updateCartSQL = `UPDATE carts SET items = $3, applied_coupon = $4, version = version + 1, updated_at = $5
		WHERE user_id = $1 AND version = $2`

	clearCartSQL = `UPDATE carts SET items = '[]', applied_coupon = NULL, version = version + 1, updated_at = now()
		WHERE id = $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository stores one cart per user with optimistic versioning.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// appliedCouponDoc is the JSONB shape of cart.AppliedCoupon.
type appliedCouponDoc struct {
	Code        string           `json:"code"`
	Type        string           `json:"type"`
	Value       decimal.Decimal  `json:"value"`
	MaxDiscount *decimal.Decimal `json:"max_discount,omitempty"`
	AppliedAt   time.Time        `json:"applied_at"`
}

// Get returns the user's cart or cart.ErrNotFound.
func (r *CartRepository) Get(ctx context.Context, userID string) (*cart.Cart, error) {
	var (
		c         cart.Cart
		items     []byte
		couponDoc []byte
	)
	err := r.pool.QueryRow(ctx, getCartSQL, userID).Scan(&c.ID, &c.UserID, &items, &couponDoc, &c.Version, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart of %q: %w", userID, err)
	}

	if err := json.Unmarshal(items, &c.Items); err != nil {
		return nil, fmt.Errorf("decoding cart items: %w", err)
	}
	if len(couponDoc) > 0 {
		var doc appliedCouponDoc
		if err := json.Unmarshal(couponDoc, &doc); err != nil {
			return nil, fmt.Errorf("decoding applied coupon: %w", err)
		}
		c.Coupon = &cart.AppliedCoupon{
			Code: doc.Code,
			Offer: coupon.Offer{
				Type:        coupon.DiscountType(doc.Type),
				Value:       doc.Value,
				MaxDiscount: doc.MaxDiscount,
			},
			AppliedAt: doc.AppliedAt,
		}
	}
	return &c, nil
}

// Save writes the cart if nobody else did since it was read. A cart with
// Version 0 is inserted. On success c.Version is bumped; a lost race returns
// cart.ErrConflict.
func (r *CartRepository) Save(ctx context.Context, c *cart.Cart) error {
	items := c.Items
	if items == nil {
		items = []cart.LineItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshaling cart items: %w", err)
	}
	var couponJSON []byte
	if ac := c.Coupon; ac != nil {
		couponJSON, err = json.Marshal(appliedCouponDoc{
			Code:        ac.Code,
			Type:        string(ac.Offer.Type),
			Value:       ac.Offer.Value,
			MaxDiscount: ac.Offer.MaxDiscount,
			AppliedAt:   ac.AppliedAt,
		})
		if err != nil {
			return fmt.Errorf("marshaling applied coupon: %w", err)
		}
	}

	now := time.Now()
	var sql string
	var args []any
	if c.Version == 0 {
		sql, args = insertCartSQL, []any{c.ID, c.UserID, itemsJSON, couponJSON, now}
	} else {
		sql, args = updateCartSQL, []any{c.UserID, c.Version, itemsJSON, couponJSON, now}
	}
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("saving cart of %q: %w", c.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrConflict
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

// clearCart empties a cart by id and reports whether it existed.
func clearCart(ctx context.Context, q dbtx, cartID string) (bool, error) {
	tag, err := q.Exec(ctx, clearCartSQL, cartID)
	if err != nil {
		return false, fmt.Errorf("clearing cart %q: %w", cartID, err)
	}
	return tag.RowsAffected() > 0, nil
}
