package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
)

const (
	couponColumns = `id, code, discount_type, value, max_discount, min_purchase, expires_at,
		usage_limit, used_count, one_per_user, active, source,
		negotiation_user_id, negotiation_product_id, negotiation_reason,
		provider_coupon_id, provider_promotion_id, created_at`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = UPPER($1)`

	getActiveCouponByCodeSQL = getCouponByCodeSQL + ` AND active`

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons ORDER BY created_at DESC, code`

	listCouponUsagesSQL = `SELECT user_id, session_id, used_at FROM coupon_usages
		WHERE coupon_id = $1 ORDER BY used_at`

	insertCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	upsertCouponSQL = insertCouponSQL + `
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			max_discount = EXCLUDED.max_discount,
			min_purchase = EXCLUDED.min_purchase,
			expires_at = EXCLUDED.expires_at,
			usage_limit = EXCLUDED.usage_limit,
			one_per_user = EXCLUDED.one_per_user,
			active = EXCLUDED.active`

	setCouponActiveSQL = `UPDATE coupons SET active = $2 WHERE code = UPPER($1)`

	lockCouponSQL = `SELECT id, active, usage_limit, used_count, one_per_user, source
		FROM coupons WHERE code = UPPER($1) FOR UPDATE`

	usageExistsSQL = `SELECT
			EXISTS (SELECT 1 FROM coupon_usages WHERE coupon_id = $1 AND session_id = $2),
			EXISTS (SELECT 1 FROM coupon_usages WHERE coupon_id = $1 AND user_id = $3)`

	insertUsageSQL = `INSERT INTO coupon_usages (coupon_id, user_id, session_id, used_at)
		VALUES ($1, $2, $3, $4)`

	incrementUsedSQL = `UPDATE coupons SET used_count = used_count + 1,
			active = CASE WHEN source = 'negotiation' THEN FALSE ELSE active END
		WHERE id = $1`
)

var (
	_ coupon.Repository    = (*CouponRepository)(nil)
	_ coupon.UsageRecorder = (*CouponRepository)(nil)
)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
// Codes are stored upper-cased; lookups apply UPPER() on the parameter.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode returns a coupon with its usage history regardless of its
// active flag. Returns coupon.ErrNotFound when no coupon has the code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.find(ctx, getCouponByCodeSQL, code)
}

// FindActiveByCode is FindByCode restricted to active coupons.
func (r *CouponRepository) FindActiveByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.find(ctx, getActiveCouponByCodeSQL, code)
}

func (r *CouponRepository) find(ctx context.Context, query, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, query, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	rows, err = r.pool.Query(ctx, listCouponUsagesSQL, c.ID)
	if err != nil {
		return nil, fmt.Errorf("listing usages of %q: %w", c.Code, err)
	}
	c.UsedBy, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (coupon.Usage, error) {
		var u coupon.Usage
		err := row.Scan(&u.UserID, &u.SessionID, &u.UsedAt)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing usages of %q: %w", c.Code, err)
	}
	return &c, nil
}

// List returns every coupon, newest first. Usage history is not loaded.
func (r *CouponRepository) List(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listCouponsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// Create inserts a new coupon. Returns coupon.ErrCodeTaken when the code is
// already in use.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if _, err := r.pool.Exec(ctx, insertCouponSQL, couponArgs(c)...); err != nil {
		if isUniqueViolation(err) {
			return coupon.ErrCodeTaken
		}
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return nil
}

// Upsert inserts a coupon or refreshes the terms of an existing one with the
// same code. Usage counters are left as they are.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if _, err := r.pool.Exec(ctx, upsertCouponSQL, couponArgs(c)...); err != nil {
		return fmt.Errorf("upserting coupon %q: %w", c.Code, err)
	}
	return nil
}

// SetActive toggles a coupon. Returns coupon.ErrNotFound for unknown codes.
func (r *CouponRepository) SetActive(ctx context.Context, code string, active bool) error {
	tag, err := r.pool.Exec(ctx, setCouponActiveSQL, code, active)
	if err != nil {
		return fmt.Errorf("updating coupon %q: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// RecordUsage consumes one use of a coupon for a payment session. Recording
// the same session twice is a no-op.
func (r *CouponRepository) RecordUsage(ctx context.Context, code string, u coupon.Usage) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := consumeCoupon(ctx, tx, code, u)
		return err
	})
}

// consumeCoupon locks the coupon row and re-checks the limits before
// appending the usage, so concurrent sessions cannot exceed usage_limit.
// Negotiation coupons are deactivated on use; the returned flag reports it.
func consumeCoupon(ctx context.Context, q dbtx, code string, u coupon.Usage) (deactivated bool, err error) {
	var (
		id         string
		active     bool
		limit      *int
		used       int
		onePerUser bool
		source     string
	)
	err = q.QueryRow(ctx, lockCouponSQL, code).Scan(&id, &active, &limit, &used, &onePerUser, &source)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, coupon.ErrNotFound
		}
		return false, fmt.Errorf("locking coupon %q: %w", code, err)
	}

	var sessionSeen, userSeen bool
	if err := q.QueryRow(ctx, usageExistsSQL, id, u.SessionID, u.UserID).Scan(&sessionSeen, &userSeen); err != nil {
		return false, fmt.Errorf("checking usages of %q: %w", code, err)
	}
	switch {
	case sessionSeen:
		return false, nil
	case !active:
		return false, coupon.ErrInactive
	case limit != nil && used >= *limit:
		return false, coupon.ErrUsageLimitReached
	case onePerUser && userSeen:
		return false, coupon.ErrAlreadyUsed
	}

	if _, err := q.Exec(ctx, insertUsageSQL, id, u.UserID, u.SessionID, u.UsedAt); err != nil {
		return false, fmt.Errorf("recording usage of %q: %w", code, err)
	}
	if _, err := q.Exec(ctx, incrementUsedSQL, id); err != nil {
		return false, fmt.Errorf("incrementing usage of %q: %w", code, err)
	}
	return coupon.Source(source) == coupon.SourceNegotiation, nil
}

func couponArgs(c *coupon.Coupon) []any {
	var negUser, negProduct, negReason *string
	if n := c.Negotiation; n != nil {
		negUser, negProduct, negReason = &n.UserID, &n.ProductID, &n.Reason
	}
	source := c.Source
	if source == "" {
		source = coupon.SourceManual
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return []any{
		c.ID, coupon.NormalizeCode(c.Code), string(c.Offer.Type), c.Offer.Value, c.Offer.MaxDiscount,
		c.MinPurchase, c.ExpiresAt, c.UsageLimit, c.UsedCount, c.OnePerUser, c.Active, string(source),
		negUser, negProduct, negReason,
		c.ProviderCouponID, c.ProviderPromotionID, createdAt,
	}
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c                            coupon.Coupon
		discountType, source         string
		maxDiscount                  *decimal.Decimal
		negUser, negProduct, negNote *string
	)
	err := row.Scan(
		&c.ID, &c.Code, &discountType, &c.Offer.Value, &maxDiscount, &c.MinPurchase, &c.ExpiresAt,
		&c.UsageLimit, &c.UsedCount, &c.OnePerUser, &c.Active, &source,
		&negUser, &negProduct, &negNote,
		&c.ProviderCouponID, &c.ProviderPromotionID, &c.CreatedAt,
	)
	if err != nil {
		return c, err
	}
	c.Offer.Type = coupon.DiscountType(discountType)
	c.Offer.MaxDiscount = maxDiscount
	c.Source = coupon.Source(source)
	if negUser != nil {
		c.Negotiation = &coupon.Negotiation{UserID: *negUser}
		if negProduct != nil {
			c.Negotiation.ProductID = *negProduct
		}
		if negNote != nil {
			c.Negotiation.Reason = *negNote
		}
	}
	return c, nil
}
