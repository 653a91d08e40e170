package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/fulfillment"
	"github.com/xenking/storefront/internal/domain/inventory"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/events"
)

const insertIssueSQL = `INSERT INTO fulfillment_issues (session_id, kind, ref, detail)
	VALUES ($1, $2, $3, $4)`

var _ fulfillment.Store = (*FulfillmentStore)(nil)

// FulfillmentStore commits fulfillment plans in a single transaction.
type FulfillmentStore struct {
	pool *pgxpool.Pool
}

// NewFulfillmentStore returns a FulfillmentStore that uses the given pool.
func NewFulfillmentStore(pool *pgxpool.Pool) *FulfillmentStore {
	return &FulfillmentStore{pool: pool}
}

func (s *FulfillmentStore) OrderBySession(ctx context.Context, sessionID string) (*order.Order, error) {
	return getOrder(ctx, s.pool, getOrderBySessionSQL, sessionID)
}

func (s *FulfillmentStore) RecordIssue(ctx context.Context, sessionID string, is fulfillment.Issue) error {
	if _, err := s.pool.Exec(ctx, insertIssueSQL, sessionID, string(is.Kind), is.Ref, is.Detail); err != nil {
		return fmt.Errorf("recording fulfillment issue: %w", err)
	}
	return nil
}

// Commit inserts the order, decrements stock, consumes the coupon, clears
// the cart, and writes issues plus the outbox event, all in one transaction.
// The order insert goes first: when the session already has an order the
// transaction is left without writes and the outcome is marked Duplicate.
func (s *FulfillmentStore) Commit(ctx context.Context, plan *fulfillment.Plan) (*fulfillment.Outcome, error) {
	var out *fulfillment.Outcome
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		out = &fulfillment.Outcome{}

		if err := insertOrder(ctx, tx, plan.Order); err != nil {
			if errors.Is(err, order.ErrDuplicateSession) {
				out.Duplicate = true
				return nil
			}
			return err
		}

		for _, l := range plan.Lines {
			err := decrementStock(ctx, tx, l.ProductID, l.Quantity)
			switch {
			case errors.Is(err, inventory.ErrOversell):
				out.Issues = append(out.Issues, fulfillment.Issue{
					Kind:   fulfillment.IssueStockShortfall,
					Ref:    l.ProductID,
					Detail: fmt.Sprintf("could not decrement %d of %s", l.Quantity, l.Name),
				})
			case err != nil:
				return err
			}
		}

		if c := plan.Coupon; c != nil {
			deactivated, err := s.consumeCoupon(ctx, tx, c)
			if err != nil {
				if !couponRejected(err) {
					return err
				}
				out.Issues = append(out.Issues, fulfillment.Issue{
					Kind:   fulfillment.IssueCouponRejected,
					Ref:    c.Code,
					Detail: err.Error(),
				})
			}
			out.CouponDeactivated = deactivated
		}

		if plan.CartID != "" {
			found, err := clearCart(ctx, tx, plan.CartID)
			if err != nil {
				return err
			}
			if !found {
				out.Issues = append(out.Issues, fulfillment.Issue{
					Kind: fulfillment.IssueCartMissing,
					Ref:  plan.CartID,
				})
			}
		}

		for _, is := range out.Issues {
			if _, err := tx.Exec(ctx, insertIssueSQL, plan.Order.SessionID, string(is.Kind), is.Ref, is.Detail); err != nil {
				return fmt.Errorf("recording fulfillment issue: %w", err)
			}
		}

		return insertOutbox(ctx, tx, events.OrderFulfilled(plan.Order, len(out.Issues)))
	})
	if err != nil {
		return nil, errors.Wrap(err, "commit fulfillment")
	}
	return out, nil
}

// consumeCoupon runs inside a savepoint so a rejected coupon does not abort
// the surrounding transaction.
func (s *FulfillmentStore) consumeCoupon(ctx context.Context, tx pgx.Tx, c *fulfillment.CouponUse) (bool, error) {
	var deactivated bool
	err := pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
		var err error
		deactivated, err = consumeCoupon(ctx, sp, c.Code, c.Usage)
		return err
	})
	return deactivated, err
}

func couponRejected(err error) bool {
	return errors.Is(err, coupon.ErrNotFound) ||
		errors.Is(err, coupon.ErrInactive) ||
		errors.Is(err, coupon.ErrUsageLimitReached) ||
		errors.Is(err, coupon.ErrAlreadyUsed)
}
