// Package fulfillment turns a confirmed payment into an order. It is the
// only place where stock, coupon usage and carts change as a result of a
// purchase.
package fulfillment

import (
	"context"
	"fmt"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/inventory"
	"github.com/xenking/storefront/internal/domain/order"
)

// State is where one checkout attempt ended up after an event was handled.
type State string

const (
	// StateConfirmed means the event verified but has not been applied yet.
	StateConfirmed State = "confirmed"
	// StateFulfilled means the order and its side effects were committed.
	StateFulfilled State = "fulfilled"
	// StateDuplicate means an order for the session already existed.
	StateDuplicate State = "duplicate"
	// StateFailed means the event was verified but could not be applied.
	StateFailed State = "failed"
	// StateIgnored means the event does not complete a paid checkout.
	StateIgnored State = "ignored"
)

// IssueKind classifies an operator-visible inconsistency recorded while
// committing a fulfillment.
type IssueKind string

const (
	IssueStockShortfall IssueKind = "stock_shortfall"
	IssueCouponRejected IssueKind = "coupon_rejected"
	IssueCartMissing    IssueKind = "cart_missing"
	// IssueFulfillmentFailed marks a paid session whose fulfillment gave up.
	// Ref names the failed step.
	IssueFulfillmentFailed IssueKind = "fulfillment_failed"
)

// Issue is one inconsistency. The order is still created: the provider has
// already captured payment.
type Issue struct {
	Kind   IssueKind
	Ref    string
	Detail string
}

// CouponUse is the coupon consumption a plan carries.
type CouponUse struct {
	Code  string
	Usage coupon.Usage
}

// Plan is everything a commit writes.
type Plan struct {
	Order  *order.Order
	CartID string
	Lines  []inventory.Line
	Coupon *CouponUse
}

// Outcome reports what a commit did.
type Outcome struct {
	// Duplicate is set when an order for the session already existed; in
	// that case nothing was written.
	Duplicate         bool
	Issues            []Issue
	CouponDeactivated bool
}

// Store applies plans. Commit must run the order insert, the conditional
// stock decrements, the coupon usage record and the cart clear as a single
// unit: all of them or none. A stock line that cannot be decremented or a
// coupon the usage limits reject become Issues rather than failures.
type Store interface {
	// OrderBySession returns order.ErrNotFound when there is no order yet.
	OrderBySession(ctx context.Context, sessionID string) (*order.Order, error)
	Commit(ctx context.Context, plan *Plan) (*Outcome, error)
	// RecordIssue stores an issue outside any commit.
	RecordIssue(ctx context.Context, sessionID string, is Issue) error
}

// CartInvalidator drops cached copies of a user's cart.
type CartInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// StepError records which pipeline step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("fulfillment step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Result is the outcome of handling one event.
type Result struct {
	State     State
	SessionID string
	Order     *order.Order
	Issues    []Issue
	Err       error
}
