package order

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/money"
)

var (
	// ErrNotFound is returned when an order does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateSession is returned by Repository implementations when an
	// order already exists for the payment session.
	ErrDuplicateSession = errors.New("order already exists for payment session")
)

// Status is the order lifecycle state. Fulfillment creates orders as
// StatusPaid; later transitions belong to back-office tooling.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// ParseStatus validates a persisted status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusPaid, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusRefunded:
		return st, nil
	default:
		return "", errors.Errorf("unknown order status %q", s)
	}
}

// Item is a purchased line, frozen at purchase time.
type Item struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Image     string          `json:"image,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
}

// Order is the immutable record of a completed purchase. SessionID is the
// payment provider's checkout session and is unique across orders.
type Order struct {
	ID              string
	UserID          string
	Items           []Item
	Subtotal        decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	Currency        string
	CouponCode      string
	Status          Status
	SessionID       string
	PaymentIntentID string
	CreatedAt       time.Time
}

// BuildRequest carries what the payment provider reported for a settled
// checkout session.
type BuildRequest struct {
	SessionID       string
	PaymentIntentID string
	UserID          string
	CouponCode      string
	Items           []Item
	AmountCharged   decimal.Decimal
	Currency        string
	Now             time.Time
}

// Build assembles a paid order. The discount is whatever the provider did
// not charge relative to the item subtotal, floored at zero; the coupon
// engine is not consulted.
func Build(req BuildRequest) *Order {
	subtotal := decimal.Zero
	for _, it := range req.Items {
		subtotal = subtotal.Add(money.LineTotal(it.Price, it.Quantity))
	}
	subtotal = money.Round2(subtotal)
	charged := money.Round2(req.AmountCharged)

	return &Order{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Items:           req.Items,
		Subtotal:        subtotal,
		Discount:        money.NonNegative(subtotal.Sub(charged)),
		Total:           charged,
		Currency:        strings.ToLower(req.Currency),
		CouponCode:      req.CouponCode,
		Status:          StatusPaid,
		SessionID:       req.SessionID,
		PaymentIntentID: req.PaymentIntentID,
		CreatedAt:       req.Now,
	}
}

// Repository reads persisted orders. Writes happen inside the fulfillment
// unit of work.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Order, error)
	GetBySession(ctx context.Context, sessionID string) (*Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
}
