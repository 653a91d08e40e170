package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

const maxListLimit = 100

// Service exposes a user's orders.
type Service struct {
	orders Repository
}

// NewService creates an order Service.
func NewService(orders Repository) *Service {
	return &Service{orders: orders}
}

// ListForUser returns the user's most recent orders, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	orders, err := s.orders.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// GetForUser returns an order by id if it belongs to userID.
func (s *Service) GetForUser(ctx context.Context, userID, orderID string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return owned(o, userID)
}

// GetBySession returns the order created for a checkout session. It backs
// the post-payment success page, which polls until fulfillment has run.
func (s *Service) GetBySession(ctx context.Context, userID, sessionID string) (*Order, error) {
	o, err := s.orders.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return owned(o, userID)
}

func owned(o *Order, userID string) (*Order, error) {
	if o.UserID != userID {
		return nil, errors.Wrap(ErrNotFound, "owner mismatch")
	}
	return o, nil
}
