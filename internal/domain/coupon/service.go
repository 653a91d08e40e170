package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/money"
	"github.com/xenking/storefront/internal/domain/product"
)

// NegotiationValidity is how long a negotiation-issued coupon stays usable.
const NegotiationValidity = 24 * time.Hour

// Promoter mirrors a coupon into the payment provider so checkout sessions
// can reference it. It returns the provider's coupon and promotion ids.
type Promoter interface {
	Promote(ctx context.Context, c *Coupon) (couponID, promotionID string, err error)
}

// Quote is the outcome of validating a code against a subtotal.
type Quote struct {
	Coupon   *Coupon
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// CreateRequest holds the input for creating a manual coupon.
type CreateRequest struct {
	Code        string
	Offer       Offer
	MinPurchase decimal.Decimal
	ExpiresAt   *time.Time
	UsageLimit  *int
	OnePerUser  bool
}

// Service implements coupon lookup, validation, administration, and the
// negotiation issuing flow.
type Service struct {
	repo     Repository
	products product.Repository
	promoter Promoter
	now      func() time.Time
}

// NewService creates a coupon Service. promoter may be nil, in which case
// coupons are not mirrored to the payment provider.
func NewService(repo Repository, products product.Repository, promoter Promoter) *Service {
	return &Service{
		repo:     repo,
		products: products,
		promoter: promoter,
		now:      time.Now,
	}
}

// Lookup returns the active coupon for code.
func (s *Service) Lookup(ctx context.Context, code string) (*Coupon, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrNotFound
	}
	return s.repo.FindActiveByCode(ctx, code)
}

// Find returns the coupon for code whether or not it is active, leaving the
// inactive verdict to Evaluate.
func (s *Service) Find(ctx context.Context, code string) (*Coupon, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrNotFound
	}
	return s.repo.FindByCode(ctx, code)
}

// Validate evaluates code for userID against subtotal and prices the result.
// Nothing is consumed.
func (s *Service) Validate(ctx context.Context, code string, subtotal decimal.Decimal, userID string) (*Quote, error) {
	c, err := s.Find(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := Evaluate(c, subtotal, userID, s.now()); err != nil {
		return nil, err
	}

	discount := ComputeDiscount(c.Offer, subtotal)
	return &Quote{
		Coupon:   c,
		Discount: discount,
		Total:    money.NonNegative(money.Round2(subtotal.Sub(discount))),
	}, nil
}

// Create stores a manual coupon. The code is normalized before the duplicate
// check; the repository's uniqueness constraint backs the check under races.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Coupon, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return nil, &InvalidError{Reason: "coupon code is required"}
	}
	if err := req.Offer.Validate(); err != nil {
		return nil, err
	}
	if req.MinPurchase.IsNegative() {
		return nil, &InvalidError{Reason: "minimum purchase cannot be negative"}
	}
	if req.UsageLimit != nil && *req.UsageLimit < 1 {
		return nil, &InvalidError{Reason: "usage limit must be at least 1"}
	}

	switch _, err := s.repo.FindByCode(ctx, code); {
	case err == nil:
		return nil, ErrCodeTaken
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("check coupon code: %w", err)
	}

	c := &Coupon{
		ID:          uuid.New().String(),
		Code:        code,
		Offer:       req.Offer,
		MinPurchase: req.MinPurchase,
		ExpiresAt:   req.ExpiresAt,
		UsageLimit:  req.UsageLimit,
		OnePerUser:  req.OnePerUser,
		Active:      true,
		Source:      SourceManual,
		CreatedAt:   s.now(),
	}
	if err := s.store(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Deactivate soft-deletes the coupon with the given code.
func (s *Service) Deactivate(ctx context.Context, code string) error {
	return s.repo.SetActive(ctx, NormalizeCode(code), false)
}

// List returns all coupons, active or not.
func (s *Service) List(ctx context.Context) ([]Coupon, error) {
	return s.repo.List(ctx)
}

// IssueNegotiated runs the floor-price gate for the proposed offer and, only
// if it passes, creates a single-use coupon for userID valid for 24 hours.
// A rejected offer is returned as *RejectedError.
func (s *Service) IssueNegotiated(ctx context.Context, userID, productID string, offer Offer, reason string) (*Coupon, *NegotiationAllowed, error) {
	if userID == "" {
		return nil, nil, &InvalidError{Reason: "user is required"}
	}

	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, nil, fmt.Errorf("get product: %w", err)
	}
	if !p.Active {
		return nil, nil, &product.UnavailableError{ProductID: p.ID, Name: p.Name}
	}

	verdict, err := ValidateNegotiatedDiscount(p, offer)
	if err != nil {
		return nil, nil, err
	}
	if verdict.Rejected != nil {
		return nil, nil, &RejectedError{NegotiationRejected: *verdict.Rejected}
	}

	now := s.now()
	expires := now.Add(NegotiationValidity)
	limit := 1
	c := &Coupon{
		ID:          uuid.New().String(),
		Code:        negotiationCode(),
		Offer:       offer,
		MinPurchase: decimal.Zero,
		ExpiresAt:   &expires,
		UsageLimit:  &limit,
		OnePerUser:  true,
		Active:      true,
		Source:      SourceNegotiation,
		Negotiation: &Negotiation{
			UserID:    userID,
			ProductID: p.ID,
			Reason:    reason,
		},
		CreatedAt: now,
	}
	if err := s.store(ctx, c); err != nil {
		return nil, nil, err
	}
	return c, verdict.Allowed, nil
}

func (s *Service) store(ctx context.Context, c *Coupon) error {
	if s.promoter != nil {
		couponID, promotionID, err := s.promoter.Promote(ctx, c)
		if err != nil {
			return fmt.Errorf("promote coupon %q: %w", c.Code, err)
		}
		c.ProviderCouponID = couponID
		c.ProviderPromotionID = promotionID
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return fmt.Errorf("create coupon %q: %w", c.Code, err)
	}
	return nil
}

func negotiationCode() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "NEG-" + strings.ToUpper(id[:10])
}
