// Package stripe implements payment.Provider and coupon.Promoter on Stripe
// Checkout.
package stripe

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/money"
	"github.com/xenking/storefront/internal/domain/payment"
)

// ErrUnsupportedOffer is returned by Promote for offers Stripe coupons
// cannot express. It is a *coupon.InvalidError so callers treat it as bad
// coupon terms.
var ErrUnsupportedOffer error = &coupon.InvalidError{Reason: "offer cannot be represented as a stripe coupon"}

var (
	_ payment.Provider = (*Provider)(nil)
	_ coupon.Promoter  = (*Provider)(nil)
)

// Config holds Stripe credentials and redirect targets.
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string
	// Backends overrides the HTTP backends, for tests.
	Backends *stripe.Backends
}

// Provider talks to the Stripe API.
type Provider struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
	currency      string
}

// New creates a Provider.
func New(cfg Config) *Provider {
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &Provider{
		api:           client.New(cfg.SecretKey, cfg.Backends),
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		currency:      currency,
	}
}

// CreateCheckoutSession creates a hosted payment-mode session.
func (p *Provider) CreateCheckoutSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	currency := req.Currency
	if currency == "" {
		currency = p.currency
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		ClientReferenceID: stripe.String(req.CustomerRef),
	}
	params.Context = ctx

	for _, l := range req.Lines {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(l.Name),
		}
		if l.Description != "" {
			product.Description = stripe.String(l.Description)
		}
		if l.Image != "" {
			product.Images = stripe.StringSlice([]string{l.Image})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(l.UnitAmount),
			},
			Quantity: stripe.Int64(l.Quantity),
		})
	}
	if d := req.Discount; d != nil {
		switch {
		case d.PromotionID != "":
			params.Discounts = []*stripe.CheckoutSessionDiscountParams{
				{PromotionCode: stripe.String(d.PromotionID)},
			}
		case d.Amount > 0:
			couponID, err := p.oneOffCoupon(ctx, d, currency)
			if err != nil {
				return nil, err
			}
			params.Discounts = []*stripe.CheckoutSessionDiscountParams{
				{Coupon: stripe.String(couponID)},
			}
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}
	return &payment.Session{ID: s.ID, URL: s.URL}, nil
}

// oneOffCoupon creates a single-redemption amount_off coupon for one session.
func (p *Provider) oneOffCoupon(ctx context.Context, d *payment.Discount, currency string) (string, error) {
	params := &stripe.CouponParams{
		AmountOff:      stripe.Int64(d.Amount),
		Currency:       stripe.String(currency),
		Duration:       stripe.String(string(stripe.CouponDurationOnce)),
		MaxRedemptions: stripe.Int64(1),
	}
	if d.Label != "" {
		params.Name = stripe.String(d.Label)
	}
	params.Context = ctx

	sc, err := p.api.Coupons.New(params)
	if err != nil {
		return "", errors.Wrap(err, "create session coupon")
	}
	return sc.ID, nil
}

// ParseEvent verifies the Stripe-Signature header and decodes checkout
// session events. Other event types come back with only ID and Type set.
func (p *Provider) ParseEvent(payload []byte, signature string) (*payment.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Wrapf(payment.ErrInvalidSignature, "%v", err)
	}

	out := &payment.Event{ID: ev.ID, Type: payment.EventType(ev.Type)}
	if !strings.HasPrefix(string(ev.Type), "checkout.session.") || ev.Data == nil {
		return out, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, errors.Wrapf(payment.ErrMalformedEvent, "decode checkout session: %v", err)
	}
	out.SessionID = sess.ID
	out.PaymentStatus = string(sess.PaymentStatus)
	out.AmountTotal = sess.AmountTotal
	out.Currency = string(sess.Currency)
	out.Metadata = sess.Metadata
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	return out, nil
}

// Promote mirrors a coupon as a Stripe coupon plus a customer-facing
// promotion code with the same code. Capped percentage offers have no Stripe
// equivalent and are left unmirrored: both ids come back empty and checkout
// applies the computed amount instead.
func (p *Provider) Promote(ctx context.Context, c *coupon.Coupon) (couponID, promotionID string, err error) {
	params := &stripe.CouponParams{
		Name:     stripe.String(c.Code),
		Duration: stripe.String(string(stripe.CouponDurationOnce)),
	}
	params.Context = ctx

	switch c.Offer.Type {
	case coupon.Percentage:
		if c.Offer.MaxDiscount != nil {
			return "", "", nil
		}
		params.PercentOff = stripe.Float64(c.Offer.Value.InexactFloat64())
	case coupon.Fixed:
		params.AmountOff = stripe.Int64(money.ToMinor(c.Offer.Value))
		params.Currency = stripe.String(p.currency)
	default:
		return "", "", errors.Wrapf(ErrUnsupportedOffer, "type %q", c.Offer.Type)
	}
	if c.UsageLimit != nil {
		params.MaxRedemptions = stripe.Int64(int64(*c.UsageLimit))
	}
	if c.ExpiresAt != nil {
		params.RedeemBy = stripe.Int64(c.ExpiresAt.Unix())
	}

	sc, err := p.api.Coupons.New(params)
	if err != nil {
		return "", "", errors.Wrap(err, "create stripe coupon")
	}

	promo := &stripe.PromotionCodeParams{
		Coupon: stripe.String(sc.ID),
		Code:   stripe.String(c.Code),
	}
	promo.Context = ctx
	if c.MinPurchase.IsPositive() {
		promo.Restrictions = &stripe.PromotionCodeRestrictionsParams{
			MinimumAmount:         stripe.Int64(money.ToMinor(c.MinPurchase)),
			MinimumAmountCurrency: stripe.String(p.currency),
		}
	}
	pc, err := p.api.PromotionCodes.New(promo)
	if err != nil {
		return "", "", errors.Wrap(err, "create stripe promotion code")
	}
	return sc.ID, pc.ID, nil
}
