// Package handler exposes the storefront over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/fulfillment"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// CartService is the cart behavior the cart routes need.
type CartService interface {
	Get(ctx context.Context, userID string) (*cart.Cart, error)
	AddItem(ctx context.Context, userID string, req cart.ItemRequest) (*cart.Cart, error)
	UpdateItem(ctx context.Context, userID, lineID string, quantity int) (*cart.Cart, error)
	RemoveItem(ctx context.Context, userID, lineID string) (*cart.Cart, error)
	ApplyCoupon(ctx context.Context, userID, code string) (*cart.Cart, error)
	RemoveCoupon(ctx context.Context, userID string) (*cart.Cart, error)
	Clear(ctx context.Context, userID string) (*cart.Cart, error)
	Sync(ctx context.Context, userID string, items []cart.ItemRequest) (*cart.Cart, []cart.SyncSkip, error)
}

// CouponService validates, issues and administers coupons.
type CouponService interface {
	Validate(ctx context.Context, code string, subtotal decimal.Decimal, userID string) (*coupon.Quote, error)
	Create(ctx context.Context, req coupon.CreateRequest) (*coupon.Coupon, error)
	Deactivate(ctx context.Context, code string) error
	List(ctx context.Context) ([]coupon.Coupon, error)
	IssueNegotiated(ctx context.Context, userID, productID string, offer coupon.Offer, reason string) (*coupon.Coupon, *coupon.NegotiationAllowed, error)
}

// CheckoutService starts hosted checkout sessions.
type CheckoutService interface {
	FromCart(ctx context.Context, userID string) (*payment.Session, error)
	QuickBuy(ctx context.Context, userID string, req cart.ItemRequest) (*payment.Session, error)
}

// OrderService reads a user's orders.
type OrderService interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]order.Order, error)
	GetForUser(ctx context.Context, userID, orderID string) (*order.Order, error)
	GetBySession(ctx context.Context, userID, sessionID string) (*order.Order, error)
}

// WebhookHandler consumes signed payment provider events.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) (*fulfillment.Result, error)
}

// Authenticator resolves admin API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, key, scope string) (*auth.APIKeyInfo, error)
}

// Config carries the Handler's collaborators.
type Config struct {
	Carts    CartService
	Coupons  CouponService
	Checkout CheckoutService
	Orders   OrderService
	Webhooks WebhookHandler
	Admins   Authenticator

	// NegotiationLimiter caps negotiation attempts per user; nil disables it.
	NegotiationLimiter httpmiddleware.Limiter
}

// Handler serves the /api routes.
type Handler struct {
	carts    CartService
	coupons  CouponService
	checkout CheckoutService
	orders   OrderService
	webhooks WebhookHandler
	admins   Authenticator
	limiter  httpmiddleware.Limiter
}

// New creates a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		carts:    cfg.Carts,
		coupons:  cfg.Coupons,
		checkout: cfg.Checkout,
		orders:   cfg.Orders,
		webhooks: cfg.Webhooks,
		admins:   cfg.Admins,
		limiter:  cfg.NegotiationLimiter,
	}
}

// Routes mounts the API under /api on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		// Signed by the payment provider; carries no user identity.
		r.Post("/webhooks/payments", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(RequireUser)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", h.GetCart)
				r.Delete("/", h.ClearCart)
				r.Post("/items", h.AddCartItem)
				r.Patch("/items/{lineID}", h.UpdateCartItem)
				r.Delete("/items/{lineID}", h.RemoveCartItem)
				r.Post("/coupon", h.ApplyCoupon)
				r.Delete("/coupon", h.RemoveCoupon)
				r.Post("/sync", h.SyncCart)
			})

			r.Post("/coupons/validate", h.ValidateCoupon)

			r.With(h.negotiationLimit()).Post("/negotiations", h.Negotiate)

			r.Post("/checkout", h.Checkout)
			r.Post("/checkout/quick-buy", h.QuickBuy)

			r.Get("/orders", h.ListOrders)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Get("/orders/session/{sessionID}", h.GetOrderBySession)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAPIKey(h.admins, auth.ScopeManageCoupons))

			r.Post("/coupons", h.CreateCoupon)
			r.Get("/coupons", h.ListCoupons)
			r.Post("/coupons/{code}/deactivate", h.DeactivateCoupon)
		})
	})
}

func (h *Handler) negotiationLimit() func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return httpmiddleware.RateLimit(h.limiter, httpmiddleware.HeaderKey(HeaderUserID))
}
