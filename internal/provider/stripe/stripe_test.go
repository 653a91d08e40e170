package stripe

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/payment"
)

const testWebhookSecret = "whsec_test"

// --- Helpers ---

type recordedRequest struct {
	Path string
	Form url.Values
}

type fakeStripe struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (f *fakeStripe) last(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Path == path {
			return f.requests[i].Form
		}
	}
	return nil
}

func newTestProvider(t *testing.T) (*Provider, *fakeStripe) {
	t.Helper()
	fake := &fakeStripe{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fake.mu.Lock()
		fake.requests = append(fake.requests, recordedRequest{Path: r.URL.Path, Form: r.PostForm})
		fake.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/checkout/sessions":
			fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.example.com/cs_test_1"}`)
		case "/v1/coupons":
			fmt.Fprint(w, `{"id":"co_1","object":"coupon"}`)
		case "/v1/promotion_codes":
			fmt.Fprint(w, `{"id":"promo_1","object":"promotion_code"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"unknown"}}`)
		}
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	p := New(Config{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		SuccessURL:    "https://shop.example.com/success",
		CancelURL:     "https://shop.example.com/cart",
		Currency:      "USD",
		Backends:      &stripe.Backends{API: backend, Connect: backend, Uploads: backend},
	})
	return p, fake
}

func signed(t *testing.T, body string) (payload []byte, header string) {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

// --- Tests ---

func TestProvider_CreateCheckoutSession(t *testing.T) {
	p, fake := newTestProvider(t)

	s, err := p.CreateCheckoutSession(t.Context(), payment.SessionRequest{
		CustomerRef: "u1",
		Lines: []payment.LineItem{
			{Name: "Tee", Description: "Size: M", Image: "https://cdn.example.com/tee.png", UnitAmount: 2500, Quantity: 2},
			{Name: "Mug", UnitAmount: 1250, Quantity: 1},
		},
		Discount: &payment.Discount{PromotionID: "promo_123", Label: "SAVE10"},
		Metadata: map[string]string{"user_id": "u1", "item_parts": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", s.ID)
	assert.Equal(t, "https://checkout.example.com/cs_test_1", s.URL)

	form := fake.last("/v1/checkout/sessions")
	require.NotNil(t, form)
	assert.Equal(t, "payment", form.Get("mode"))
	assert.Equal(t, "u1", form.Get("client_reference_id"))
	assert.Equal(t, "https://shop.example.com/success", form.Get("success_url"))
	assert.Equal(t, "usd", form.Get("line_items[0][price_data][currency]"))
	assert.Equal(t, "2500", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "Tee", form.Get("line_items[0][price_data][product_data][name]"))
	assert.Equal(t, "Size: M", form.Get("line_items[0][price_data][product_data][description]"))
	assert.Equal(t, "2", form.Get("line_items[0][quantity]"))
	assert.Equal(t, "1250", form.Get("line_items[1][price_data][unit_amount]"))
	assert.Equal(t, "promo_123", form.Get("discounts[0][promotion_code]"))
	assert.Equal(t, "u1", form.Get("metadata[user_id]"))
	assert.Nil(t, fake.last("/v1/coupons"), "promotion codes need no session coupon")
}

func TestProvider_CreateCheckoutSession_OneOffDiscount(t *testing.T) {
	p, fake := newTestProvider(t)

	_, err := p.CreateCheckoutSession(t.Context(), payment.SessionRequest{
		CustomerRef: "u1",
		Currency:    "eur",
		Lines:       []payment.LineItem{{Name: "Tee", UnitAmount: 5000, Quantity: 1}},
		Discount:    &payment.Discount{Amount: 500, Label: "SAVE20"},
	})
	require.NoError(t, err)

	c := fake.last("/v1/coupons")
	require.NotNil(t, c)
	assert.Equal(t, "500", c.Get("amount_off"))
	assert.Equal(t, "eur", c.Get("currency"))
	assert.Equal(t, "once", c.Get("duration"))
	assert.Equal(t, "1", c.Get("max_redemptions"))
	assert.Equal(t, "SAVE20", c.Get("name"))

	form := fake.last("/v1/checkout/sessions")
	assert.Equal(t, "co_1", form.Get("discounts[0][coupon]"))
	assert.Empty(t, form.Get("discounts[0][promotion_code]"))
}

func TestProvider_Promote(t *testing.T) {
	t.Run("percentage", func(t *testing.T) {
		p, fake := newTestProvider(t)
		limit := 1
		expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

		couponID, promoID, err := p.Promote(t.Context(), &coupon.Coupon{
			Code:        "SAVE10",
			Offer:       coupon.Offer{Type: coupon.Percentage, Value: decimal.NewFromInt(10)},
			MinPurchase: decimal.RequireFromString("50"),
			UsageLimit:  &limit,
			ExpiresAt:   &expires,
		})
		require.NoError(t, err)
		assert.Equal(t, "co_1", couponID)
		assert.Equal(t, "promo_1", promoID)

		c := fake.last("/v1/coupons")
		assert.Equal(t, "10", c.Get("percent_off"))
		assert.Equal(t, "once", c.Get("duration"))
		assert.Equal(t, "1", c.Get("max_redemptions"))
		assert.Equal(t, fmt.Sprint(expires.Unix()), c.Get("redeem_by"))

		pc := fake.last("/v1/promotion_codes")
		assert.Equal(t, "co_1", pc.Get("coupon"))
		assert.Equal(t, "SAVE10", pc.Get("code"))
		assert.Equal(t, "5000", pc.Get("restrictions[minimum_amount]"))
	})

	t.Run("fixed amount in minor units", func(t *testing.T) {
		p, fake := newTestProvider(t)
		_, _, err := p.Promote(t.Context(), &coupon.Coupon{
			Code:  "FIVE",
			Offer: coupon.Offer{Type: coupon.Fixed, Value: decimal.RequireFromString("5.25")},
		})
		require.NoError(t, err)

		c := fake.last("/v1/coupons")
		assert.Equal(t, "525", c.Get("amount_off"))
		assert.Equal(t, "usd", c.Get("currency"))
	})

	t.Run("capped percentage is left unmirrored", func(t *testing.T) {
		p, fake := newTestProvider(t)
		maxOff := decimal.NewFromInt(20)
		couponID, promoID, err := p.Promote(t.Context(), &coupon.Coupon{
			Code:  "CAPPED",
			Offer: coupon.Offer{Type: coupon.Percentage, Value: decimal.NewFromInt(30), MaxDiscount: &maxOff},
		})
		require.NoError(t, err)
		assert.Empty(t, couponID)
		assert.Empty(t, promoID)
		assert.Nil(t, fake.last("/v1/coupons"))
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		p, _ := newTestProvider(t)
		_, _, err := p.Promote(t.Context(), &coupon.Coupon{
			Code:  "BOGO",
			Offer: coupon.Offer{Type: coupon.DiscountType("bogo"), Value: decimal.NewFromInt(1)},
		})
		require.ErrorIs(t, err, ErrUnsupportedOffer)
	})
}

func TestProvider_ParseEvent(t *testing.T) {
	p, _ := newTestProvider(t)

	t.Run("completed session", func(t *testing.T) {
		payload, header := signed(t, `{
			"id": "evt_1",
			"object": "event",
			"type": "checkout.session.completed",
			"data": {"object": {
				"id": "cs_test_1",
				"object": "checkout.session",
				"payment_intent": "pi_1",
				"payment_status": "paid",
				"amount_total": 5500,
				"currency": "usd",
				"metadata": {"user_id": "u1", "item_parts": "1"}
			}}
		}`)

		ev, err := p.ParseEvent(payload, header)
		require.NoError(t, err)
		assert.Equal(t, "evt_1", ev.ID)
		assert.Equal(t, payment.EventCheckoutCompleted, ev.Type)
		assert.Equal(t, "cs_test_1", ev.SessionID)
		assert.Equal(t, "pi_1", ev.PaymentIntentID)
		assert.Equal(t, payment.PaymentStatusPaid, ev.PaymentStatus)
		assert.Equal(t, int64(5500), ev.AmountTotal)
		assert.Equal(t, "u1", ev.Metadata["user_id"])
	})

	t.Run("other event types carry no session", func(t *testing.T) {
		payload, header := signed(t, `{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)

		ev, err := p.ParseEvent(payload, header)
		require.NoError(t, err)
		assert.Equal(t, payment.EventType("charge.refunded"), ev.Type)
		assert.Empty(t, ev.SessionID)
	})

	t.Run("bad signature", func(t *testing.T) {
		payload, _ := signed(t, `{"id":"evt_3","object":"event","type":"checkout.session.completed"}`)

		_, err := p.ParseEvent(payload, "t=1,v1=deadbeef")
		require.ErrorIs(t, err, payment.ErrInvalidSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		_, header := signed(t, `{"id":"evt_4","object":"event","type":"checkout.session.completed"}`)

		_, err := p.ParseEvent([]byte(`{"id":"evt_5","object":"event","type":"checkout.session.completed"}`), header)
		require.ErrorIs(t, err, payment.ErrInvalidSignature)
	})
}
