package fulfillment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/checkout"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
)

// --- Mock implementations ---

type memStore struct {
	mu       sync.Mutex
	orders   map[string]*order.Order
	stock    map[string]int
	usages   map[string][]string
	limits   map[string]int
	carts    map[string]bool
	issues   []Issue
	failures int
	commits  int
}

func newMemStore() *memStore {
	return &memStore{
		orders: map[string]*order.Order{},
		stock:  map[string]int{"tee": 5, "mug": 1},
		usages: map[string][]string{},
		limits: map[string]int{},
		carts:  map[string]bool{"cart-1": true},
	}
}

func (s *memStore) OrderBySession(_ context.Context, sessionID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[sessionID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (s *memStore) RecordIssue(_ context.Context, _ string, is Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, is)
	return nil
}

func (s *memStore) Commit(_ context.Context, plan *Plan) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commits++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset by peer")
	}
	if _, ok := s.orders[plan.Order.SessionID]; ok {
		return &Outcome{Duplicate: true}, nil
	}

	out := &Outcome{}
	for _, l := range plan.Lines {
		if s.stock[l.ProductID] < l.Quantity {
			out.Issues = append(out.Issues, Issue{Kind: IssueStockShortfall, Ref: l.ProductID})
			continue
		}
		s.stock[l.ProductID] -= l.Quantity
	}
	if c := plan.Coupon; c != nil {
		if limit, ok := s.limits[c.Code]; ok && len(s.usages[c.Code]) >= limit {
			out.Issues = append(out.Issues, Issue{Kind: IssueCouponRejected, Ref: c.Code})
		} else {
			s.usages[c.Code] = append(s.usages[c.Code], c.Usage.SessionID)
		}
	}
	if plan.CartID != "" {
		delete(s.carts, plan.CartID)
	}
	s.orders[plan.Order.SessionID] = plan.Order
	return out, nil
}

type mockInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (m *mockInvalidator) Invalidate(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, userID)
	return nil
}

type mockProvider struct {
	events map[string]*payment.Event
}

func (m *mockProvider) CreateCheckoutSession(context.Context, payment.SessionRequest) (*payment.Session, error) {
	return nil, errors.New("not implemented")
}

func (m *mockProvider) ParseEvent(_ []byte, signature string) (*payment.Event, error) {
	ev, ok := m.events[signature]
	if !ok {
		return nil, payment.ErrInvalidSignature
	}
	return ev, nil
}

// --- Helpers ---

func testMetadata(t *testing.T, couponCode, cartID string) map[string]string {
	t.Helper()
	p := &checkout.Payload{
		UserID:     "u1",
		CouponCode: couponCode,
		CartID:     cartID,
		Items: []checkout.Item{
			{ProductID: "tee", Name: "Tee", Price: decimal.RequireFromString("25"), Quantity: 2, Size: "M"},
			{ProductID: "mug", Name: "Mug", Price: decimal.RequireFromString("12.50"), Quantity: 1},
		},
	}
	md, err := p.Metadata()
	require.NoError(t, err)
	return md
}

func paidEvent(t *testing.T, sessionID string) *payment.Event {
	t.Helper()
	return &payment.Event{
		ID:              "evt_" + sessionID,
		Type:            payment.EventCheckoutCompleted,
		SessionID:       sessionID,
		PaymentIntentID: "pi_" + sessionID,
		PaymentStatus:   payment.PaymentStatusPaid,
		AmountTotal:     5500,
		Currency:        "usd",
		Metadata:        testMetadata(t, "SAVE10", "cart-1"),
	}
}

func newTestPipeline(t *testing.T, store Store, provider payment.Provider, carts CartInvalidator) *Pipeline {
	t.Helper()
	p, err := NewPipeline(provider, store, zap.NewNop(), Options{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Timeout:        5 * time.Second,
		Carts:          carts,
	})
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return p
}

// --- Tests ---

func TestPipeline_Fulfill(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	carts := &mockInvalidator{}
	p := newTestPipeline(t, store, &mockProvider{}, carts)

	res := p.Handle(ctx, paidEvent(t, "cs_1"))
	require.NoError(t, res.Err)
	assert.Equal(t, StateFulfilled, res.State)
	assert.Empty(t, res.Issues)

	o := res.Order
	require.NotNil(t, o)
	assert.Equal(t, "u1", o.UserID)
	assert.Equal(t, "cs_1", o.SessionID)
	assert.Equal(t, "pi_cs_1", o.PaymentIntentID)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, "SAVE10", o.CouponCode)
	assert.True(t, decimal.RequireFromString("62.50").Equal(o.Subtotal), o.Subtotal.String())
	assert.True(t, decimal.RequireFromString("55").Equal(o.Total), o.Total.String())
	assert.Equal(t, "usd", o.Currency)
	assert.True(t, decimal.RequireFromString("7.50").Equal(o.Discount), o.Discount.String())
	require.Len(t, o.Items, 2)
	assert.Equal(t, "M", o.Items[0].Size)

	assert.Equal(t, 3, store.stock["tee"])
	assert.Equal(t, 0, store.stock["mug"])
	assert.Equal(t, []string{"cs_1"}, store.usages["SAVE10"])
	assert.NotContains(t, store.carts, "cart-1")
	assert.Equal(t, []string{"u1"}, carts.users)
}

func TestPipeline_DuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := newTestPipeline(t, store, &mockProvider{}, nil)

	first := p.Handle(ctx, paidEvent(t, "cs_1"))
	require.Equal(t, StateFulfilled, first.State)

	second := p.Handle(ctx, paidEvent(t, "cs_1"))
	assert.Equal(t, StateDuplicate, second.State)
	require.NotNil(t, second.Order)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	assert.Len(t, store.orders, 1)
	assert.Equal(t, 3, store.stock["tee"])
	assert.Len(t, store.usages["SAVE10"], 1)
	assert.Equal(t, 1, store.commits)
}

func TestPipeline_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.stock["tee"] = 100
	store.stock["mug"] = 100
	p := newTestPipeline(t, store, &mockProvider{}, nil)

	ev := paidEvent(t, "cs_race")
	const n = 10
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Handle(ctx, ev)
		}()
	}
	wg.Wait()

	fulfilled := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		if r.State == StateFulfilled {
			fulfilled++
		}
	}
	assert.GreaterOrEqual(t, fulfilled, 1)
	assert.Len(t, store.orders, 1)
	assert.Equal(t, 98, store.stock["tee"])
	assert.Equal(t, 99, store.stock["mug"])
	assert.Len(t, store.usages["SAVE10"], 1)
}

func TestPipeline_RetriesTransientCommitFailure(t *testing.T) {
	store := newMemStore()
	store.failures = 2
	p := newTestPipeline(t, store, &mockProvider{}, nil)

	res := p.Handle(context.Background(), paidEvent(t, "cs_1"))
	require.NoError(t, res.Err)
	assert.Equal(t, StateFulfilled, res.State)
	assert.Equal(t, 3, store.commits)
	assert.Len(t, store.orders, 1)
}

func TestPipeline_GivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemStore()
	store.failures = 10
	p := newTestPipeline(t, store, &mockProvider{}, nil)

	res := p.Handle(context.Background(), paidEvent(t, "cs_1"))
	assert.Equal(t, StateFailed, res.State)
	var stepErr *StepError
	require.ErrorAs(t, res.Err, &stepErr)
	assert.Equal(t, "commit", stepErr.Step)
	assert.Equal(t, 3, store.commits)
	assert.Empty(t, store.orders)

	require.Len(t, store.issues, 1)
	assert.Equal(t, IssueFulfillmentFailed, store.issues[0].Kind)
	assert.Equal(t, "commit", store.issues[0].Ref)
	assert.Contains(t, store.issues[0].Detail, "connection reset by peer")
}

func TestPipeline_RecordsIssues(t *testing.T) {
	store := newMemStore()
	store.stock["mug"] = 0
	store.limits["SAVE10"] = 0
	p := newTestPipeline(t, store, &mockProvider{}, nil)

	res := p.Handle(context.Background(), paidEvent(t, "cs_1"))
	require.NoError(t, res.Err)
	assert.Equal(t, StateFulfilled, res.State)
	require.Len(t, res.Issues, 2)
	assert.Equal(t, IssueStockShortfall, res.Issues[0].Kind)
	assert.Equal(t, "mug", res.Issues[0].Ref)
	assert.Equal(t, IssueCouponRejected, res.Issues[1].Kind)

	assert.Len(t, store.orders, 1, "order is kept once payment was captured")
	assert.Equal(t, 3, store.stock["tee"])
	assert.Equal(t, 0, store.stock["mug"])
}

func TestPipeline_QuickBuyLeavesCartsAlone(t *testing.T) {
	store := newMemStore()
	carts := &mockInvalidator{}
	p := newTestPipeline(t, store, &mockProvider{}, carts)

	ev := paidEvent(t, "cs_1")
	ev.Metadata = testMetadata(t, "", "")

	res := p.Handle(context.Background(), ev)
	require.Equal(t, StateFulfilled, res.State)
	assert.Contains(t, store.carts, "cart-1")
	assert.Empty(t, carts.users)
	assert.Empty(t, store.usages)
}

func TestPipeline_IgnoredEvents(t *testing.T) {
	tests := []struct {
		name   string
		typ    payment.EventType
		status string
		want   State
	}{
		{"unrelated type", "payment_intent.created", payment.PaymentStatusPaid, StateIgnored},
		{"completed but unpaid", payment.EventCheckoutCompleted, "unpaid", StateIgnored},
		{"async payment settled", payment.EventAsyncPaymentSucceeded, "paid", StateFulfilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			p := newTestPipeline(t, store, &mockProvider{}, nil)

			ev := paidEvent(t, "cs_1")
			ev.Type = tt.typ
			ev.PaymentStatus = tt.status

			res := p.Handle(context.Background(), ev)
			assert.Equal(t, tt.want, res.State)
			if tt.want == StateIgnored {
				assert.Empty(t, store.orders)
				assert.Zero(t, store.commits)
			}
		})
	}
}

func TestPipeline_MalformedMetadata(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(t, store, &mockProvider{}, nil)

	ev := paidEvent(t, "cs_1")
	ev.Metadata = map[string]string{"user_id": "u1"}

	res := p.Handle(context.Background(), ev)
	assert.Equal(t, StateFailed, res.State)
	var stepErr *StepError
	require.ErrorAs(t, res.Err, &stepErr)
	assert.Equal(t, "decode_metadata", stepErr.Step)
	assert.Zero(t, store.commits)
	require.Len(t, store.issues, 1)
	assert.Equal(t, IssueFulfillmentFailed, store.issues[0].Kind)
	assert.Equal(t, "decode_metadata", store.issues[0].Ref)
}

func TestPipeline_HandleWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid signature has no side effects", func(t *testing.T) {
		store := newMemStore()
		p := newTestPipeline(t, store, &mockProvider{}, nil)

		res, err := p.HandleWebhook(ctx, []byte(`{}`), "forged")
		require.ErrorIs(t, err, payment.ErrInvalidSignature)
		assert.Nil(t, res)
		assert.Zero(t, store.commits)
	})

	t.Run("verified event is applied", func(t *testing.T) {
		store := newMemStore()
		provider := &mockProvider{events: map[string]*payment.Event{"good": paidEvent(t, "cs_1")}}
		p := newTestPipeline(t, store, provider, nil)

		res, err := p.HandleWebhook(ctx, []byte(`{}`), "good")
		require.NoError(t, err)
		assert.Equal(t, StateFulfilled, res.State)
	})

	t.Run("canceled request context still completes", func(t *testing.T) {
		store := newMemStore()
		provider := &mockProvider{events: map[string]*payment.Event{"good": paidEvent(t, "cs_1")}}
		p := newTestPipeline(t, store, provider, nil)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		res, err := p.HandleWebhook(cctx, []byte(`{}`), "good")
		require.NoError(t, err)
		assert.Equal(t, StateFulfilled, res.State)
		assert.Len(t, store.orders, 1)
	})
}
