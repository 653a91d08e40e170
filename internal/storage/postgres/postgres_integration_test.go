//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go/modules/compose"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/fulfillment"
	"github.com/xenking/storefront/internal/domain/inventory"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/internal/events"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dc, err := tc.NewDockerCompose("testdata/docker-compose.yml")
	if err != nil {
		log.Fatalf("compose init: %v", err)
	}
	defer func() {
		_ = dc.Down(context.Background(), tc.RemoveOrphans(true), tc.RemoveVolumes(true))
	}()

	err = dc.
		WaitForService("postgres", wait.ForLog("database system is ready to accept connections").WithOccurrence(2)).
		Up(ctx, tc.Wait(true))
	if err != nil {
		log.Fatalf("compose up: %v", err)
	}

	pg, err := dc.ServiceContainer(ctx, "postgres")
	if err != nil {
		log.Fatalf("postgres container: %v", err)
	}
	host, err := pg.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("postgres://storefront:storefront@%s:%s/storefront?sslmode=disable", host, port.Port())

	if err := Migrate(url); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	testPool, err = NewPool(ctx, url)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	return m.Run()
}

// --- Helpers ---

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func seedProduct(t *testing.T, stock int) *product.Product {
	t.Helper()
	p := &product.Product{
		ID:     "p-" + uuid.NewString()[:8],
		Name:   "Tee",
		Price:  d("25.00"),
		Stock:  stock,
		Active: true,
		Sizes:  []string{"M", "L"},
	}
	require.NoError(t, NewProductRepository(testPool).Upsert(context.Background(), p))
	return p
}

func seedCoupon(t *testing.T, limit *int, source coupon.Source) *coupon.Coupon {
	t.Helper()
	c := &coupon.Coupon{
		Code:       "T" + uuid.NewString()[:8],
		Offer:      coupon.Offer{Type: coupon.Percentage, Value: d("10")},
		UsageLimit: limit,
		OnePerUser: true,
		Active:     true,
		Source:     source,
	}
	require.NoError(t, NewCouponRepository(testPool).Create(context.Background(), c))
	return c
}

func testPlan(p *product.Product, qty int, couponCode, cartID string) *fulfillment.Plan {
	sessionID := "cs_" + uuid.NewString()
	items := []order.Item{{ProductID: p.ID, Name: p.Name, Price: p.Price, Quantity: qty, Size: "M"}}
	plan := &fulfillment.Plan{
		Order: order.Build(order.BuildRequest{
			SessionID:     sessionID,
			UserID:        "u1",
			CouponCode:    couponCode,
			Items:         items,
			AmountCharged: p.Price.Mul(decimal.NewFromInt(int64(qty))),
			Now:           time.Now(),
		}),
		CartID: cartID,
		Lines:  []inventory.Line{{ProductID: p.ID, Name: p.Name, Quantity: qty}},
	}
	if couponCode != "" {
		plan.Coupon = &fulfillment.CouponUse{
			Code:  couponCode,
			Usage: coupon.Usage{UserID: "u1", SessionID: sessionID, UsedAt: time.Now()},
		}
	}
	return plan
}

// --- Tests ---

func TestProductRepository_Decrement(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(testPool)
	p := seedProduct(t, 3)

	require.NoError(t, repo.Decrement(ctx, p.ID, 3))
	require.ErrorIs(t, repo.Decrement(ctx, p.ID, 1), inventory.ErrOversell)

	stock, err := repo.Available(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, stock)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"M", "L"}, got.Sizes)
	assert.Nil(t, got.DiscountedPrice)

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestProductRepository_ConcurrentDecrementNeverOversells(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(testPool)
	p := seedProduct(t, 5)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if repo.Decrement(ctx, p.ID, 1) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	stock, err := repo.Available(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, stock)
}

func TestCouponRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	limit := 2
	c := seedCoupon(t, &limit, coupon.SourceManual)

	require.ErrorIs(t, repo.Create(ctx, &coupon.Coupon{
		Code:   c.Code,
		Offer:  coupon.Offer{Type: coupon.Fixed, Value: d("5")},
		Active: true,
	}), coupon.ErrCodeTaken)

	use := func(user, session string) error {
		return repo.RecordUsage(ctx, c.Code, coupon.Usage{UserID: user, SessionID: session, UsedAt: time.Now()})
	}
	require.NoError(t, use("u1", "s1"))
	require.NoError(t, use("u1", "s1"), "same session is idempotent")
	require.ErrorIs(t, use("u1", "s2"), coupon.ErrAlreadyUsed)
	require.NoError(t, use("u2", "s3"))
	require.ErrorIs(t, use("u3", "s4"), coupon.ErrUsageLimitReached)

	got, err := repo.FindByCode(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsedCount)
	assert.Len(t, got.UsedBy, 2)
	assert.True(t, got.UsedByUser("u2"))

	require.NoError(t, repo.SetActive(ctx, c.Code, false))
	_, err = repo.FindActiveByCode(ctx, c.Code)
	require.ErrorIs(t, err, coupon.ErrNotFound)
	require.ErrorIs(t, repo.SetActive(ctx, "NOPE", false), coupon.ErrNotFound)
}

func TestCartRepository_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewCartRepository(testPool)
	userID := "u-" + uuid.NewString()

	_, err := repo.Get(ctx, userID)
	require.ErrorIs(t, err, cart.ErrNotFound)

	maxOff := d("5")
	c := &cart.Cart{
		ID:     uuid.NewString(),
		UserID: userID,
		Items:  []cart.LineItem{{ID: "l1", ProductID: "p1", Name: "Tee", Price: d("25"), Quantity: 1, Size: "M"}},
		Coupon: &cart.AppliedCoupon{Code: "SAVE10", Offer: coupon.Offer{Type: coupon.Percentage, Value: d("10"), MaxDiscount: &maxOff}},
	}
	require.NoError(t, repo.Save(ctx, c))
	assert.Equal(t, int64(1), c.Version)

	a, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	b, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, a.Coupon)
	require.NotNil(t, a.Coupon.Offer.MaxDiscount)
	assert.True(t, maxOff.Equal(*a.Coupon.Offer.MaxDiscount))
	assert.True(t, d("25").Equal(a.Items[0].Price))

	a.Items[0].Quantity = 2
	require.NoError(t, repo.Save(ctx, a))
	b.Items[0].Quantity = 5
	require.ErrorIs(t, repo.Save(ctx, b), cart.ErrConflict)

	dup := &cart.Cart{ID: uuid.NewString(), UserID: userID}
	require.ErrorIs(t, repo.Save(ctx, dup), cart.ErrConflict)
}

func TestFulfillmentStore_Commit(t *testing.T) {
	ctx := context.Background()
	store := NewFulfillmentStore(testPool)
	carts := NewCartRepository(testPool)
	p := seedProduct(t, 5)
	limit := 1
	c := seedCoupon(t, &limit, coupon.SourceNegotiation)

	userCart := &cart.Cart{ID: uuid.NewString(), UserID: "u-" + uuid.NewString(), Items: []cart.LineItem{{ID: "l1", ProductID: p.ID, Quantity: 2, Price: p.Price}}}
	require.NoError(t, carts.Save(ctx, userCart))

	plan := testPlan(p, 2, c.Code, userCart.ID)
	out, err := store.Commit(ctx, plan)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Empty(t, out.Issues)
	assert.True(t, out.CouponDeactivated)

	stock, err := NewProductRepository(testPool).Available(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stock)

	cleared, err := carts.Get(ctx, userCart.UserID)
	require.NoError(t, err)
	assert.Empty(t, cleared.Items)

	got, err := store.OrderBySession(ctx, plan.Order.SessionID)
	require.NoError(t, err)
	assert.Equal(t, plan.Order.ID, got.ID)
	assert.Equal(t, order.StatusPaid, got.Status)

	again, err := store.Commit(ctx, plan)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	stock, err = NewProductRepository(testPool).Available(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stock, "duplicate commit must not decrement twice")

	pending, err := NewOutbox(testPool).FetchPending(ctx, 1000)
	require.NoError(t, err)
	var found []events.Record
	for _, r := range pending {
		if r.Key == plan.Order.SessionID {
			found = append(found, r)
		}
	}
	require.Len(t, found, 1)
	assert.Equal(t, events.TypeOrderFulfilled, found[0].Type)
	require.NoError(t, NewOutbox(testPool).MarkSent(ctx, []string{found[0].ID}))
}

func TestFulfillmentStore_RecordsIssues(t *testing.T) {
	ctx := context.Background()
	store := NewFulfillmentStore(testPool)
	p := seedProduct(t, 1)
	limit := 1
	c := seedCoupon(t, &limit, coupon.SourceManual)

	first := testPlan(p, 1, c.Code, "")
	_, err := store.Commit(ctx, first)
	require.NoError(t, err)

	second := testPlan(p, 1, c.Code, uuid.NewString())
	second.Order.UserID = "u2"
	second.Coupon.Usage.UserID = "u2"
	out, err := store.Commit(ctx, second)
	require.NoError(t, err)
	require.Len(t, out.Issues, 3)
	assert.Equal(t, fulfillment.IssueStockShortfall, out.Issues[0].Kind)
	assert.Equal(t, fulfillment.IssueCouponRejected, out.Issues[1].Kind)
	assert.Equal(t, fulfillment.IssueCartMissing, out.Issues[2].Kind)

	_, err = store.OrderBySession(ctx, second.Order.SessionID)
	require.NoError(t, err, "order is created despite issues")

	var n int
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT count(*) FROM fulfillment_issues WHERE session_id = $1`, second.Order.SessionID).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestFulfillmentStore_RecordIssue(t *testing.T) {
	ctx := context.Background()
	store := NewFulfillmentStore(testPool)
	sessionID := "cs_" + uuid.NewString()

	err := store.RecordIssue(ctx, sessionID, fulfillment.Issue{
		Kind:   fulfillment.IssueFulfillmentFailed,
		Ref:    "commit",
		Detail: "connection reset by peer",
	})
	require.NoError(t, err)

	var kind, ref, detail string
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT kind, ref, detail FROM fulfillment_issues WHERE session_id = $1`, sessionID).Scan(&kind, &ref, &detail))
	assert.Equal(t, "fulfillment_failed", kind)
	assert.Equal(t, "commit", ref)
	assert.Equal(t, "connection reset by peer", detail)
}
