package cart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/inventory"
	"github.com/xenking/storefront/internal/domain/product"
)

// --- Mock implementations ---

type memCartRepo struct {
	mu        sync.Mutex
	byUser    map[string]Cart
	conflicts int
	saves     int
}

func newMemCartRepo() *memCartRepo {
	return &memCartRepo{byUser: make(map[string]Cart)}
}

func (m *memCartRepo) Get(_ context.Context, userID string) (*Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c.Items = append([]LineItem(nil), c.Items...)
	return &c, nil
}

func (m *memCartRepo) Save(_ context.Context, c *Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return ErrConflict
	}
	stored, ok := m.byUser[c.UserID]
	if ok && stored.Version != c.Version || !ok && c.Version != 0 {
		return ErrConflict
	}
	c.Version++
	cp := *c
	cp.Items = append([]LineItem(nil), c.Items...)
	m.byUser[c.UserID] = cp
	m.saves++
	return nil
}

type mockProductRepo struct {
	byID map[string]*product.Product
}

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*product.Product, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	var out []product.Product
	seen := map[string]bool{}
	for _, id := range ids {
		if p, ok := m.byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, *p)
		}
	}
	return out, nil
}

type mockCouponLookup struct {
	byCode map[string]*coupon.Coupon
}

func (m *mockCouponLookup) Find(_ context.Context, code string) (*coupon.Coupon, error) {
	c, ok := m.byCode[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return c, nil
}

// --- Helpers ---

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memCartRepo, *mockProductRepo) {
	t.Helper()
	sale := d("25")
	products := &mockProductRepo{byID: map[string]*product.Product{
		"tee": {
			ID: "tee", Name: "Tee", Price: d("30"), DiscountedPrice: &sale,
			Stock: 5, Active: true, Sizes: []string{"S", "M"}, Colors: []string{"black"},
		},
		"mug":  {ID: "mug", Name: "Mug", Price: d("12.50"), Stock: 10, Active: true},
		"gone": {ID: "gone", Name: "Retired", Price: d("9"), Stock: 10, Active: false},
	}}
	coupons := &mockCouponLookup{byCode: map[string]*coupon.Coupon{
		"TENOFF": {Code: "TENOFF", Offer: coupon.Offer{Type: coupon.Fixed, Value: d("10")}, MinPurchase: d("20"), Active: true},
		"USED": {
			Code: "USED", Offer: coupon.Offer{Type: coupon.Fixed, Value: d("1")}, Active: true,
			OnePerUser: true, UsedBy: []coupon.Usage{{UserID: "u1"}},
		},
		"OLD": {Code: "OLD", Offer: coupon.Offer{Type: coupon.Fixed, Value: d("1")}, Active: false},
	}}
	repo := newMemCartRepo()
	s := NewService(repo, products, coupons)
	s.now = func() time.Time { return fixedNow }
	return s, repo, products
}

// --- Tests ---

func TestService_AddItem(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshots effective price and merges by key", func(t *testing.T) {
		s, repo, _ := newTestService(t)

		_, err := s.AddItem(ctx, "u1", ItemRequest{ProductID: "tee", Quantity: 1, Size: "M", Color: "black"})
		require.NoError(t, err)
		c, err := s.AddItem(ctx, "u1", ItemRequest{ProductID: "tee", Quantity: 2, Size: "M", Color: "black"})
		require.NoError(t, err)

		require.Len(t, c.Items, 1)
		assert.Equal(t, 3, c.Items[0].Quantity)
		assert.True(t, d("25").Equal(c.Items[0].Price))
		assert.Equal(t, int64(2), c.Version)
		assert.Equal(t, 2, repo.saves)

		c, err = s.AddItem(ctx, "u1", ItemRequest{ProductID: "tee", Quantity: 1, Size: "S", Color: "black"})
		require.NoError(t, err)
		assert.Len(t, c.Items, 2)
	})

	t.Run("stock counts every variant of the product", func(t *testing.T) {
		s, _, _ := newTestService(t)

		_, err := s.AddItem(ctx, "u1", ItemRequest{ProductID: "tee", Quantity: 4, Size: "M", Color: "black"})
		require.NoError(t, err)

		_, err = s.AddItem(ctx, "u1", ItemRequest{ProductID: "tee", Quantity: 2, Size: "S", Color: "black"})
		var short *inventory.InsufficientStockError
		require.ErrorAs(t, err, &short)
		assert.Equal(t, 5, short.Available)
	})

	tests := []struct {
		name  string
		req   ItemRequest
		check func(t *testing.T, err error)
	}{
		{
			name: "zero quantity",
			req:  ItemRequest{ProductID: "mug", Quantity: 0},
			check: func(t *testing.T, err error) {
				var e *InvalidQuantityError
				require.ErrorAs(t, err, &e)
			},
		},
		{
			name: "unknown product",
			req:  ItemRequest{ProductID: "nope", Quantity: 1},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, product.ErrNotFound)
			},
		},
		{
			name: "inactive product",
			req:  ItemRequest{ProductID: "gone", Quantity: 1},
			check: func(t *testing.T, err error) {
				var e *product.UnavailableError
				require.ErrorAs(t, err, &e)
			},
		},
		{
			name: "missing size",
			req:  ItemRequest{ProductID: "tee", Quantity: 1, Color: "black"},
			check: func(t *testing.T, err error) {
				var e *InvalidVariantError
				require.ErrorAs(t, err, &e)
				assert.Equal(t, "size", e.Field)
			},
		},
		{
			name: "size on product without sizes",
			req:  ItemRequest{ProductID: "mug", Quantity: 1, Size: "XL"},
			check: func(t *testing.T, err error) {
				var e *InvalidVariantError
				require.ErrorAs(t, err, &e)
			},
		},
		{
			name: "no product id",
			req:  ItemRequest{Quantity: 1},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrProductRequired)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, repo, _ := newTestService(t)
			_, err := s.AddItem(ctx, "u1", tt.req)
			tt.check(t, err)
			assert.Equal(t, 0, repo.saves)
		})
	}
}

func TestService_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()

	s, repo, _ := newTestService(t)
	repo.conflicts = 2

	c, err := s.AddItem(ctx, "u1", ItemRequest{ProductID: "mug", Quantity: 1})
	require.NoError(t, err)
	assert.Len(t, c.Items, 1)

	repo.conflicts = 3
	_, err = s.AddItem(ctx, "u1", ItemRequest{ProductID: "mug", Quantity: 1})
	require.ErrorIs(t, err, ErrConflict)
}

func TestService_ConcurrentAddsAllLand(t *testing.T) {
	ctx := context.Background()
	s, _, products := newTestService(t)
	products.byID["mug"].Stock = 100
	s.maxAttempts = 50

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddItem(ctx, "u1", ItemRequest{ProductID: "mug", Quantity: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 8, c.Items[0].Quantity)
}

func TestService_UpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService(t)

	c, err := s.AddItem(ctx, "u1", ItemRequest{ProductID: "mug", Quantity: 1})
	require.NoError(t, err)
	lineID := c.Items[0].ID

	c, err = s.UpdateItem(ctx, "u1", lineID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Items[0].Quantity)

	_, err = s.UpdateItem(ctx, "u1", lineID, 11)
	var short *inventory.InsufficientStockError
	require.ErrorAs(t, err, &short)

	_, err = s.UpdateItem(ctx, "u1", lineID, 0)
	var qtyErr *InvalidQuantityError
	require.ErrorAs(t, err, &qtyErr)

	_, err = s.UpdateItem(ctx, "u1", "missing", 1)
	require.ErrorIs(t, err, ErrLineNotFound)

	c, err = s.RemoveItem(ctx, "u1", lineID)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
}

func TestService_Coupons(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService(t)

	_, err := s.ApplyCoupon(ctx, "u1", "TENOFF")
	require.ErrorIs(t, err, ErrEmpty)

	_, err = s.AddItem(ctx, "u1", ItemRequest{ProductID: "mug", Quantity: 1})
	require.NoError(t, err)

	_, err = s.ApplyCoupon(ctx, "u1", "tenoff")
	var minErr *coupon.MinimumNotMetError
	require.ErrorAs(t, err, &minErr)

	_, err = s.AddItem(ctx, "u1", ItemRequest{ProductID: "mug", Quantity: 1})
	require.NoError(t, err)

	c, err := s.ApplyCoupon(ctx, "u1", "tenoff")
	require.NoError(t, err)
	require.NotNil(t, c.Coupon)
	assert.Equal(t, "TENOFF", c.Coupon.Code)
	assert.Equal(t, fixedNow, c.Coupon.AppliedAt)

	p := Price(c)
	assert.True(t, d("25").Equal(p.Subtotal))
	assert.True(t, d("10").Equal(p.Discount))
	assert.True(t, d("15").Equal(p.Total))

	_, err = s.ApplyCoupon(ctx, "u1", "USED")
	require.ErrorIs(t, err, coupon.ErrAlreadyUsed)

	_, err = s.ApplyCoupon(ctx, "u1", "NOPE")
	require.ErrorIs(t, err, coupon.ErrNotFound)

	_, err = s.ApplyCoupon(ctx, "u1", "old")
	require.ErrorIs(t, err, coupon.ErrInactive)

	c, err = s.RemoveCoupon(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, c.Coupon)

	c, err = s.Clear(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, c.Items)
}

func TestService_Sync(t *testing.T) {
	ctx := context.Background()
	s, _, products := newTestService(t)

	_, err := s.AddItem(ctx, "u1", ItemRequest{ProductID: "tee", Quantity: 2, Size: "M", Color: "black"})
	require.NoError(t, err)

	// Price drops after the line was added.
	products.byID["tee"].DiscountedPrice = nil
	products.byID["tee"].Price = d("20")

	c, skipped, err := s.Sync(ctx, "u1", []ItemRequest{
		{ProductID: "tee", Quantity: 5, Size: "M", Color: "black"},
		{ProductID: "mug", Quantity: 1},
		{ProductID: "gone", Quantity: 1},
		{ProductID: "nope", Quantity: 1},
		{ProductID: "tee", Quantity: 1, Size: "XXL", Color: "black"},
	})
	require.NoError(t, err)

	require.Len(t, c.Items, 2)
	tee := c.Items[0]
	assert.Equal(t, "tee", tee.ProductID)
	assert.Equal(t, 5, tee.Quantity, "clamped to stock")
	assert.True(t, d("20").Equal(tee.Price), "price re-snapshotted")
	assert.Equal(t, "mug", c.Items[1].ProductID)

	reasons := map[string]string{}
	for _, sk := range skipped {
		reasons[sk.ProductID] = sk.Reason
	}
	assert.Contains(t, reasons, "gone")
	assert.Contains(t, reasons, "nope")
	assert.Contains(t, reasons["tee"], "size")
}
