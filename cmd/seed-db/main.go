package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/internal/storage/postgres"
)

type productJSON struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Image           string           `json:"image"`
	Price           decimal.Decimal  `json:"price"`
	DiscountedPrice *decimal.Decimal `json:"discountedPrice"`
	Stock           int              `json:"stock"`
	Active          *bool            `json:"isActive"`
	Attributes      struct {
		Sizes  []string `json:"sizes"`
		Colors []string `json:"colors"`
	} `json:"attributes"`
	NegotiationEnabled bool            `json:"negotiationEnabled"`
	HiddenBottomPrice  decimal.Decimal `json:"hiddenBottomPrice"`
}

type couponJSON struct {
	Code          string           `json:"code"`
	DiscountType  string           `json:"discountType"`
	DiscountValue decimal.Decimal  `json:"discountValue"`
	MaxDiscount   *decimal.Decimal `json:"maxDiscount"`
	MinPurchase   decimal.Decimal  `json:"minPurchase"`
	ExpiresAt     *time.Time       `json:"expiresAt"`
	UsageLimit    *int             `json:"usageLimit"`
	OnePerUser    bool             `json:"onePerUser"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
		couponsFile  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&couponsFile, "coupons-file", "db/seed/coupons.json", "path to coupons JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or STOREFRONT_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STOREFRONT_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("STOREFRONT_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or STOREFRONT_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("STOREFRONT_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, couponsFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, couponsFile, apiKey, pepper string) error {
	slog.Info("running migrations")

	if err := postgres.Migrate(databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := seedProducts(ctx, pool, productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedCoupons(ctx, pool, couponsFile); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func seedProducts(ctx context.Context, pool *pgxpool.Pool, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	var products []productJSON
	if err := readJSON(productsFile, &products); err != nil {
		return err
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	repo := postgres.NewProductRepository(pool)
	for _, p := range products {
		active := p.Active == nil || *p.Active
		if err := repo.Upsert(ctx, &product.Product{
			ID:                 p.ID,
			Name:               p.Name,
			Description:        p.Description,
			Image:              p.Image,
			Price:              p.Price,
			DiscountedPrice:    p.DiscountedPrice,
			Stock:              p.Stock,
			Active:             active,
			Sizes:              p.Attributes.Sizes,
			Colors:             p.Attributes.Colors,
			NegotiationEnabled: p.NegotiationEnabled,
			HiddenBottomPrice:  p.HiddenBottomPrice,
		}); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}

func seedCoupons(ctx context.Context, pool *pgxpool.Pool, couponsFile string) error {
	slog.Info("reading coupons file", slog.String("path", couponsFile))

	var coupons []couponJSON
	if err := readJSON(couponsFile, &coupons); err != nil {
		return err
	}

	repo := postgres.NewCouponRepository(pool)
	for _, c := range coupons {
		discountType, err := coupon.ParseDiscountType(c.DiscountType)
		if err != nil {
			return errors.Wrapf(err, "coupon %s", c.Code)
		}
		offer := coupon.Offer{Type: discountType, Value: c.DiscountValue, MaxDiscount: c.MaxDiscount}
		if err := offer.Validate(); err != nil {
			return errors.Wrapf(err, "coupon %s", c.Code)
		}

		code := coupon.NormalizeCode(c.Code)
		if err := repo.Upsert(ctx, &coupon.Coupon{
			Code:        code,
			Offer:       offer,
			MinPurchase: c.MinPurchase,
			ExpiresAt:   c.ExpiresAt,
			UsageLimit:  c.UsageLimit,
			OnePerUser:  c.OnePerUser,
			Active:      true,
			Source:      coupon.SourceManual,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", code)
		}

		slog.Info("upserted coupon", slog.String("code", code), slog.String("type", string(discountType)))
	}

	return nil
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	if err := postgres.NewAPIKeyRepository(pool).Upsert(ctx, &auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{auth.ScopeManageCoupons},
	}); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", "default"), slog.String("name", "Default admin key"))

	return nil
}
