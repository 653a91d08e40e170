package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (STOREFRONT_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (STOREFRONT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for admin API key hashing" flag:"api-key-pepper"`
	Currency     string `default:"usd" usage:"ISO currency code charged at checkout"`
	Stripe       StripeConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Fulfillment  FulfillmentConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// StripeConfig holds payment provider credentials and redirect targets.
type StripeConfig struct {
	SecretKey     string `usage:"Stripe secret API key" flag:"stripe-secret-key"`
	WebhookSecret string `usage:"Stripe webhook signing secret" flag:"stripe-webhook-secret"`
	SuccessURL    string `default:"http://localhost:3000/checkout/success?session_id={CHECKOUT_SESSION_ID}" usage:"Redirect after payment"`
	CancelURL     string `default:"http://localhost:3000/cart" usage:"Redirect after an abandoned payment"`
}

// RedisConfig enables the cart cache and the shared negotiation rate limit.
// An empty Addr disables both.
type RedisConfig struct {
	Addr     string        `default:"" usage:"Redis address (host:port)"`
	Password string        `default:"" usage:"Redis password"`
	DB       int           `default:"0" usage:"Redis database number"`
	TTL      time.Duration `default:"15m" usage:"Cart cache entry lifetime"`
}

// KafkaConfig enables the order event relay. No brokers disables it.
type KafkaConfig struct {
	Brokers      []string      `usage:"Kafka bootstrap brokers"`
	Topic        string        `default:"storefront.orders" usage:"Topic for order events"`
	PollInterval time.Duration `default:"1s" usage:"Outbox poll interval"`
	BatchSize    int           `default:"100" usage:"Outbox records published per poll"`
}

// FulfillmentConfig tunes retries of the order commit.
type FulfillmentConfig struct {
	MaxAttempts    uint64        `default:"5" usage:"Commit attempts on transient errors"`
	InitialBackoff time.Duration `default:"200ms" usage:"First retry delay"`
	Timeout        time.Duration `default:"30s" usage:"Upper bound for handling one payment event"`
}

// RateLimitConfig caps negotiation attempts per user.
type RateLimitConfig struct {
	Negotiations int           `default:"10" usage:"Negotiation attempts per user per window"`
	Window       time.Duration `default:"1m" usage:"Negotiation rate limit window"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	AllowOrigins     []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOREFRONT",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set STOREFRONT_DATABASE_URL or DATABASE_URL")
	case c.Stripe.WebhookSecret == "":
		return errors.New("stripe webhook secret is required: set STOREFRONT_STRIPE_WEBHOOK_SECRET")
	case c.RateLimit.Negotiations < 1:
		return errors.Errorf("negotiation rate limit must be at least 1, got %d", c.RateLimit.Negotiations)
	case c.RateLimit.Window <= 0:
		return errors.New("negotiation rate limit window must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's STOREFRONT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
