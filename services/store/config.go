package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every knob of the store service. Values are read from an
// optional YAML file first and environment variables win over it.
type Config struct {
	ServiceName string `yaml:"service_name"`
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`

	Database struct {
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		Name     string `yaml:"name"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`

	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`

	Checkout struct {
		ShippingFee           string        `yaml:"shipping_fee"`
		FreeShippingThreshold string        `yaml:"free_shipping_threshold"`
		PriceEpsilon          string        `yaml:"price_epsilon"`
		ReservationTTL        time.Duration `yaml:"reservation_ttl"`
		Currency              string        `yaml:"currency"`
	} `yaml:"checkout"`

	MercadoPago struct {
		BaseURL         string `yaml:"base_url"`
		AccessToken     string `yaml:"access_token"`
		NotificationURL string `yaml:"notification_url"`
		SuccessURL      string `yaml:"success_url"`
		FailureURL      string `yaml:"failure_url"`
		PendingURL      string `yaml:"pending_url"`
	} `yaml:"mercadopago"`

	Email struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		From    string `yaml:"from"`
	} `yaml:"email"`

	PriceFeedURL string        `yaml:"price_feed_url"`
	QuoteTTL     time.Duration `yaml:"quote_ttl"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		GoogleClientID string        `yaml:"google_client_id"`
		GoogleInfoURL  string        `yaml:"google_info_url"`
		AdminEmail     string        `yaml:"admin_email"`
		AdminPassword  string        `yaml:"admin_password"`
	} `yaml:"auth"`

	RateLimit struct {
		RequestsPerSecond int `yaml:"requests_per_second"`
		Burst             int `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// LoadConfig reads CONFIG_FILE (when set), then applies env overrides and
// defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", or(c.ServiceName, "recirculate-store"))
	c.Port = getEnv("PORT", or(c.Port, "8080"))
	c.LogLevel = getEnv("LOG_LEVEL", or(c.LogLevel, "info"))

	c.Database.User = getEnv("DATABASE_USER", or(c.Database.User, "root"))
	c.Database.Password = getEnv("DATABASE_PASSWORD", or(c.Database.Password, "pass"))
	c.Database.Host = getEnv("DATABASE_HOST", or(c.Database.Host, "localhost"))
	c.Database.Port = getEnv("DATABASE_PORT", or(c.Database.Port, "5432"))
	c.Database.Name = getEnv("DATABASE_NAME", or(c.Database.Name, "recirculate"))
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = int32(getEnvInt("DATABASE_MAX_CONNS", 10))
	}

	c.MongoURI = getEnv("MONGO_URI", c.MongoURI)
	c.MongoDatabase = getEnv("MONGO_DATABASE", or(c.MongoDatabase, "recirculate"))
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", or(c.OTLPEndpoint, "localhost:4318"))

	c.Checkout.ShippingFee = getEnv("SHIPPING_FEE", or(c.Checkout.ShippingFee, "1500"))
	c.Checkout.FreeShippingThreshold = getEnv("FREE_SHIPPING_THRESHOLD", or(c.Checkout.FreeShippingThreshold, "30000"))
	c.Checkout.PriceEpsilon = getEnv("PRICE_EPSILON", or(c.Checkout.PriceEpsilon, "0.01"))
	c.Checkout.ReservationTTL = getEnvDuration("RESERVATION_TTL", orDuration(c.Checkout.ReservationTTL, 30*time.Minute))
	c.Checkout.Currency = getEnv("CHECKOUT_CURRENCY", or(c.Checkout.Currency, DefaultCurrency))

	c.MercadoPago.BaseURL = getEnv("MP_BASE_URL", or(c.MercadoPago.BaseURL, "https://api.mercadopago.com"))
	c.MercadoPago.AccessToken = getEnv("MP_ACCESS_TOKEN", c.MercadoPago.AccessToken)
	c.MercadoPago.NotificationURL = getEnv("MP_NOTIFICATION_URL", c.MercadoPago.NotificationURL)
	c.MercadoPago.SuccessURL = getEnv("MP_SUCCESS_URL", or(c.MercadoPago.SuccessURL, "http://localhost:3000/checkout/success"))
	c.MercadoPago.FailureURL = getEnv("MP_FAILURE_URL", or(c.MercadoPago.FailureURL, "http://localhost:3000/checkout/failure"))
	c.MercadoPago.PendingURL = getEnv("MP_PENDING_URL", or(c.MercadoPago.PendingURL, "http://localhost:3000/checkout/pending"))

	c.Email.BaseURL = getEnv("EMAIL_API_URL", or(c.Email.BaseURL, "https://api.resend.com"))
	c.Email.APIKey = getEnv("EMAIL_API_KEY", c.Email.APIKey)
	c.Email.From = getEnv("EMAIL_FROM", or(c.Email.From, "Recirculate <ventas@recirculate.com.ar>"))

	c.PriceFeedURL = getEnv("PRICE_FEED_URL", or(c.PriceFeedURL, "https://api.coingecko.com/api/v3"))
	c.QuoteTTL = getEnvDuration("QUOTE_TTL", orDuration(c.QuoteTTL, time.Minute))

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenTTL = getEnvDuration("TOKEN_TTL", orDuration(c.Auth.TokenTTL, 24*time.Hour))
	c.Auth.GoogleClientID = getEnv("GOOGLE_CLIENT_ID", c.Auth.GoogleClientID)
	c.Auth.GoogleInfoURL = getEnv("GOOGLE_TOKENINFO_URL", or(c.Auth.GoogleInfoURL, "https://oauth2.googleapis.com"))
	c.Auth.AdminEmail = getEnv("ADMIN_EMAIL", c.Auth.AdminEmail)
	c.Auth.AdminPassword = getEnv("ADMIN_PASSWORD", c.Auth.AdminPassword)

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = getEnvInt("RATE_LIMIT_RPS", 5)
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", 10)
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	for name, value := range map[string]string{
		"shipping_fee":            c.Checkout.ShippingFee,
		"free_shipping_threshold": c.Checkout.FreeShippingThreshold,
		"price_epsilon":           c.Checkout.PriceEpsilon,
	} {
		if _, err := decimal.NewFromString(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}
	return nil
}

// CheckoutRules converts the textual checkout settings into amounts.
func (c *Config) CheckoutRules() CheckoutRules {
	return CheckoutRules{
		ShippingFee:           decimal.RequireFromString(c.Checkout.ShippingFee),
		FreeShippingThreshold: decimal.RequireFromString(c.Checkout.FreeShippingThreshold),
		PriceEpsilon:          decimal.RequireFromString(c.Checkout.PriceEpsilon),
		Currency:              c.Checkout.Currency,
	}
}

// DSN builds the postgres connection string shared by pgxpool and the
// migration runner.
func (c *Config) DSN() string {
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     net.JoinHostPort(c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.Name,
		RawQuery: "sslmode=disable",
	}
	return dsn.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orDuration(value, fallback time.Duration) time.Duration {
	if value != 0 {
		return value
	}
	return fallback
}
