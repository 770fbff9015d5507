package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	OTel     OTelConfig
	Redis    RedisConfig
	ArangoDB ArangoDBConfig
	Vendor   VendorConfig
	Ingest   IngestConfig
	Receipts ReceiptConfig
	Delivery DeliveryConfig
	Env      string
	Port     string
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

type RedisConfig struct {
	URL           string
	Group         string
	Consumer      string
	ReclaimIdle   time.Duration
	ReclaimEvery  time.Duration
	MaxDeliveries int64
}

type ArangoDBConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type VendorConfig struct {
	URL         string
	Timeout     time.Duration
	FailureRate float64
}

// BatchConfig sizes one batching consumer. Prefetch always equals Size.
type BatchConfig struct {
	Size    int
	Timeout time.Duration
}

type IngestConfig struct {
	Customers BatchConfig
	Orders    BatchConfig
}

type ReceiptConfig struct {
	Batch    BatchConfig
	DedupTTL time.Duration
}

type DeliveryConfig struct {
	Prefetch int
}

type ServiceType string

const (
	ServiceTypeWorker ServiceType = "worker"
	ServiceTypeVendor ServiceType = "vendor"
)

// Load loads configuration from environment variables.
// In development, it loads from service-specific .env files:
//   - .env.worker for the pipeline worker
//   - .env.vendor for the vendor simulator
//
// Falls back to .env if service-specific file doesn't exist.
func Load(serviceType ServiceType) (Config, error) {
	if getEnv("COURIER_ENV", "development") == "development" {
		envFile := fmt.Sprintf(".env.%s", serviceType)
		if err := godotenv.Load(envFile); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	defaultPort := "8081"
	if serviceType == ServiceTypeVendor {
		defaultPort = "8090"
	}

	cfg := Config{
		Env:  getEnv("COURIER_ENV", "development"),
		Port: getEnv("HTTP_PORT", defaultPort),
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "courier-"+string(serviceType)),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		Redis: RedisConfig{
			URL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Group:         getEnv("REDIS_CONSUMER_GROUP", "courier"),
			Consumer:      getEnv("REDIS_CONSUMER_NAME", hostnameOr("courier-worker")),
			ReclaimIdle:   getEnvDuration("RECLAIM_MIN_IDLE", 2*time.Minute),
			ReclaimEvery:  getEnvDuration("RECLAIM_INTERVAL", 30*time.Second),
			MaxDeliveries: int64(getEnvInt("MAX_DELIVERIES", 5)),
		},
		ArangoDB: ArangoDBConfig{
			URL:      getEnv("ARANGO_URL", "http://localhost:8529"),
			Username: getEnv("ARANGO_USERNAME", "root"),
			Password: getEnv("ARANGO_PASSWORD", ""),
			Database: getEnv("ARANGO_DATABASE", "courier"),
		},
		Vendor: VendorConfig{
			URL:         getEnv("VENDOR_URL", "http://localhost:8090"),
			Timeout:     getEnvDuration("VENDOR_TIMEOUT", 30*time.Second),
			FailureRate: getEnvFloat("VENDOR_FAILURE_RATE", 0.1),
		},
		Ingest: IngestConfig{
			Customers: BatchConfig{
				Size:    getEnvInt("CUSTOMER_BATCH_SIZE", 500),
				Timeout: getEnvDuration("CUSTOMER_BATCH_TIMEOUT", 2*time.Second),
			},
			Orders: BatchConfig{
				Size:    getEnvInt("ORDER_BATCH_SIZE", 500),
				Timeout: getEnvDuration("ORDER_BATCH_TIMEOUT", 2*time.Second),
			},
		},
		Receipts: ReceiptConfig{
			Batch: BatchConfig{
				Size:    getEnvInt("RECEIPT_BATCH_SIZE", 100),
				Timeout: getEnvDuration("RECEIPT_BATCH_TIMEOUT", 5*time.Second),
			},
			DedupTTL: getEnvDuration("RECEIPT_DEDUP_TTL", 72*time.Hour),
		},
		Delivery: DeliveryConfig{
			Prefetch: getEnvInt("DELIVERY_PREFETCH", 10),
		},
	}

	if err := cfg.validate(serviceType); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate(serviceType ServiceType) error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if serviceType == ServiceTypeVendor {
		if c.Vendor.FailureRate < 0 || c.Vendor.FailureRate > 1 {
			return fmt.Errorf("VENDOR_FAILURE_RATE must be between 0 and 1")
		}
		return nil
	}

	if !c.ArangoDB.Enabled() {
		return fmt.Errorf("ARANGO_URL, ARANGO_USERNAME and ARANGO_DATABASE are required")
	}
	for name, b := range map[string]BatchConfig{
		"CUSTOMER": c.Ingest.Customers,
		"ORDER":    c.Ingest.Orders,
		"RECEIPT":  c.Receipts.Batch,
	} {
		if b.Size <= 0 || b.Timeout <= 0 {
			return fmt.Errorf("%s_BATCH_SIZE and %s_BATCH_TIMEOUT must be positive", name, name)
		}
	}
	if c.Delivery.Prefetch <= 0 {
		return fmt.Errorf("DELIVERY_PREFETCH must be positive")
	}
	if c.Redis.MaxDeliveries <= 0 {
		return fmt.Errorf("MAX_DELIVERIES must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c ArangoDBConfig) Enabled() bool {
	return c.URL != "" && c.Username != "" && c.Database != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Consumer names must be stable across restarts so the reclaimer can find
// this process's own pending entries.
func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
