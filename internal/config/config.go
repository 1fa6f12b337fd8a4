package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogMode string
	// LogSalt keys the hashes that stand in for identities in logs.
	LogSalt string

	HTTPPort           string
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration
	MaxRequestBodySize int64
	RateLimitRPS       float64
	RateLimitBurst     int

	MongoURI    string
	MongoDBName string
	// StoreBackend is "mongo" or "memory"; memory is meant for local runs only.
	StoreBackend string

	RedisAddr     string
	RedisPassword string
	// LockBackend is "local" for a single replica or "redis" when several replicas share the store.
	LockBackend string
	LockLease   time.Duration

	KafkaBrokers   []string
	CartEventTopic string
	CheckoutTopic  string
	CheckoutGroup  string

	CatalogDriver string
	CatalogDSN    string

	JWTSecret         string
	SessionHeader     string
	SessionCookie     string
	GuestCartTTL      time.Duration
	LogoutMarkerTTL   time.Duration
	StoreTimeout      time.Duration
	MutationBudget    time.Duration
	SweepInterval     time.Duration
	SweepIdleEmpty    time.Duration
	NotifierQueueSize int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env file: %v", err)
	}

	return &Config{
		LogMode: getEnv("LOG_MODE", "development"),
		LogSalt: getEnv("LOG_SALT", ""),

		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		RequestTimeout:     getDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxRequestBodySize: 1 << 20, // 1MB
		RateLimitRPS:       getFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getInt("RATE_LIMIT_BURST", 40),

		MongoURI:     getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:  getEnv("MONGO_DB_NAME", "cartdb"),
		StoreBackend: getEnv("STORE_BACKEND", "mongo"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		LockBackend:   getEnv("LOCK_BACKEND", "local"),
		LockLease:     getDuration("LOCK_LEASE", 5*time.Second),

		KafkaBrokers:   getList("KAFKA_BROKERS", nil),
		CartEventTopic: getEnv("CART_EVENTS_TOPIC", "cart-events"),
		CheckoutTopic:  getEnv("CHECKOUT_TOPIC", "checkout-outbox"),
		CheckoutGroup:  getEnv("CHECKOUT_GROUP", "cart-session-consumer"),

		CatalogDriver: getEnv("CATALOG_DRIVER", "sqlite"),
		CatalogDSN:    getEnv("CATALOG_DSN", "catalog.db"),

		JWTSecret:         getEnv("JWT_SECRET", ""),
		SessionHeader:     getEnv("SESSION_HEADER", "X-Session-Token"),
		SessionCookie:     getEnv("SESSION_COOKIE", "cart_session"),
		GuestCartTTL:      getDuration("GUEST_CART_TTL", 30*24*time.Hour),
		LogoutMarkerTTL:   getDuration("LOGOUT_MARKER_TTL", 10*time.Minute),
		StoreTimeout:      getDuration("STORE_TIMEOUT", 2*time.Second),
		MutationBudget:    getDuration("MUTATION_SOFT_BUDGET", 150*time.Millisecond),
		SweepInterval:     getDuration("SWEEP_INTERVAL", 15*time.Minute),
		SweepIdleEmpty:    getDuration("SWEEP_IDLE_EMPTY_AFTER", time.Hour),
		NotifierQueueSize: getInt("NOTIFIER_QUEUE_SIZE", 256),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using %v", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using %s", key, raw, defaultValue)
		return defaultValue
	}
	return v
}

func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
