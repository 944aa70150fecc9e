package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pricing-sync-service/internal/models"
)

// Config holds all configuration for the pricing sync service
type Config struct {
	// Server
	Port        string
	Environment string
	LogLevel    string

	// Database (update history)
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string

	// Redis
	RedisURL string

	// NATS
	NATSURL string

	// GCP
	GCPProjectID string

	// Pricing
	Tiers []models.Tier

	// Store connections
	StorePoolSize       int
	StoreConnectTimeout time.Duration
	StoreQueryTimeout   time.Duration
	StoreWritesPerSec   int
	StoreLanguageID     int
	StoreConnectRetries int

	// Update jobs
	JobTimeout          time.Duration
	JobFailureThreshold float64
	StoreQueueTimeout   time.Duration
	MaxConcurrentStores int
	ProgressRetention   time.Duration

	// Uploads
	PreviewRowLimit int
	MaxUploadSize   int64

	// CORS
	CORSAllowedOrigins []string
}

// DefaultTiers is used when PRICE_TIERS is not set
const DefaultTiers = "depot:18:2,warehouse:26:3"

// Load loads configuration from environment variables
func Load() *Config {
	tiers, err := ParseTiers(getEnv("PRICE_TIERS", DefaultTiers))
	if err != nil {
		log.Fatalf("invalid PRICE_TIERS: %v", err)
	}

	config := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnvAsInt("DB_PORT", 5432),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "password"),
		DBName:      getEnv("DB_NAME", "pricing_sync_db"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),

		RedisURL: getEnv("REDIS_URL", ""),
		NATSURL:  getEnv("NATS_URL", ""),

		GCPProjectID: getEnv("GCP_PROJECT_ID", ""),

		Tiers: tiers,

		StorePoolSize:       getEnvAsInt("STORE_POOL_SIZE", 5),
		StoreConnectTimeout: getEnvAsDuration("STORE_CONNECT_TIMEOUT", 10*time.Second),
		StoreQueryTimeout:   getEnvAsDuration("STORE_QUERY_TIMEOUT", 30*time.Second),
		StoreWritesPerSec:   getEnvAsInt("STORE_WRITES_PER_SECOND", 20),
		StoreLanguageID:     getEnvAsInt("STORE_LANGUAGE_ID", 1),
		StoreConnectRetries: getEnvAsInt("STORE_CONNECT_RETRIES", 3),

		JobTimeout:          getEnvAsDuration("JOB_TIMEOUT", 2*time.Hour),
		JobFailureThreshold: getEnvAsFloat("JOB_FAILURE_THRESHOLD", 0.10),
		StoreQueueTimeout:   getEnvAsDuration("STORE_QUEUE_TIMEOUT", 10*time.Minute),
		MaxConcurrentStores: getEnvAsInt("MAX_CONCURRENT_STORES", 8),
		ProgressRetention:   getEnvAsDuration("PROGRESS_RETENTION", 30*time.Minute),

		PreviewRowLimit: getEnvAsInt("PREVIEW_ROW_LIMIT", 100),
		MaxUploadSize:   int64(getEnvAsInt("MAX_UPLOAD_SIZE", 20<<20)),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:4200")),
	}

	if config.GCPProjectID == "" {
		log.Println("Warning: GCP_PROJECT_ID not set, store credential secret references will not resolve")
	}

	return config
}

// DSN returns the postgres connection string for the history database
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// InitDB opens the history database and migrates its schema
func InitDB(cfg *Config) (*gorm.DB, error) {
	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Warn
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Running auto-migrations...")
	if err := db.AutoMigrate(
		&models.Store{},
		&models.StoreConnection{},
		&models.StoreTierMapping{},
		&models.UpdateJob{},
		&models.UpdateDetail{},
		&models.ProductBackup{},
	); err != nil {
		return nil, fmt.Errorf("failed to run auto-migrations: %w", err)
	}
	log.Println("Auto-migrations completed successfully")

	return db, nil
}

// ParseTiers parses "name:discount[:customerGroupId],..." into tiers.
// Tier order is preserved; it drives column and issue ordering.
func ParseTiers(raw string) ([]models.Tier, error) {
	var tiers []models.Tier
	seen := make(map[string]bool)

	for _, part := range splitList(raw) {
		fields := strings.Split(part, ":")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("tier %q must be name:discount[:groupId]", part)
		}

		name := strings.ToLower(strings.TrimSpace(fields[0]))
		if name == "" {
			return nil, fmt.Errorf("tier %q has no name", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("tier %q defined twice", name)
		}
		seen[name] = true

		discount, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil || discount < 0 || discount > 100 {
			return nil, fmt.Errorf("tier %q discount must be between 0 and 100", name)
		}

		tier := models.Tier{Name: name, DiscountPercentage: discount}
		if len(fields) == 3 {
			groupID, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("tier %q customer group id: %w", name, err)
			}
			tier.CustomerGroupID = uint(groupID)
		}
		tiers = append(tiers, tier)
	}

	return tiers, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
