package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers understood by STORE_DRIVER.
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
	DriverMySQL  = "mysql"
)

type Config struct {
	ServerAddress string
	Env           string

	StoreDriver string
	DataDir     string

	MongoURI string
	MongoDB  string

	MySQLUser     string
	MySQLPassword string
	MySQLHost     string
	MySQLDatabase string

	JWTSecret     string
	SessionTTL    time.Duration
	SessionCookie string
	CookieSecure  bool

	EnableDemoSeed bool

	SendGridAPIKey  string
	NotifyFromEmail string
}

func Load() *Config {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8000"),
		Env:           getEnv("APP_ENV", "development"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverMemory)),
		DataDir:     getEnv("DATA_DIR", ""),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDB:  getEnv("MONGO_DB", "stall"),

		MySQLUser:     getEnv("MYSQL_USER", "user"),
		MySQLPassword: getEnv("MYSQL_PWD", "password"),
		MySQLHost:     getEnv("MYSQL_HOST", "tcp(127.0.0.1:3306)"),
		MySQLDatabase: getEnv("MYSQL_DATABASE", "stall"),

		JWTSecret:     getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		SessionTTL:    getDuration("SESSION_TTL", 14*24*time.Hour),
		SessionCookie: getEnv("SESSION_COOKIE", "stall_session"),
		CookieSecure:  getBool("COOKIE_SECURE", false),

		SendGridAPIKey:  getEnv("SENDGRID_API_KEY", ""),
		NotifyFromEmail: getEnv("NOTIFY_FROM_EMAIL", ""),
	}
	// The seed endpoint wipes the store, so production has to opt in.
	cfg.EnableDemoSeed = getBool("ENABLE_DEMO_SEED", !cfg.IsProduction())
	return cfg
}

// MySQLDSN builds a go-sql-driver DSN from the MYSQL_* settings.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@%s/%s?parseTime=true&loc=UTC", c.MySQLUser, c.MySQLPassword, c.MySQLHost, c.MySQLDatabase)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return b
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
