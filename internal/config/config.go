package config

import (
	"os"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// JWT
	JWTSecret       string
	JWTAccessExpiry time.Duration

	// Referral codes
	CodePrefix string

	// Role ladder + root identity
	RolesConfigPath string
	RootEmail       string

	// Payment webhook (bearer token the payment source must present)
	PaymentWebhookAuth string

	// Notification sink (empty = log-only delivery)
	NotifyWebhookURL string

	// Orphan sweep interval
	OrphanSweepInterval time.Duration

	// Admin
	AdminEmails string
	AdminToken  string

	// Server
	Port        string
	CORSOrigins string
}

func Load() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "referral_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTAccessExpiry: parseDuration(getEnv("JWT_ACCESS_EXPIRY", "15m"), 15*time.Minute),

		CodePrefix: getEnv("REFERRAL_CODE_PREFIX", "TAL"),

		RolesConfigPath: getEnv("ROLES_CONFIG_PATH", "roles.json"),
		RootEmail:       getEnv("ROOT_USER_EMAIL", "root@talowa.app"),

		PaymentWebhookAuth: getEnv("PAYMENT_WEBHOOK_AUTH", ""),
		NotifyWebhookURL:   getEnv("NOTIFY_WEBHOOK_URL", ""),

		OrphanSweepInterval: parseDuration(getEnv("ORPHAN_SWEEP_INTERVAL", "10m"), 10*time.Minute),

		AdminEmails: getEnv("ADMIN_EMAILS", ""),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),

		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
	}
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" port=" + c.DBPort +
		" sslmode=" + c.DBSSLMode +
		" TimeZone=UTC"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
