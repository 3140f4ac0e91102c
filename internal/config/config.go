package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Lockout   LockoutConfig
	MFA       MFAConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// JWTConfig holds signed-token configuration
type JWTConfig struct {
	SigningSecret      string
	AccessTokenExpiry  time.Duration
	ChallengeExpiry    time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// LockoutConfig holds the progressive account-lockout policy.
// Ladder entries are lockout durations applied each time the failed-attempt
// counter crosses another multiple of MaxFailedAttempts; the last entry caps
// the escalation.
type LockoutConfig struct {
	MaxFailedAttempts int
	Ladder            []time.Duration
}

// MFAConfig holds second-factor configuration
type MFAConfig struct {
	TOTPIssuer      string
	BackupCodeCount int
	BiometricExpiry time.Duration
}

// RedisConfig holds the optional Redis connection. An empty Addr disables
// the Redis health check.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig bounds login request volume per client IP
type RateLimitConfig struct {
	LoginLimit  int
	LoginWindow time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "famledger"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SigningSecret:      getEnv("JWT_SIGNING_SECRET", ""),
			AccessTokenExpiry:  getDurationEnv("JWT_ACCESS_EXPIRY_MINUTES", 15*time.Minute),
			ChallengeExpiry:    getDurationEnv("JWT_CHALLENGE_EXPIRY_MINUTES", 5*time.Minute),
			RefreshTokenExpiry: getDurationEnv("REFRESH_EXPIRY_MINUTES", 30*24*time.Hour),
			Issuer:             getEnv("JWT_ISSUER", "famledger"),
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts: getIntEnv("LOCKOUT_MAX_ATTEMPTS", 5),
			Ladder:            getLadderEnv("LOCKOUT_LADDER_MINUTES", []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute, 1440 * time.Minute}),
		},
		MFA: MFAConfig{
			TOTPIssuer:      getEnv("TOTP_ISSUER", "FamLedger"),
			BackupCodeCount: getIntEnv("BACKUP_CODE_COUNT", 10),
			BiometricExpiry: getDurationEnv("BIOMETRIC_EXPIRY_MINUTES", 14*24*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			LoginLimit:  getIntEnv("LOGIN_RATE_LIMIT", 20),
			LoginWindow: getDurationEnv("LOGIN_RATE_WINDOW_MINUTES", time.Minute),
		},
	}
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv returns duration in minutes from environment variable or default
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

// getIntEnv returns an integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// getLadderEnv parses a comma-separated list of minute values, e.g. "5,15,60,1440"
func getLadderEnv(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var ladder []time.Duration
	for _, part := range strings.Split(value, ",") {
		minutes, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || minutes <= 0 {
			return defaultValue
		}
		ladder = append(ladder, time.Duration(minutes)*time.Minute)
	}
	return ladder
}
