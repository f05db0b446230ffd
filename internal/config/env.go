package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("POLLSTATION_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("POLLSTATION_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if host := os.Getenv("POLLSTATION_DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := os.Getenv("POLLSTATION_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}
	if name := os.Getenv("POLLSTATION_DB_NAME"); name != "" {
		cfg.Database.Database = name
	}
	if user := os.Getenv("POLLSTATION_DB_USER"); user != "" {
		cfg.Database.User = user
	}
	if pass := os.Getenv("POLLSTATION_DB_PASSWORD"); pass != "" {
		cfg.Database.Password = pass
	}

	if interval := os.Getenv("POLLSTATION_PROBE_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Health.ProbeInterval = d
		}
	}

	if secret := os.Getenv("POLLSTATION_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if email := os.Getenv("POLLSTATION_ADMIN_EMAIL"); email != "" {
		cfg.Auth.AdminEmail = email
	}
	if hash := os.Getenv("POLLSTATION_ADMIN_PASSWORD_HASH"); hash != "" {
		cfg.Auth.AdminPasswordHash = hash
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
