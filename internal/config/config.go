package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Replicas []ReplicaConfig `yaml:"replicas"`
	Health   HealthConfig    `yaml:"health"`
	Failover FailoverConfig  `yaml:"failover"`
	Autofix  AutofixConfig   `yaml:"autofix"`
	Auth     AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" default:"8080"`
	LogLevel string `yaml:"log_level" default:"info"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" default:"5432"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode" default:"disable"`
}

type ReplicaConfig struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" default:"5432"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode" default:"disable"`
}

type HealthConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval" default:"10s"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" default:"3s"`
	FailureThreshold int           `yaml:"failure_threshold" default:"3"`
	StalenessWindow  time.Duration `yaml:"staleness_window" default:"60s"`
	DiagnosticsSize  int           `yaml:"diagnostics_size" default:"200"`
	StatsWindow      int           `yaml:"stats_window" default:"50"`
}

type FailoverConfig struct {
	HistorySize       int           `yaml:"history_size" default:"100"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" default:"5"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff" default:"500ms"`
}

type AutofixConfig struct {
	MinCandidates int `yaml:"min_candidates" default:"2"`
	MaxBatchSize  int `yaml:"max_batch_size" default:"25"`
}

type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	TokenTTL          time.Duration `yaml:"token_ttl" default:"12h"`
	AdminEmail        string        `yaml:"admin_email"`
	AdminPasswordHash string        `yaml:"admin_password_hash"`
}

// Default returns a config carrying the defaults the rest of the system assumes.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		Health: HealthConfig{
			ProbeInterval:    10 * time.Second,
			ProbeTimeout:     3 * time.Second,
			FailureThreshold: 3,
			StalenessWindow:  60 * time.Second,
			DiagnosticsSize:  200,
			StatsWindow:      50,
		},
		Failover: FailoverConfig{
			HistorySize:       100,
			ReconnectAttempts: 5,
			ReconnectBackoff:  500 * time.Millisecond,
		},
		Autofix: AutofixConfig{
			MinCandidates: 2,
			MaxBatchSize:  25,
		},
		Auth: AuthConfig{
			TokenTTL: 12 * time.Hour,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults,
// then applies environment overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	LoadFromEnv(cfg)
	return cfg, nil
}
