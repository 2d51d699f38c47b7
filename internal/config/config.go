package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/khryptorgraphics/taskmesh/pkg/config"
	"github.com/khryptorgraphics/taskmesh/pkg/database"
)

// Config holds the application configuration
type Config struct {
	JWT       JWTConfig               `json:"jwt" yaml:"jwt"`
	API       APIConfig               `json:"api" yaml:"api"`
	P2P       P2PConfig               `json:"p2p" yaml:"p2p"`
	Database  database.DatabaseConfig `json:"database" yaml:"database"`
	Scheduler config.SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
}

// JWTConfig holds JWT-related configuration. Tokens are RS256-signed
// with a per-process keypair, so there is no shared secret to configure.
type JWTConfig struct {
	ExpiryTime  time.Duration `json:"expiry_time" yaml:"expiry_time"`
	RefreshTime time.Duration `json:"refresh_time" yaml:"refresh_time"`
	Issuer      string        `json:"issuer" yaml:"issuer"`
	Audience    string        `json:"audience" yaml:"audience"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Listen      string          `json:"listen" yaml:"listen"`
	TLSEnabled  bool            `json:"tls_enabled" yaml:"tls_enabled"`
	CertFile    string          `json:"cert_file" yaml:"cert_file"`
	KeyFile     string          `json:"key_file" yaml:"key_file"`
	MaxBodySize int64           `json:"max_body_size" yaml:"max_body_size"`
	RateLimit   RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Cors        CorsConfig      `json:"cors" yaml:"cors"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	RequestsPer int           `json:"requests_per" yaml:"requests_per"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	BurstSize   int           `json:"burst_size" yaml:"burst_size"`
}

// CorsConfig holds CORS configuration
type CorsConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers" yaml:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int      `json:"max_age" yaml:"max_age"`
}

// P2PConfig holds P2P networking configuration
type P2PConfig struct {
	ListenAddr     string        `json:"listen_addr" yaml:"listen_addr"`
	BootstrapPeers []string      `json:"bootstrap_peers" yaml:"bootstrap_peers"`
	DialTimeout    time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	MaxConnections int           `json:"max_connections" yaml:"max_connections"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		JWT: JWTConfig{
			ExpiryTime:  24 * time.Hour,
			RefreshTime: 7 * 24 * time.Hour,
			Issuer:      getEnvOrDefault("JWT_ISSUER", "taskmesh"),
			Audience:    getEnvOrDefault("JWT_AUDIENCE", "taskmesh-drivers"),
		},
		API: APIConfig{
			Listen:      getEnvOrDefault("API_LISTEN", "0.0.0.0:7350"),
			TLSEnabled:  getEnvBoolOrDefault("API_TLS_ENABLED", false),
			CertFile:    getEnvOrDefault("API_CERT_FILE", ""),
			KeyFile:     getEnvOrDefault("API_KEY_FILE", ""),
			MaxBodySize: int64(getEnvIntOrDefault("API_MAX_BODY_SIZE", 32*1024*1024)), // 32MB
			RateLimit: RateLimitConfig{
				Enabled:     getEnvBoolOrDefault("RATE_LIMIT_ENABLED", true),
				RequestsPer: getEnvIntOrDefault("RATE_LIMIT_REQUESTS", 100),
				Duration:    time.Minute,
				BurstSize:   getEnvIntOrDefault("RATE_LIMIT_BURST", 10),
			},
			Cors: CorsConfig{
				Enabled:          getEnvBoolOrDefault("CORS_ENABLED", true),
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"*"},
				AllowCredentials: false,
			},
		},
		P2P: P2PConfig{
			ListenAddr:     getEnvOrDefault("P2P_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/0"),
			BootstrapPeers: []string{},
			DialTimeout:    30 * time.Second,
			MaxConnections: getEnvIntOrDefault("P2P_MAX_CONNECTIONS", 100),
		},
		Database: database.DatabaseConfig{
			Host:     getEnvOrDefault("TASKMESH_DB_HOST", "localhost"),
			Port:     getEnvIntOrDefault("TASKMESH_DB_PORT", 5432),
			Name:     getEnvOrDefault("TASKMESH_DB_NAME", "taskmesh"),
			User:     getEnvOrDefault("TASKMESH_DB_USER", "taskmesh"),
			Password: getEnvOrDefault("TASKMESH_DB_PASSWORD", ""),
			SSLMode:  getEnvOrDefault("TASKMESH_DB_SSL_MODE", "prefer"),

			RedisHost: getEnvOrDefault("TASKMESH_REDIS_HOST", "localhost"),
			RedisPort: getEnvIntOrDefault("TASKMESH_REDIS_PORT", 6379),
			RedisDB:   getEnvIntOrDefault("TASKMESH_REDIS_DB", 0),
		},
		Scheduler: *config.DefaultSchedulerConfig(),
	}
}

// Helper functions to get environment variables with defaults
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return DefaultConfig()
}

// LoadFromFile reads a YAML config file and overlays it onto the
// environment-derived defaults: fields absent from the file keep
// their DefaultConfig value, since yaml.Unmarshal only writes keys
// present in the document.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}