package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "voltgate/libs/config"

	"voltgate/internal/ocpp"
)

// Config defines the gateway configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"GATEWAY_HTTP_PORT"`
	} `yaml:"http"`
	OCPP struct {
		Versions         []string `yaml:"versions" env:"GATEWAY_OCPP_VERSIONS"`
		HeartbeatSeconds int      `yaml:"heartbeatSeconds" env:"GATEWAY_HEARTBEAT_SECONDS"`
		Allowlist        []string `yaml:"allowlist" env:"GATEWAY_ALLOWLIST"`
		VendorID         string   `yaml:"vendorId" env:"GATEWAY_VENDOR_ID"`
		SchemaDir        string   `yaml:"schemaDir" env:"GATEWAY_SCHEMA_DIR"`
	} `yaml:"ocpp"`
	WebSocket struct {
		ReadTimeoutSeconds  int `yaml:"readTimeoutSeconds" env:"GATEWAY_WS_READ_TIMEOUT"`
		WriteTimeoutSeconds int `yaml:"writeTimeoutSeconds" env:"GATEWAY_WS_WRITE_TIMEOUT"`
		PingIntervalSeconds int `yaml:"pingIntervalSeconds" env:"GATEWAY_WS_PING_INTERVAL"`
	} `yaml:"websocket"`
	Database struct {
		DSN          string `yaml:"dsn" env:"GATEWAY_POSTGRES_DSN"`
		MaxOpenConns int    `yaml:"maxOpenConns" env:"GATEWAY_POSTGRES_MAX_OPEN"`
		MaxIdleConns int    `yaml:"maxIdleConns" env:"GATEWAY_POSTGRES_MAX_IDLE"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"GATEWAY_REDIS_ADDR"`
		Password string `yaml:"password" env:"GATEWAY_REDIS_PASSWORD"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret        string `yaml:"jwtSecret" env:"GATEWAY_JWT_SECRET"`
		TokenTTLMinutes  int    `yaml:"tokenTtlMinutes" env:"GATEWAY_TOKEN_TTL"`
		OperatorUser     string `yaml:"operatorUser" env:"GATEWAY_OPERATOR_USER"`
		OperatorPassHash string `yaml:"operatorPassHash" env:"GATEWAY_OPERATOR_PASS_HASH"`
	} `yaml:"auth"`
}

// Load reads the config file plus env overrides and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.OCPP.Versions = []string{"ocpp1.6", "ocpp2.0.1", "ocpp2.1"}
	cfg.OCPP.HeartbeatSeconds = 300
	cfg.OCPP.VendorID = "voltgate"
	cfg.OCPP.SchemaDir = "schemas"
	cfg.WebSocket.ReadTimeoutSeconds = 60
	cfg.WebSocket.WriteTimeoutSeconds = 15
	cfg.WebSocket.PingIntervalSeconds = 30
	cfg.Database.MaxOpenConns = 25
	cfg.Database.MaxIdleConns = 5
	cfg.Auth.TokenTTLMinutes = 60

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if len(cfg.OCPP.Versions) == 0 {
		return nil, errors.New("config: at least one protocol version is required")
	}
	if _, err := cfg.Versions(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("config: JWT secret is required")
	}
	return cfg, nil
}

// Versions parses the enabled protocol list.
func (c *Config) Versions() ([]ocpp.Version, error) {
	out := make([]ocpp.Version, 0, len(c.OCPP.Versions))
	for _, raw := range c.OCPP.Versions {
		v, ok := ocpp.ParseVersion(strings.TrimSpace(raw))
		if !ok {
			return nil, fmt.Errorf("config: unknown protocol version %q", raw)
		}
		out = append(out, v)
	}
	return out, nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// HeartbeatInterval returns the interval reported to booting stations.
func (c *Config) HeartbeatInterval() int {
	if c.OCPP.HeartbeatSeconds <= 0 {
		return 300
	}
	return c.OCPP.HeartbeatSeconds
}

// ReadTimeout returns the websocket read deadline.
func (c *Config) ReadTimeout() time.Duration {
	if c.WebSocket.ReadTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.WebSocket.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the websocket write deadline.
func (c *Config) WriteTimeout() time.Duration {
	if c.WebSocket.WriteTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.WebSocket.WriteTimeoutSeconds) * time.Second
}

// PingInterval returns the websocket keepalive interval.
func (c *Config) PingInterval() time.Duration {
	if c.WebSocket.PingIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.WebSocket.PingIntervalSeconds) * time.Second
}

// TokenTTL returns the operator token lifetime.
func (c *Config) TokenTTL() time.Duration {
	if c.Auth.TokenTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}
