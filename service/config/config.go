package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// hexAddressRegex matches a 0x-prefixed 20-byte hex address.
var hexAddressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// amountRegex matches a non-negative integer amount in the token's smallest unit.
var amountRegex = regexp.MustCompile(`^[0-9]+$`)

// ServiceConfig describes one priced resource.
type ServiceConfig struct {
	// Price in the token's smallest unit (e.g. "50000000" for $50 USDC).
	// "0" means the resource is free.
	Price string `json:"price"`

	// PriceUSD is the human-readable dollar price shown in payment offers.
	PriceUSD float64 `json:"price_usd"`

	// Description is returned in payment offers and the resource payload.
	Description string `json:"description"`
}

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration (optional; empty disables event publishing)
	NATSURL string

	// Chain configuration
	EthRPCURL  string
	ChainID    int64
	RPCTimeout time.Duration

	// Token configuration. Name and Version feed the EIP-712 domain, so they
	// must match the token contract's own values or signatures won't recover.
	TokenAddress string
	TokenName    string
	TokenVersion string

	// PaymentAddress is the wallet that must receive every payment.
	PaymentAddress string

	// Services maps resource paths to their pricing.
	Services map[string]ServiceConfig
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8402")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration (optional)
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Chain configuration
	cfg.EthRPCURL = os.Getenv("ETH_RPC_URL")
	if cfg.EthRPCURL == "" {
		errs = append(errs, fmt.Errorf("ETH_RPC_URL is required"))
	}

	chainID, err := parseInt64("CHAIN_ID", 8453)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ChainID = chainID
	}

	rpcTimeout, err := parseDuration("RPC_TIMEOUT", "10s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCTimeout = rpcTimeout
	}

	// Token configuration. Defaults target USDC on Base mainnet.
	cfg.TokenAddress = CanonicalAddress(getEnvOrDefault("TOKEN_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"))
	cfg.TokenName = getEnvOrDefault("TOKEN_NAME", "USD Coin")
	cfg.TokenVersion = getEnvOrDefault("TOKEN_VERSION", "2")

	cfg.PaymentAddress = CanonicalAddress(os.Getenv("PAYMENT_ADDRESS"))
	if cfg.PaymentAddress == "" {
		errs = append(errs, fmt.Errorf("PAYMENT_ADDRESS is required"))
	}

	// Service price table. SERVICES_FILE takes precedence over SERVICES_JSON.
	services, err := loadServices()
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.Services = services
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.EthRPCURL == "" {
		errs = append(errs, fmt.Errorf("EthRPCURL is required"))
	}

	if c.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("ChainID must be positive"))
	}

	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPCTimeout must be positive"))
	}

	if !hexAddressRegex.MatchString(c.TokenAddress) {
		errs = append(errs, fmt.Errorf("TokenAddress is not a valid hex address: %q", c.TokenAddress))
	}

	if !hexAddressRegex.MatchString(c.PaymentAddress) {
		errs = append(errs, fmt.Errorf("PaymentAddress is not a valid hex address: %q", c.PaymentAddress))
	}

	if c.TokenName == "" {
		errs = append(errs, fmt.Errorf("TokenName is required"))
	}

	if c.TokenVersion == "" {
		errs = append(errs, fmt.Errorf("TokenVersion is required"))
	}

	for path, svc := range c.Services {
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, fmt.Errorf("service path %q must start with '/'", path))
		}
		if !amountRegex.MatchString(svc.Price) {
			errs = append(errs, fmt.Errorf("service %q: price must be a non-negative integer string, got %q", path, svc.Price))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// CanonicalAddress lowercases a hex address. Every address in the system is
// stored and compared in this form; apply it at every ingestion point.
func CanonicalAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// loadServices reads the resource price table from SERVICES_FILE or SERVICES_JSON.
func loadServices() (map[string]ServiceConfig, error) {
	var raw []byte

	if path := os.Getenv("SERVICES_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("SERVICES_FILE: %w", err)
		}
		raw = data
	} else if s := os.Getenv("SERVICES_JSON"); s != "" {
		raw = []byte(s)
	} else {
		return map[string]ServiceConfig{}, nil
	}

	var services map[string]ServiceConfig
	if err := json.Unmarshal(raw, &services); err != nil {
		return nil, fmt.Errorf("invalid services definition: %w", err)
	}

	return services, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt64 parses an integer from an environment variable or uses a default.
func parseInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
