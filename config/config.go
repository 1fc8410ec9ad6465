// Package config loads and validates coordinator configuration.
//
// Configuration is read from a YAML file, with environment variables taking
// precedence for the settings that were historically env-only (RPC_WS_URL,
// AUTHORITY_PRIVATE_KEY, CONTRACT_ADDRESS, SESSION_START_HOUR, BASE,
// TIME_RATE, FLIP_RATE, HOST, PORT).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PsyLabsWeb3/Flip10/logging"
	"github.com/PsyLabsWeb3/Flip10/observability"
)

// ProbabilityConfig holds the outcome-engine tuning constants.
// Values are percentages: Base=30 means a 30% starting heads probability.
type ProbabilityConfig struct {
	// Base is the starting heads probability in percent. Default: 30
	Base float64 `yaml:"base"`

	// TimeRate is the probability gain in percent per elapsed minute. Default: 0.05
	TimeRate float64 `yaml:"time_rate"`

	// FlipRate is the probability gain in percent per global flip. Default: 0.002
	FlipRate float64 `yaml:"flip_rate"`
}

// Config is the configuration for the Flip10 session coordinator.
type Config struct {
	// RPCWSURL is the WebSocket RPC endpoint of the chain provider. Required.
	RPCWSURL string `yaml:"rpc_ws_url"`

	// AuthorityPrivateKey is the hex-encoded key used to sign session
	// start/finalize transactions. Required.
	AuthorityPrivateKey string `yaml:"authority_private_key"`

	// ContractAddress is the Flip10Sessions contract address. Required.
	ContractAddress string `yaml:"contract_address"`

	// SigValidatorAddress is the ERC-6492 universal signature validator
	// used for counterfactual smart-wallet logins. Optional; empty disables
	// the fallback.
	SigValidatorAddress string `yaml:"sig_validator_address"`

	// Host/Port for the HTTP+WebSocket listener.
	// Defaults: 0.0.0.0:3001
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// SessionStartHour is the daily session start hour in UTC [0, 23].
	SessionStartHour int `yaml:"session_start_hour"`

	// Probability contains the outcome-engine constants.
	Probability ProbabilityConfig `yaml:"probability"`

	// WinStreak is the streak that ends a session. Default: 10
	WinStreak int `yaml:"win_streak"`

	// FlipCooldownMs is the per-player cooldown between flips. Default: 1000
	FlipCooldownMs int `yaml:"flip_cooldown_ms"`

	// MaxMessagesPerSecond caps inbound messages per connection. Default: 20
	MaxMessagesPerSecond int `yaml:"max_messages_per_second"`

	// MaxConnsPerIP caps simultaneous connections per source IP. Default: 5
	MaxConnsPerIP int `yaml:"max_conns_per_ip"`

	// IPTTLSeconds is how long idle IP counters are retained. Default: 60
	IPTTLSeconds int `yaml:"ip_ttl_seconds"`

	// ResubscribeIntervalHours is the period of the provider hard reset.
	// Default: 4
	ResubscribeIntervalHours int `yaml:"resubscribe_interval_hours"`

	// TxWaitTimeoutSeconds bounds the wait for transaction inclusion.
	// Default: 90
	TxWaitTimeoutSeconds int `yaml:"tx_wait_timeout_seconds"`

	// SessionStorePath is the session pointer file. Default: data/session.json
	SessionStorePath string `yaml:"session_store_path"`

	// Logging configuration.
	Logging logging.Config `yaml:"logging"`

	// Observability (metrics/pprof) configuration.
	Observability observability.ServerConfig `yaml:"observability"`
}

// Default returns a Config with all optional settings at their defaults.
func Default() Config {
	return Config{
		Host:                     "0.0.0.0",
		Port:                     3001,
		SessionStartHour:         -1,
		Probability:              ProbabilityConfig{Base: 30, TimeRate: 0.05, FlipRate: 0.002},
		WinStreak:                10,
		FlipCooldownMs:           1000,
		MaxMessagesPerSecond:     20,
		MaxConnsPerIP:            5,
		IPTTLSeconds:             60,
		ResubscribeIntervalHours: 4,
		TxWaitTimeoutSeconds:     90,
		SessionStorePath:         "data/session.json",
		Logging:                  logging.DefaultConfig(),
		Observability:            observability.DefaultServerConfig(),
	}
}

// Load reads the config file at path (optional), applies environment variable
// overrides, and fills in defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("RPC_WS_URL"); v != "" {
		c.RPCWSURL = v
	}
	if v := os.Getenv("AUTHORITY_PRIVATE_KEY"); v != "" {
		c.AuthorityPrivateKey = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		c.ContractAddress = v
	}
	if v := os.Getenv("SIG_VALIDATOR_ADDRESS"); v != "" {
		c.SigValidatorAddress = v
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("SESSION_START_HOUR"); v != "" {
		if h, err := strconv.Atoi(v); err == nil {
			c.SessionStartHour = h
		}
	}
	if v := os.Getenv("BASE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Probability.Base = f
		}
	}
	if v := os.Getenv("TIME_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Probability.TimeRate = f
		}
	}
	if v := os.Getenv("FLIP_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Probability.FlipRate = f
		}
	}
}

// Validate checks required settings. Startup must abort on error rather than
// run with undefined behavior.
func (c *Config) Validate() error {
	if c.RPCWSURL == "" {
		return fmt.Errorf("rpc_ws_url (RPC_WS_URL) is required")
	}
	if c.AuthorityPrivateKey == "" {
		return fmt.Errorf("authority_private_key (AUTHORITY_PRIVATE_KEY) is required")
	}
	if c.ContractAddress == "" {
		return fmt.Errorf("contract_address (CONTRACT_ADDRESS) is required")
	}
	if c.SessionStartHour < 0 || c.SessionStartHour > 23 {
		return fmt.Errorf("session_start_hour (SESSION_START_HOUR) must be in [0, 23], got %d", c.SessionStartHour)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in (0, 65535], got %d", c.Port)
	}
	if c.WinStreak <= 0 {
		return fmt.Errorf("win_streak must be positive, got %d", c.WinStreak)
	}
	return nil
}

// ListenAddr returns the host:port listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetFlipCooldown returns the per-player flip cooldown as a duration.
func (c *Config) GetFlipCooldown() time.Duration {
	if c.FlipCooldownMs > 0 {
		return time.Duration(c.FlipCooldownMs) * time.Millisecond
	}
	return time.Second
}

// GetIPTTL returns the idle IP counter TTL as a duration.
func (c *Config) GetIPTTL() time.Duration {
	if c.IPTTLSeconds > 0 {
		return time.Duration(c.IPTTLSeconds) * time.Second
	}
	return time.Minute
}

// GetResubscribeInterval returns the provider hard-reset period.
func (c *Config) GetResubscribeInterval() time.Duration {
	if c.ResubscribeIntervalHours > 0 {
		return time.Duration(c.ResubscribeIntervalHours) * time.Hour
	}
	return 4 * time.Hour
}

// GetTxWaitTimeout returns the transaction inclusion wait bound.
func (c *Config) GetTxWaitTimeout() time.Duration {
	if c.TxWaitTimeoutSeconds > 0 {
		return time.Duration(c.TxWaitTimeoutSeconds) * time.Second
	}
	return 90 * time.Second
}
