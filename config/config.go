// Package config reads the gateway configuration from the environment.
//
// A .env file in the working directory is loaded first when present; variables
// already set in the process environment take precedence over it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/x402-foundation/premium"
	"github.com/x402-foundation/premium/mechanisms/evm"
)

// Defaults
const (
	DefaultNetwork          = "eip155:84532"
	DefaultPrice            = "0.001"
	DefaultPort             = 4021
	DefaultAbstractMaxChars = 1000
	DefaultCacheTTL         = 5 * time.Minute
	DefaultKafkaTopic       = "premium.purchases"

	// AssetNative selects the chain's native coin as PAYMENT_ASSET
	AssetNative = "native"
)

// Server frameworks accepted by SERVER_FRAMEWORK
const (
	FrameworkGin  = "gin"
	FrameworkEcho = "echo"
)

// Config is the complete gateway configuration
type Config struct {
	RPCURL     string
	PrivateKey string
	Network    premium.Network

	Recipient string
	Price     string
	// Asset is the token contract, empty for the native coin
	Asset    string
	Currency string
	Decimals int

	ContentURL       string
	ContentAPIKey    string
	ContentLimit     int
	AbstractMaxChars int
	// ContentPaywalled makes the content client settle 402 challenges from the content source
	ContentPaywalled bool

	KnowledgeURL string

	CacheTTL  time.Duration
	RedisAddr string

	KafkaBrokers []string
	KafkaTopic   string

	Port               int
	FetchFailurePolicy premium.FetchFailurePolicy
	LogLevel           string
	ServerFramework    string
}

// CanSign reports whether a signing credential is configured
func (c *Config) CanSign() bool {
	return c.PrivateKey != ""
}

// ResolverConfig returns the payment defaults for premium.NewRequirementResolver
func (c *Config) ResolverConfig() premium.ResolverConfig {
	return premium.ResolverConfig{
		Network:   c.Network,
		Recipient: c.Recipient,
		Asset:     c.Asset,
		Currency:  c.Currency,
		Decimals:  c.Decimals,
		Prices: map[premium.RequestClass]string{
			premium.ClassPremiumSearch: c.Price,
		},
	}
}

// Load reads .env if present and then the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv
func FromEnv(getenv func(string) string) (*Config, error) {
	env := reader{getenv: getenv}

	cfg := &Config{
		RPCURL:           env.str("EVM_RPC_URL", ""),
		PrivateKey:       env.str("EVM_PRIVATE_KEY", ""),
		Network:          premium.Network(env.str("EVM_NETWORK", DefaultNetwork)),
		Recipient:        env.str("PAYMENT_RECIPIENT", ""),
		Price:            env.str("PAYMENT_PRICE", DefaultPrice),
		ContentURL:       env.str("CONTENT_API_URL", ""),
		ContentAPIKey:    env.str("CONTENT_API_KEY", ""),
		ContentLimit:     env.positiveInt("CONTENT_LIMIT", premium.DefaultContentLimit),
		AbstractMaxChars: env.positiveInt("ABSTRACT_MAX_CHARS", DefaultAbstractMaxChars),
		ContentPaywalled: env.boolean("CONTENT_API_PAYWALLED"),
		KnowledgeURL:     env.str("KNOWLEDGE_API_URL", ""),
		CacheTTL:         env.duration("CACHE_TTL", DefaultCacheTTL),
		RedisAddr:        env.str("REDIS_ADDR", ""),
		KafkaBrokers:     env.list("KAFKA_BROKERS"),
		KafkaTopic:       env.str("KAFKA_TOPIC", DefaultKafkaTopic),
		Port:             env.positiveInt("PORT", DefaultPort),
		LogLevel:         strings.ToLower(env.str("LOG_LEVEL", "info")),
		ServerFramework:  strings.ToLower(env.str("SERVER_FRAMEWORK", FrameworkGin)),
	}

	switch policy := premium.FetchFailurePolicy(strings.ToLower(env.str("FETCH_FAILURE_POLICY", string(premium.FetchFailureSoft)))); policy {
	case premium.FetchFailureSoft, premium.FetchFailureStrict:
		cfg.FetchFailurePolicy = policy
	default:
		env.fail("FETCH_FAILURE_POLICY", "must be soft or strict")
	}

	if _, err := cfg.Network.ChainID(); err != nil {
		env.fail("EVM_NETWORK", "is not an eip155 network")
	}
	if cfg.RPCURL == "" {
		env.fail("EVM_RPC_URL", "is required")
	}
	if cfg.Recipient == "" {
		env.fail("PAYMENT_RECIPIENT", "is required")
	} else if !common.IsHexAddress(cfg.Recipient) {
		env.fail("PAYMENT_RECIPIENT", "is not an address")
	}
	if cfg.ContentURL == "" {
		env.fail("CONTENT_API_URL", "is required")
	} else if _, err := url.ParseRequestURI(cfg.ContentURL); err != nil {
		env.fail("CONTENT_API_URL", "is not a URL")
	}
	if cfg.ServerFramework != FrameworkGin && cfg.ServerFramework != FrameworkEcho {
		env.fail("SERVER_FRAMEWORK", "must be gin or echo")
	}

	env.resolveAsset(cfg)

	if len(env.errs) > 0 {
		return nil, errors.Join(env.errs...)
	}
	return cfg, nil
}

// reader collects every invalid variable rather than stopping at the first
type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) fail(name, reason string) {
	r.errs = append(r.errs, fmt.Errorf("%s %s", name, reason))
}

func (r *reader) str(name, def string) string {
	if v := strings.TrimSpace(r.getenv(name)); v != "" {
		return v
	}
	return def
}

func (r *reader) positiveInt(name string, def int) int {
	raw := r.str(name, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		r.fail(name, "must be a positive integer")
		return def
	}
	return n
}

func (r *reader) duration(name string, def time.Duration) time.Duration {
	raw := r.str(name, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		r.fail(name, "must be a positive duration such as 5m")
		return def
	}
	return d
}

func (r *reader) boolean(name string) bool {
	raw := r.str(name, "")
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(name, "must be true or false")
	}
	return b
}

func (r *reader) list(name string) []string {
	var out []string
	for _, part := range strings.Split(r.str(name, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// resolveAsset fills Asset, Currency and Decimals from PAYMENT_ASSET and the network table.
// Unset selects the network's default token; "native" selects the native coin.
func (r *reader) resolveAsset(cfg *Config) {
	raw := r.str("PAYMENT_ASSET", "")
	netCfg, err := evm.GetNetworkConfig(string(cfg.Network))
	known := err == nil

	switch {
	case strings.EqualFold(raw, AssetNative):
		cfg.Asset = ""
		cfg.Currency = premium.NativeCurrency
		cfg.Decimals = premium.NativeDecimals
	case raw == "":
		if !known {
			r.fail("EVM_NETWORK", "has no default asset; set PAYMENT_ASSET")
			return
		}
		cfg.Asset = netCfg.DefaultAsset.Address
		cfg.Currency = netCfg.DefaultAsset.Symbol
		cfg.Decimals = netCfg.DefaultAsset.Decimals
	case !common.IsHexAddress(raw):
		r.fail("PAYMENT_ASSET", "must be native or a token address")
		return
	case known && strings.EqualFold(raw, netCfg.DefaultAsset.Address):
		cfg.Asset = netCfg.DefaultAsset.Address
		cfg.Currency = netCfg.DefaultAsset.Symbol
		cfg.Decimals = netCfg.DefaultAsset.Decimals
	default:
		cfg.Asset = common.HexToAddress(raw).Hex()
		cfg.Currency = r.str("PAYMENT_CURRENCY", "TOKEN")
		cfg.Decimals = r.nonNegativeInt("PAYMENT_DECIMALS", evm.DefaultDecimals)
	}

	if _, err := premium.ParseUnits(cfg.Price, cfg.Decimals); err != nil {
		r.fail("PAYMENT_PRICE", fmt.Sprintf("is not a valid %s amount", cfg.Currency))
	}
}

func (r *reader) nonNegativeInt(name string, def int) int {
	raw := r.str(name, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		r.fail(name, "must be a non-negative integer")
		return def
	}
	return n
}
