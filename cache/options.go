package cache

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long terminal entries are replayed
const DefaultTTL = 5 * time.Minute

// config holds the configuration shared by the stores.
type config struct {
	ttl         time.Duration
	now         func() time.Time
	newToken    func() string
	keyPrefix   string
	spentPrefix string
	maxRetries  int
}

func defaultConfig() config {
	return config{
		ttl:         DefaultTTL,
		now:         time.Now,
		newToken:    uuid.NewString,
		keyPrefix:   "premium:query:",
		spentPrefix: "premium:spent:",
		maxRetries:  16,
	}
}

// Option configures a store.
type Option func(*config)

// WithTTL sets how long success and failed entries live.
//
// Default: 5 minutes
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for entry timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTokenGenerator overrides how claim owner tokens are generated.
func WithTokenGenerator(gen func() string) Option {
	return func(c *config) {
		if gen != nil {
			c.newToken = gen
		}
	}
}

// WithKeyPrefix sets the Redis key namespace. Only used by RedisStore.
//
// Default: "premium:query:"
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.keyPrefix = prefix
	}
}

// WithSpentKeyPrefix sets the Redis namespace of spent transactions. Only used by RedisStore.
//
// Default: "premium:spent:"
func WithSpentKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.spentPrefix = prefix
	}
}

// WithMaxRetries bounds optimistic transaction retries. Only used by RedisStore.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

func newConfig(opts []Option) config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
