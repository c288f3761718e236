package premium

import (
	"time"

	"go.uber.org/zap"
)

// FetchFailurePolicy decides what a purchase returns when content fetch fails after a verified payment
type FetchFailurePolicy string

const (
	// FetchFailureSoft commits success with zero items and flags the partial failure
	FetchFailureSoft FetchFailurePolicy = "soft"
	// FetchFailureStrict commits failed. The payment stays spent.
	FetchFailureStrict FetchFailurePolicy = "strict"
)

// Valid reports whether p is one of the known policies
func (p FetchFailurePolicy) Valid() bool {
	return p == FetchFailureSoft || p == FetchFailureStrict
}

// DefaultPublishLease is how long a publish may run before another caller can take it over
const DefaultPublishLease = time.Minute

// DefaultContentLimit is the number of results requested from the content source
const DefaultContentLimit = 10

// settings is shared by the engine components; each reads the fields it uses
type settings struct {
	logger       *zap.Logger
	metrics      *Metrics
	sink         EventSink
	builder      DocumentBuilder
	policy       FetchFailurePolicy
	contentLimit int
	publishLease time.Duration
	now          func() time.Time
}

func defaultSettings() settings {
	return settings{
		logger:       zap.NewNop(),
		sink:         nopSink{},
		builder:      DefaultDocument,
		policy:       FetchFailureSoft,
		contentLimit: DefaultContentLimit,
		publishLease: DefaultPublishLease,
		now:          time.Now,
	}
}

// Option configures a SettlementEngine, Verifier or Acquirer
type Option func(*settings)

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables Prometheus counters
func WithMetrics(metrics *Metrics) Option {
	return func(s *settings) {
		s.metrics = metrics
	}
}

// WithEventSink sets where audit events go.
//
// Default: events are dropped
func WithEventSink(sink EventSink) Option {
	return func(s *settings) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithDocumentBuilder sets how purchased content is shaped for the knowledge store
func WithDocumentBuilder(builder DocumentBuilder) Option {
	return func(s *settings) {
		if builder != nil {
			s.builder = builder
		}
	}
}

// WithFetchFailurePolicy sets the policy applied when the content fetch fails after payment.
// NewAcquirer rejects a policy that is neither soft nor strict.
//
// Default: FetchFailureSoft
func WithFetchFailurePolicy(policy FetchFailurePolicy) Option {
	return func(s *settings) {
		s.policy = policy
	}
}

// WithPublishLease sets how long a publish may hold its lease on a query.
//
// Default: 1 minute
func WithPublishLease(lease time.Duration) Option {
	return func(s *settings) {
		if lease > 0 {
			s.publishLease = lease
		}
	}
}

// WithContentLimit sets the result-count limit sent to the content source
func WithContentLimit(limit int) Option {
	return func(s *settings) {
		if limit > 0 {
			s.contentLimit = limit
		}
	}
}

// WithClock overrides the time source used for events and documents
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func applyOptions(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// DefaultDocument is the document used when no builder is configured
func DefaultDocument(content PublishedContent) Document {
	return Document{
		"query":         content.Query,
		"transactionId": content.TransactionID,
		"items":         content.Items,
		"purchasedAt":   content.PurchasedAt.UTC().Format(time.RFC3339),
	}
}
