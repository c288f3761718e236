package premium_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/premium"
	"github.com/x402-foundation/premium/cache"
	"github.com/x402-foundation/premium/test/mocks/chain"
)

// ============================================================================
// Test collaborators
// ============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubContent struct {
	mu      sync.Mutex
	items   []premium.ContentItem
	err     error
	calls   int
	queries []string
}

func (s *stubContent) Search(_ context.Context, query string, _ int) ([]premium.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	return s.items, nil
}

func (s *stubContent) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubKnowledge struct {
	mu        sync.Mutex
	published []premium.Document
	release   chan struct{}
	entered   int32
	err       error
}

func (s *stubKnowledge) Publish(_ context.Context, doc premium.Document) (string, error) {
	atomic.AddInt32(&s.entered, 1)
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.published = append(s.published, doc)
	return fmt.Sprintf("did:dkg:premium/%d", len(s.published)), nil
}

func (s *stubKnowledge) Query(_ context.Context, filter map[string]string) ([]premium.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []premium.Document
	for _, doc := range s.published {
		if doc["query"] == filter["query"] {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *stubKnowledge) Publishes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

type recordingSink struct {
	mu     sync.Mutex
	events []premium.Event
}

func (s *recordingSink) Emit(_ context.Context, event premium.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Types() []premium.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []premium.EventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	resolver  *premium.RequirementResolver
	ledger    *chain.Ledger
	store     *cache.InMemoryStore
	clock     *testClock
	content   *stubContent
	knowledge *stubKnowledge
	sink      *recordingSink
	metrics   *premium.Metrics
	acquirer  *premium.Acquirer
}

func newHarness(t *testing.T, opts ...premium.Option) *harness {
	t.Helper()

	h := &harness{
		ledger: chain.NewLedger(payerAddress),
		clock:  &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		content: &stubContent{items: []premium.ContentItem{
			{ID: "W1", Title: "Metformin outcomes", DOI: "10.1000/met"},
			{ID: "W2", Title: "GLP-1 agonists", DOI: "10.1000/glp"},
		}},
		knowledge: &stubKnowledge{},
		sink:      &recordingSink{},
		metrics:   premium.NewMetrics(prometheus.NewRegistry()),
	}
	h.store = cache.NewInMemoryStore(cache.WithTTL(5*time.Minute), cache.WithClock(h.clock.Now))
	h.ledger.SetBalance(payerAddress, "", ether(1))
	h.ledger.SetFee(new(big.Int).Mul(big.NewInt(21000), gwei))

	resolver, err := premium.NewRequirementResolver(premium.ResolverConfig{
		Network:   "eip155:84532",
		Recipient: recipientAddress,
		Currency:  "ETH",
		Decimals:  18,
		Prices:    map[premium.RequestClass]string{premium.ClassPremiumSearch: "0.001"},
	})
	require.NoError(t, err)
	h.resolver = resolver

	opts = append([]premium.Option{
		premium.WithEventSink(h.sink),
		premium.WithMetrics(h.metrics),
		premium.WithClock(h.clock.Now),
	}, opts...)

	h.acquirer, err = premium.NewAcquirer(premium.AcquirerConfig{
		Store:      h.store,
		Resolver:   resolver,
		Settlement: premium.NewSettlementEngine(h.ledger, opts...),
		Verifier:   premium.NewVerifier(h.ledger, opts...),
		Content:    h.content,
		Knowledge:  h.knowledge,
	}, opts...)
	require.NoError(t, err)
	return h
}

// peer builds a second acquirer on h's store and chain, as another gateway instance would be
func (h *harness) peer(t *testing.T, knowledge premium.KnowledgeStore) *premium.Acquirer {
	t.Helper()
	acquirer, err := premium.NewAcquirer(premium.AcquirerConfig{
		Store:     h.store,
		Resolver:  h.resolver,
		Verifier:  premium.NewVerifier(h.ledger),
		Content:   h.content,
		Knowledge: knowledge,
	}, premium.WithClock(h.clock.Now))
	require.NoError(t, err)
	return acquirer
}

// paid records an external payment of amount wei to the configured recipient
func (h *harness) paid(amount *big.Int) string {
	return h.ledger.Record(premium.Transaction{
		From:   "0x00000000000000000000000000000000000000A1",
		To:     recipientAddress,
		Amount: amount,
	}, mined(1))
}

var price = big.NewInt(1_000_000_000_000_000)

// ============================================================================
// Purchase scenarios
// ============================================================================

func TestPurchase_NoPaymentReturnsInstructions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment"})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchasePaymentRequired, resp.Status)
	require.NotNil(t, resp.Requirement)
	assert.Equal(t, recipientAddress, resp.Requirement.Recipient)
	assert.Equal(t, "1000000000000000", resp.Requirement.Amount)
	assert.Contains(t, resp.Message, "0.001 ETH")
	assert.False(t, resp.IsError())
	assert.Equal(t, 0, h.ledger.Sends())
	assert.Equal(t, 0, h.content.Calls())

	_, err = h.store.Get(ctx, "diabetes treatment")
	assert.ErrorIs(t, err, premium.ErrEntryNotFound)

	claim, err := h.store.ClaimOrGet(ctx, "diabetes treatment")
	require.NoError(t, err)
	assert.Equal(t, premium.ClaimMiss, claim.Outcome)
}

func TestPurchase_AutoPayInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ledger.SetBalance(payerAddress, "", big.NewInt(1_000_000_000_000_000))

	resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", AutoPay: true})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseFailed, resp.Status)
	assert.Equal(t, premium.ErrCodeInsufficientFunds, resp.ErrorCode)
	assert.Equal(t, "insufficient funds: balance 0.001 ETH is below required 0.001021 ETH (amount plus fee)", resp.Message)
	assert.True(t, resp.IsError())
	assert.Empty(t, resp.Items)
	assert.Equal(t, 0, h.ledger.Sends())
	assert.Equal(t, 0, h.content.Calls())

	entry, err := h.store.Get(ctx, "diabetes treatment")
	require.NoError(t, err)
	assert.Equal(t, premium.CacheFailed, entry.Status)
}

func TestPurchase_ExplicitTransactionVerifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := h.paid(price)

	resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "Diabetes  Treatment", TransactionID: txID})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseSuccess, resp.Status)
	assert.Equal(t, txID, resp.TransactionID)
	assert.Equal(t, "diabetes treatment", resp.Query)
	assert.Len(t, resp.Items, 2)
	require.NotNil(t, resp.Verification)
	assert.True(t, resp.Verification.Verified)
	assert.False(t, resp.Cached)

	assert.Equal(t, 0, h.ledger.Sends())
	assert.Equal(t, []string{"diabetes treatment"}, h.content.queries)

	entry, err := h.store.Get(ctx, "diabetes treatment")
	require.NoError(t, err)
	assert.Equal(t, premium.CacheSuccess, entry.Status)
	require.NotNil(t, entry.Response)
	assert.Equal(t, txID, entry.Response.TransactionID)
	assert.Len(t, entry.Response.Items, 2)
}

func TestPurchase_UnderpaymentFailsVerification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := h.paid(new(big.Int).Sub(price, big.NewInt(1)))

	resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", TransactionID: txID})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseFailed, resp.Status)
	assert.Equal(t, premium.ErrCodeVerificationFailed, resp.ErrorCode)
	assert.Contains(t, resp.Message, "payment verification failed")
	require.NotNil(t, resp.Verification)
	assert.False(t, resp.Verification.Verified)
	assert.Equal(t, premium.ReasonInsufficientAmount, resp.Verification.Reason)
	assert.Empty(t, resp.Items)
	assert.Equal(t, 0, h.content.Calls())

	entry, err := h.store.Get(ctx, "diabetes treatment")
	require.NoError(t, err)
	assert.Equal(t, premium.CacheFailed, entry.Status)
}

func TestPurchase_ConcurrentCallersSettleOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ledger.HoldReceipts()

	first := make(chan premium.PurchaseResponse, 1)
	go func() {
		resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "cancer immunotherapy", AutoPay: true})
		if err != nil {
			t.Errorf("first purchase: %v", err)
		}
		first <- resp
	}()
	require.Eventually(t, func() bool { return h.ledger.Sends() == 1 }, time.Second, 5*time.Millisecond)

	second, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "Cancer Immunotherapy", AutoPay: true})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchasePending, second.Status)
	assert.Contains(t, second.Message, "in progress")

	h.ledger.ReleaseReceipts()
	firstResp := <-first
	require.Equal(t, premium.PurchaseSuccess, firstResp.Status)
	assert.NotEmpty(t, firstResp.TransactionID)

	third, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "cancer immunotherapy", AutoPay: true})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseSuccess, third.Status)
	assert.True(t, third.Cached)
	assert.Equal(t, firstResp.TransactionID, third.TransactionID)
	assert.Equal(t, firstResp.Items, third.Items)

	assert.Equal(t, 1, h.ledger.Sends())
	assert.Equal(t, 1, h.content.Calls())
	assert.Equal(t, []premium.EventType{premium.EventPurchaseSettled, premium.EventPurchaseCompleted}, h.sink.Types())
}

func TestPurchase_ManyConcurrentCallers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "cancer immunotherapy", AutoPay: true})
			if err != nil {
				t.Errorf("purchase: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.ledger.Sends())
}

func TestPurchase_FailureReplayedUntilTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	short := h.paid(big.NewInt(1))

	resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", TransactionID: short})
	require.NoError(t, err)
	require.Equal(t, premium.PurchaseFailed, resp.Status)

	good := h.paid(price)
	h.clock.Advance(4 * time.Minute)
	replayed, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", TransactionID: good})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseFailed, replayed.Status)
	assert.True(t, replayed.Cached)
	assert.Equal(t, short, replayed.TransactionID)

	h.clock.Advance(time.Minute)
	fresh, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", TransactionID: good})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseSuccess, fresh.Status)
	assert.False(t, fresh.Cached)
	assert.Equal(t, good, fresh.TransactionID)
}

func TestPurchase_TransactionBuysOneQuery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := h.paid(price)

	first, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", TransactionID: txID})
	require.NoError(t, err)
	require.Equal(t, premium.PurchaseSuccess, first.Status)

	for _, query := range []string{"cancer immunotherapy", "alzheimer biomarkers"} {
		resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: query, TransactionID: txID})
		require.NoError(t, err)
		assert.Equal(t, premium.PurchaseFailed, resp.Status, query)
		assert.Equal(t, premium.ErrCodeVerificationFailed, resp.ErrorCode, query)
		assert.Contains(t, resp.Message, premium.ReasonTransactionAlreadyUsed)
		require.NotNil(t, resp.Verification)
		assert.False(t, resp.Verification.Verified)
		assert.Equal(t, premium.ReasonTransactionAlreadyUsed, resp.Verification.Reason)
		assert.Empty(t, resp.Items)
	}
	assert.Equal(t, []string{"diabetes treatment"}, h.content.queries)

	// the query it paid for can be bought again with it once the entry expires
	h.clock.Advance(5 * time.Minute)
	again, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "Diabetes Treatment", TransactionID: txID})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseSuccess, again.Status)
	assert.False(t, again.Cached)
}

func TestPurchase_ReplayedTransactionCannotBuyOtherQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", AutoPay: true})
	require.NoError(t, err)
	replayed, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment"})
	require.NoError(t, err)
	require.True(t, replayed.Cached)
	require.NotEmpty(t, replayed.TransactionID)

	resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "cancer immunotherapy", TransactionID: replayed.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseFailed, resp.Status)
	require.NotNil(t, resp.Verification)
	assert.Equal(t, premium.ReasonTransactionAlreadyUsed, resp.Verification.Reason)
	assert.Equal(t, 1, h.ledger.Sends())
	assert.Equal(t, 1, h.content.Calls())
}

func TestPurchase_SoftFetchFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.content.err = errors.New("upstream returned 503")
	txID := h.paid(price)

	resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", TransactionID: txID})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseSuccess, resp.Status)
	assert.True(t, resp.PartialFailure)
	assert.Equal(t, premium.ErrCodeUpstreamFetchFailed, resp.ErrorCode)
	assert.Empty(t, resp.Items)
	assert.Equal(t, txID, resp.TransactionID)

	entry, err := h.store.Get(ctx, "diabetes treatment")
	require.NoError(t, err)
	assert.Equal(t, premium.CacheSuccess, entry.Status)
}

func TestPurchase_StrictFetchFailure(t *testing.T) {
	h := newHarness(t, premium.WithFetchFailurePolicy(premium.FetchFailureStrict))
	ctx := context.Background()
	h.content.err = errors.New("upstream returned 503")
	txID := h.paid(price)

	resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", TransactionID: txID})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseFailed, resp.Status)
	assert.Equal(t, premium.ErrCodeUpstreamFetchFailed, resp.ErrorCode)
	assert.Contains(t, resp.Message, "payment verified")

	entry, err := h.store.Get(ctx, "diabetes treatment")
	require.NoError(t, err)
	assert.Equal(t, premium.CacheFailed, entry.Status)
}

func TestPurchase_CancelledSettlementCommitsFailed(t *testing.T) {
	h := newHarness(t)
	h.ledger.HoldReceipts()
	defer h.ledger.ReleaseReceipts()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan premium.PurchaseResponse, 1)
	go func() {
		resp, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", AutoPay: true})
		if err != nil {
			t.Errorf("purchase: %v", err)
		}
		done <- resp
	}()
	require.Eventually(t, func() bool { return h.ledger.Sends() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	resp := <-done
	assert.Equal(t, premium.PurchaseFailed, resp.Status)
	assert.Equal(t, premium.ErrCodeCancelled, resp.ErrorCode)
	assert.NotEmpty(t, resp.TransactionID)

	entry, err := h.store.Get(context.Background(), "diabetes treatment")
	require.NoError(t, err)
	assert.Equal(t, premium.CacheFailed, entry.Status)
	assert.Equal(t, 0, h.content.Calls())
}

func TestPurchase_NoCredentialCommitsFailed(t *testing.T) {
	h := newHarness(t)
	resolver, err := premium.NewRequirementResolver(premium.ResolverConfig{
		Network:   "eip155:84532",
		Recipient: recipientAddress,
		Currency:  "ETH",
		Decimals:  18,
		Prices:    map[premium.RequestClass]string{premium.ClassPremiumSearch: "0.001"},
	})
	require.NoError(t, err)

	acquirer, err := premium.NewAcquirer(premium.AcquirerConfig{
		Store:    h.store,
		Resolver: resolver,
		Verifier: premium.NewVerifier(h.ledger),
		Content:  h.content,
	})
	require.NoError(t, err)

	resp, err := acquirer.Purchase(context.Background(), premium.PurchaseRequest{Query: "q", AutoPay: true})
	require.NoError(t, err)
	assert.Equal(t, premium.ErrCodeConfiguration, resp.ErrorCode)
	assert.Equal(t, 0, h.ledger.Sends())
}

func TestPurchase_EmptyQuery(t *testing.T) {
	h := newHarness(t)
	resp, err := h.acquirer.Purchase(context.Background(), premium.PurchaseRequest{Query: "   ", AutoPay: true})
	require.NoError(t, err)
	assert.Equal(t, premium.PurchaseFailed, resp.Status)
	assert.Equal(t, premium.ErrCodeInvalidRequest, resp.ErrorCode)
	assert.Equal(t, 0, h.store.Len())
}

func TestPurchase_Metrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "q"})
	require.NoError(t, err)
	_, err = h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "q", AutoPay: true})
	require.NoError(t, err)
	_, err = h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "q", AutoPay: true})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Purchases.WithLabelValues("payment_required")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Purchases.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Purchases.WithLabelValues("cached")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Settlements.WithLabelValues("confirmed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Verifications.WithLabelValues("verified")))
}

// ============================================================================
// Publish
// ============================================================================

func TestPublishPurchased_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := h.paid(price)

	_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", TransactionID: txID})
	require.NoError(t, err)

	first, err := h.acquirer.PublishPurchased(ctx, "Diabetes Treatment")
	require.NoError(t, err)
	assert.False(t, first.AlreadyPublished)
	assert.NotEmpty(t, first.Reference)

	second, err := h.acquirer.PublishPurchased(ctx, "diabetes treatment")
	require.NoError(t, err)
	assert.True(t, second.AlreadyPublished)
	assert.Equal(t, first.Reference, second.Reference)

	assert.Equal(t, 1, h.knowledge.Publishes())
	doc := h.knowledge.published[0]
	assert.Equal(t, "diabetes treatment", doc["query"])
	assert.Equal(t, txID, doc["transactionId"])

	entry, err := h.store.Get(ctx, "diabetes treatment")
	require.NoError(t, err)
	assert.Equal(t, first.Reference, entry.PublishedReference)
	assert.Contains(t, h.sink.Types(), premium.EventContentPublished)
}

func TestPublishPurchased_ConcurrentCallsPublishOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := h.paid(price)
	_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "q", TransactionID: txID})
	require.NoError(t, err)

	h.knowledge.release = make(chan struct{})
	const callers = 5
	refs := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.acquirer.PublishPurchased(ctx, "q")
			if err != nil {
				t.Errorf("publish: %v", err)
				return
			}
			refs[i] = resp.Reference
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(h.knowledge.release)
	wg.Wait()

	assert.Equal(t, 1, h.knowledge.Publishes())
	for _, ref := range refs {
		assert.Equal(t, refs[0], ref)
	}
}

func TestPublishPurchased_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := h.paid(price)
	_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "q", TransactionID: txID})
	require.NoError(t, err)

	h.knowledge.release = make(chan struct{})
	firstCtx, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.acquirer.PublishPurchased(firstCtx, "q")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.knowledge.entered) == 1 }, time.Second, 5*time.Millisecond)

	waiter := make(chan premium.PublishResponse, 1)
	go func() {
		resp, err := h.acquirer.PublishPurchased(ctx, "q")
		if err != nil {
			t.Errorf("waiting publish: %v", err)
		}
		waiter <- resp
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.Equal(t, premium.ErrCodeCancelled, premium.ErrorCode(err))
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(h.knowledge.release)
	resp := <-waiter
	assert.NotEmpty(t, resp.Reference)
	assert.Equal(t, 1, h.knowledge.Publishes())

	entry, err := h.store.Get(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, resp.Reference, entry.PublishedReference)
}

func TestPublishPurchased_SharedStorePublishesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := h.paid(price)
	_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "q", TransactionID: txID})
	require.NoError(t, err)

	otherKnowledge := &stubKnowledge{}
	other := h.peer(t, otherKnowledge)

	h.knowledge.release = make(chan struct{})
	done := make(chan premium.PublishResponse, 1)
	go func() {
		resp, err := h.acquirer.PublishPurchased(ctx, "q")
		if err != nil {
			t.Errorf("publish: %v", err)
		}
		done <- resp
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.knowledge.entered) == 1 }, time.Second, 5*time.Millisecond)

	_, err = other.PublishPurchased(ctx, "q")
	assert.Equal(t, premium.ErrCodePublishInProgress, premium.ErrorCode(err))
	assert.ErrorIs(t, err, premium.ErrPublishInProgress)
	assert.Zero(t, atomic.LoadInt32(&otherKnowledge.entered))

	close(h.knowledge.release)
	first := <-done

	second, err := other.PublishPurchased(ctx, "q")
	require.NoError(t, err)
	assert.True(t, second.AlreadyPublished)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, 1, h.knowledge.Publishes())
	assert.Zero(t, otherKnowledge.Publishes())
}

func TestPublishPurchased_FailedPublishReleasesLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := h.paid(price)
	_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "q", TransactionID: txID})
	require.NoError(t, err)

	h.knowledge.err = errors.New("knowledge node unavailable")
	_, err = h.acquirer.PublishPurchased(ctx, "q")
	assert.Equal(t, premium.ErrCodeKnowledgeStoreFailure, premium.ErrorCode(err))

	otherKnowledge := &stubKnowledge{}
	resp, err := h.peer(t, otherKnowledge).PublishPurchased(ctx, "q")
	require.NoError(t, err)
	assert.False(t, resp.AlreadyPublished)
	assert.Equal(t, 1, otherKnowledge.Publishes())
}

func TestPublishPurchased_RequiresSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.acquirer.PublishPurchased(ctx, "never bought")
	assert.Equal(t, premium.ErrCodeNotPurchased, premium.ErrorCode(err))
	assert.ErrorIs(t, err, premium.ErrEntryNotFound)

	short := h.paid(big.NewInt(1))
	_, err = h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "underpaid", TransactionID: short})
	require.NoError(t, err)

	_, err = h.acquirer.PublishPurchased(ctx, "underpaid")
	assert.Equal(t, premium.ErrCodeNotPurchased, premium.ErrorCode(err))
	assert.ErrorIs(t, err, premium.ErrEntryNotSuccessful)
	assert.Equal(t, 0, h.knowledge.Publishes())
}

func TestPublishPurchased_CustomDocumentBuilder(t *testing.T) {
	h := newHarness(t, premium.WithDocumentBuilder(func(content premium.PublishedContent) premium.Document {
		return premium.Document{"query": content.Query, "count": len(content.Items)}
	}))
	ctx := context.Background()
	txID := h.paid(price)
	_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "q", TransactionID: txID})
	require.NoError(t, err)

	_, err = h.acquirer.PublishPurchased(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, h.knowledge.published[0]["count"])
}

func TestSearchPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID := h.paid(price)
	_, err := h.acquirer.Purchase(ctx, premium.PurchaseRequest{Query: "diabetes treatment", TransactionID: txID})
	require.NoError(t, err)
	_, err = h.acquirer.PublishPurchased(ctx, "diabetes treatment")
	require.NoError(t, err)

	docs, err := h.acquirer.SearchPublished(ctx, "DIABETES treatment")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	docs, err = h.acquirer.SearchPublished(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestNewAcquirer_RequiresCollaborators(t *testing.T) {
	_, err := premium.NewAcquirer(premium.AcquirerConfig{})
	assert.Equal(t, premium.ErrCodeConfiguration, premium.ErrorCode(err))
}

func TestNewAcquirer_RejectsUnknownFetchFailurePolicy(t *testing.T) {
	h := newHarness(t)
	config := premium.AcquirerConfig{
		Store:    h.store,
		Resolver: h.resolver,
		Verifier: premium.NewVerifier(h.ledger),
		Content:  h.content,
	}

	_, err := premium.NewAcquirer(config, premium.WithFetchFailurePolicy("refund"))
	assert.Equal(t, premium.ErrCodeConfiguration, premium.ErrorCode(err))
	assert.Contains(t, err.Error(), "refund")

	for _, policy := range []premium.FetchFailurePolicy{premium.FetchFailureSoft, premium.FetchFailureStrict} {
		_, err := premium.NewAcquirer(config, premium.WithFetchFailurePolicy(policy))
		assert.NoError(t, err, policy)
	}
}
