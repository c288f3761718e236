package premium

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AcquirerConfig holds the collaborators of an Acquirer
type AcquirerConfig struct {
	Store      QueryStore
	Resolver   *RequirementResolver
	Settlement *SettlementEngine
	Verifier   *Verifier
	Content    ContentSource
	// Knowledge is optional; without it publish and search report a configuration error
	Knowledge KnowledgeStore
}

// Acquirer composes resolution, settlement, verification and content fetch behind the
// dedup cache. Within one query key settlement precedes verification, which precedes
// the content fetch, which precedes the cache commit.
type Acquirer struct {
	store      QueryStore
	resolver   *RequirementResolver
	settlement *SettlementEngine
	verifier   *Verifier
	content    ContentSource
	knowledge  KnowledgeStore
	settings

	publishes singleflight.Group
}

// NewAcquirer creates an Acquirer
func NewAcquirer(config AcquirerConfig, opts ...Option) (*Acquirer, error) {
	if config.Store == nil {
		return nil, NewPaymentError(ErrCodeConfiguration, "query store is required", nil)
	}
	if config.Resolver == nil {
		return nil, NewPaymentError(ErrCodeConfiguration, "requirement resolver is required", nil)
	}
	if config.Verifier == nil {
		return nil, NewPaymentError(ErrCodeConfiguration, "verifier is required", nil)
	}
	if config.Content == nil {
		return nil, NewPaymentError(ErrCodeConfiguration, "content source is required", nil)
	}

	s := applyOptions(opts)
	if !s.policy.Valid() {
		return nil, NewPaymentError(ErrCodeConfiguration,
			fmt.Sprintf("unknown fetch failure policy %q", s.policy), nil)
	}
	settlement := config.Settlement
	if settlement == nil {
		settlement = NewSettlementEngine(nil, opts...)
	}

	return &Acquirer{
		store:      config.Store,
		resolver:   config.Resolver,
		settlement: settlement,
		verifier:   config.Verifier,
		content:    config.Content,
		knowledge:  config.Knowledge,
		settings:   s,
	}, nil
}

// ============================================================================
// Purchase
// ============================================================================

// Purchase buys premium content for a query. Duplicate concurrent calls for the same
// normalized query see a pending response; calls within the TTL after completion see the
// committed response replayed. The error return is reserved for store failures; payment
// and content failures are reported in the response.
func (a *Acquirer) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResponse, error) {
	key := NormalizeQuery(req.Query)
	if key == "" {
		a.metrics.purchase(string(PurchaseFailed))
		return PurchaseResponse{
			Status:    PurchaseFailed,
			Message:   "a non-empty query is required",
			ErrorCode: ErrCodeInvalidRequest,
		}, nil
	}
	txID := strings.TrimSpace(req.TransactionID)
	logger := a.logger.With(zap.String("query", key))

	claim, err := a.store.ClaimOrGet(ctx, key)
	if err != nil {
		return PurchaseResponse{}, fmt.Errorf("claim %q: %w", key, err)
	}

	switch claim.Outcome {
	case ClaimPending:
		a.metrics.purchase(string(PurchasePending))
		logger.Debug("purchase already in progress")
		return PurchaseResponse{
			Status:  PurchasePending,
			Query:   key,
			Message: "a purchase for this query is already in progress; retry shortly",
		}, nil
	case ClaimHit:
		a.metrics.purchase("cached")
		logger.Debug("replaying cached purchase", zap.String("status", string(claim.Entry.Status)))
		return replay(key, claim.Entry), nil
	}

	token := claim.Token
	requirement, err := a.resolver.Resolve(ClassPremiumSearch, nil)
	if err != nil {
		a.release(ctx, key, token)
		a.metrics.purchase(string(PurchaseFailed))
		return a.failure(key, nil, "", err), nil
	}

	if txID == "" && !req.AutoPay {
		a.release(ctx, key, token)
		a.metrics.purchase(string(PurchasePaymentRequired))
		return PurchaseResponse{
			Status: PurchasePaymentRequired,
			Query:  key,
			Message: fmt.Sprintf("payment of %s to %s on %s is required; pay and retry with the transaction id, or set autoPay",
				requirement.DisplayAmount(), requirement.Recipient, requirement.Network),
			Requirement: &requirement,
		}, nil
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// reached only when acquire panicked
		abandoned := PurchaseResponse{
			Status:    PurchaseFailed,
			Query:     key,
			Message:   "purchase aborted",
			ErrorCode: ErrCodeCancelled,
		}
		if err := a.store.Commit(context.WithoutCancel(ctx), key, token, CacheFailed, &abandoned); err != nil {
			logger.Error("failed to commit abandoned purchase", zap.Error(err))
		}
	}()

	resp := a.acquire(ctx, key, txID, requirement)

	status := CacheFailed
	if resp.Status == PurchaseSuccess {
		status = CacheSuccess
	}
	err = a.store.Commit(context.WithoutCancel(ctx), key, token, status, &resp)
	committed = true
	a.metrics.purchase(string(resp.Status))
	if err != nil {
		return resp, fmt.Errorf("commit %q: %w", key, err)
	}
	return resp, nil
}

// acquire runs settlement (auto-pay only), verification and the content fetch in order.
// Any failure short-circuits to a failed response.
func (a *Acquirer) acquire(ctx context.Context, key, txID string, requirement PaymentRequirement) PurchaseResponse {
	logger := a.logger.With(zap.String("query", key))

	if txID == "" {
		attempt, err := a.settlement.Settle(ctx, requirement)
		if err != nil {
			return a.failure(key, &requirement, attempt.TransactionID, err)
		}
		txID = attempt.TransactionID
		event := NewEvent(EventPurchaseSettled, key, a.now())
		event.TransactionID = txID
		a.emit(ctx, event)
	}

	verification, err := a.verifier.Verify(ctx, txID, requirement)
	if err != nil {
		return a.failure(key, &requirement, txID, err)
	}
	if !verification.Verified {
		resp := a.failure(key, &requirement, txID,
			NewPaymentError(ErrCodeVerificationFailed, "payment verification failed: "+verification.Reason, nil))
		resp.Verification = &verification
		return resp
	}

	if err := a.store.ClaimTransaction(ctx, verification.TransactionID, key); err != nil {
		if !errors.Is(err, ErrTransactionUsed) {
			return a.failure(key, &requirement, txID,
				WrapPaymentError(ErrCodeVerificationFailed, "could not record payment transaction", err))
		}
		verification.Verified = false
		verification.Reason = ReasonTransactionAlreadyUsed
		resp := a.failure(key, &requirement, txID,
			NewPaymentError(ErrCodeVerificationFailed, "payment verification failed: "+verification.Reason, nil))
		resp.Verification = &verification
		return resp
	}

	items, err := a.content.Search(ctx, key, a.contentLimit)
	if err != nil {
		if ctx.Err() != nil {
			return a.failure(key, &requirement, txID, WrapPaymentError(ErrCodeCancelled, "content fetch cancelled", err))
		}
		logger.Warn("premium content fetch failed after verified payment",
			zap.String("tx", txID), zap.String("policy", string(a.policy)), zap.Error(err))
		if a.policy == FetchFailureStrict {
			resp := a.failure(key, &requirement, txID,
				WrapPaymentError(ErrCodeUpstreamFetchFailed, "payment verified but premium content fetch failed", err))
			resp.Verification = &verification
			return resp
		}
		resp := a.success(key, &requirement, &verification, nil)
		resp.PartialFailure = true
		resp.ErrorCode = ErrCodeUpstreamFetchFailed
		resp.Message = "payment verified but premium content fetch failed; zero results returned"
		return resp
	}

	return a.success(key, &requirement, &verification, items)
}

func (a *Acquirer) success(key string, requirement *PaymentRequirement, verification *PaymentVerification, items []ContentItem) PurchaseResponse {
	event := NewEvent(EventPurchaseCompleted, key, a.now())
	event.TransactionID = verification.TransactionID
	event.Items = len(items)
	a.emit(context.Background(), event)

	a.logger.Info("purchase completed",
		zap.String("query", key),
		zap.String("tx", verification.TransactionID),
		zap.Int("items", len(items)))

	return PurchaseResponse{
		Status:        PurchaseSuccess,
		Query:         key,
		Message:       fmt.Sprintf("purchased %d premium results", len(items)),
		TransactionID: verification.TransactionID,
		Items:         items,
		Requirement:   requirement,
		Verification:  verification,
	}
}

func (a *Acquirer) failure(key string, requirement *PaymentRequirement, txID string, err error) PurchaseResponse {
	code := ErrorCode(err)
	if code == "" {
		code = ErrCodeSettlementFailed
	}

	event := NewEvent(EventPurchaseFailed, key, a.now())
	event.TransactionID = txID
	event.ErrorCode = code
	a.emit(context.Background(), event)

	a.logger.Warn("purchase failed",
		zap.String("query", key),
		zap.String("tx", txID),
		zap.String("code", code),
		zap.Error(err))

	return PurchaseResponse{
		Status:        PurchaseFailed,
		Query:         key,
		Message:       failureMessage(err),
		TransactionID: txID,
		Requirement:   requirement,
		ErrorCode:     code,
	}
}

func failureMessage(err error) string {
	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) {
		return insufficient.Error()
	}
	var paymentErr *PaymentError
	if errors.As(err, &paymentErr) {
		if paymentErr.Err != nil {
			return fmt.Sprintf("%s: %v", paymentErr.Message, paymentErr.Err)
		}
		return paymentErr.Message
	}
	return err.Error()
}

func replay(key string, entry *CacheEntry) PurchaseResponse {
	if entry.Response == nil {
		return PurchaseResponse{
			Status:  PurchaseStatus(entry.Status),
			Query:   key,
			Message: "cached purchase result",
			Cached:  true,
		}
	}
	resp := *entry.Response
	resp.Cached = true
	return resp
}

func (a *Acquirer) release(ctx context.Context, key, token string) {
	if err := a.store.Release(context.WithoutCancel(ctx), key, token); err != nil {
		a.logger.Error("failed to release claim", zap.String("query", key), zap.Error(err))
	}
}

func (a *Acquirer) emit(ctx context.Context, event Event) {
	if err := a.sink.Emit(context.WithoutCancel(ctx), event); err != nil {
		a.logger.Warn("failed to emit event",
			zap.String("type", string(event.Type)),
			zap.String("query", event.Query),
			zap.Error(err))
	}
}

// ============================================================================
// Publish
// ============================================================================

// PublishPurchased publishes the content of a successful purchase to the knowledge store.
// Repeated calls return the first reference and publish only once. Concurrent calls in
// one process share a single publish; across processes the store's publish lease keeps
// a second gateway from publishing while the first is in flight.
func (a *Acquirer) PublishPurchased(ctx context.Context, query string) (PublishResponse, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return PublishResponse{}, NewPaymentError(ErrCodeInvalidRequest, "a non-empty query is required", nil)
	}
	if a.knowledge == nil {
		return PublishResponse{}, NewPaymentError(ErrCodeConfiguration, "no knowledge store configured", nil)
	}

	// the shared publish outlives any single caller
	ch := a.publishes.DoChan(key, func() (interface{}, error) {
		return a.publish(context.WithoutCancel(ctx), key)
	})
	var result singleflight.Result
	select {
	case result = <-ch:
	case <-ctx.Done():
		a.metrics.publish("failed")
		return PublishResponse{}, WrapPaymentError(ErrCodeCancelled, "publish cancelled", ctx.Err())
	}
	if result.Err != nil {
		a.metrics.publish("failed")
		return PublishResponse{}, result.Err
	}
	resp := result.Val.(PublishResponse)
	if resp.AlreadyPublished {
		a.metrics.publish("already_published")
	} else {
		a.metrics.publish("published")
	}
	return resp, nil
}

func (a *Acquirer) publish(ctx context.Context, key string) (PublishResponse, error) {
	entry, err := a.store.Get(ctx, key)
	if errors.Is(err, ErrEntryNotFound) {
		return PublishResponse{}, &PaymentError{
			Code:    ErrCodeNotPurchased,
			Message: "no purchase found for query",
			Details: map[string]interface{}{"query": key},
			Err:     err,
		}
	}
	if err != nil {
		return PublishResponse{}, fmt.Errorf("lookup %q: %w", key, err)
	}
	if entry.Status != CacheSuccess || entry.Response == nil {
		return PublishResponse{}, &PaymentError{
			Code:    ErrCodeNotPurchased,
			Message: fmt.Sprintf("purchase for query is %s, not success", entry.Status),
			Details: map[string]interface{}{"query": key},
			Err:     ErrEntryNotSuccessful,
		}
	}
	if entry.PublishedReference != "" {
		return PublishResponse{Query: key, Reference: entry.PublishedReference, AlreadyPublished: true}, nil
	}

	existing, token, err := a.store.ClaimPublish(ctx, key, a.publishLease)
	switch {
	case errors.Is(err, ErrPublishInProgress):
		return PublishResponse{}, &PaymentError{
			Code:    ErrCodePublishInProgress,
			Message: "content for query is being published; retry shortly",
			Details: map[string]interface{}{"query": key},
			Err:     err,
		}
	case err != nil:
		return PublishResponse{}, fmt.Errorf("claim publish of %q: %w", key, err)
	case existing != "":
		return PublishResponse{Query: key, Reference: existing, AlreadyPublished: true}, nil
	}

	doc := a.builder(PublishedContent{
		Query:         key,
		TransactionID: entry.Response.TransactionID,
		Items:         entry.Response.Items,
		PurchasedAt:   entry.Timestamp,
	})
	ref, err := a.knowledge.Publish(ctx, doc)
	if err != nil {
		if releaseErr := a.store.ReleasePublish(ctx, key, token); releaseErr != nil {
			a.logger.Error("failed to release publish lease", zap.String("query", key), zap.Error(releaseErr))
		}
		return PublishResponse{}, WrapPaymentError(ErrCodeKnowledgeStoreFailure, "publish to knowledge store failed", err)
	}

	stored, err := a.store.AttachReference(ctx, key, ref)
	if err != nil {
		return PublishResponse{}, fmt.Errorf("attach reference to %q: %w", key, err)
	}

	event := NewEvent(EventContentPublished, key, a.now())
	event.TransactionID = entry.Response.TransactionID
	event.Reference = stored
	a.emit(ctx, event)
	a.logger.Info("content published", zap.String("query", key), zap.String("reference", stored))

	return PublishResponse{Query: key, Reference: stored, AlreadyPublished: stored != ref}, nil
}

// SearchPublished returns knowledge-store documents previously published for a query
func (a *Acquirer) SearchPublished(ctx context.Context, query string) ([]Document, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return nil, NewPaymentError(ErrCodeInvalidRequest, "a non-empty query is required", nil)
	}
	if a.knowledge == nil {
		return nil, NewPaymentError(ErrCodeConfiguration, "no knowledge store configured", nil)
	}
	docs, err := a.knowledge.Query(ctx, map[string]string{"query": key})
	if err != nil {
		return nil, WrapPaymentError(ErrCodeKnowledgeStoreFailure, "query knowledge store failed", err)
	}
	return docs, nil
}

var _ PurchaseActions = (*Acquirer)(nil)
