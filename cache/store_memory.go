package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/x402-foundation/premium"
)

// InMemoryStore is a QueryStore for single-process deployments.
//
// Features:
//   - Thread-safe with mutex protection
//   - Claim owner tokens checked on commit and release
//   - Lazy cleanup of expired entries
//   - Spent transactions are kept for the life of the process
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]*premium.CacheEntry
	spent   map[string]string
	config
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]*premium.CacheEntry),
		spent:   make(map[string]string),
		config:  newConfig(opts),
	}
}

// ClaimOrGet atomically returns the live entry for key or claims it as pending.
func (s *InMemoryStore) ClaimOrGet(_ context.Context, key string) (premium.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.entries[key]; ok {
		if !entry.Expired(now, s.ttl) {
			if entry.Status == premium.CachePending {
				return premium.Claim{Outcome: premium.ClaimPending}, nil
			}
			return premium.Claim{Outcome: premium.ClaimHit, Entry: copyEntry(entry)}, nil
		}
		delete(s.entries, key)
	}

	token := s.newToken()
	s.entries[key] = &premium.CacheEntry{
		Status:    premium.CachePending,
		Timestamp: now,
		Owner:     token,
	}

	s.cleanupExpiredLocked()
	return premium.Claim{Outcome: premium.ClaimMiss, Token: token}, nil
}

// Commit overwrites the pending entry owned by token with a terminal status.
func (s *InMemoryStore) Commit(_ context.Context, key, token string, status premium.CacheStatus, response *premium.PurchaseResponse) error {
	if status != premium.CacheSuccess && status != premium.CacheFailed {
		return premium.NewPaymentError(premium.ErrCodeInvalidRequest, "commit status must be success or failed", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.pendingLocked(key, token)
	if err != nil {
		return err
	}
	entry.Status = status
	entry.Timestamp = s.now()
	entry.Owner = ""
	entry.Response = copyResponse(response)
	return nil
}

// Release drops the pending entry owned by token.
func (s *InMemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.pendingLocked(key, token); err != nil {
		return err
	}
	delete(s.entries, key)
	return nil
}

// Get returns a copy of the live entry for key.
func (s *InMemoryStore) Get(_ context.Context, key string) (*premium.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(key)
	if err != nil {
		return nil, err
	}
	return copyEntry(entry), nil
}

// AttachReference sets the published reference once and returns the stored one.
func (s *InMemoryStore) AttachReference(_ context.Context, key, reference string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(key)
	if err != nil {
		return "", err
	}
	if entry.Status != premium.CacheSuccess {
		return "", premium.ErrEntryNotSuccessful
	}
	if entry.PublishedReference == "" {
		entry.PublishedReference = reference
	}
	entry.PublishOwner = ""
	entry.PublishUntil = time.Time{}
	return entry.PublishedReference, nil
}

// ClaimPublish takes a publish lease on a success entry.
func (s *InMemoryStore) ClaimPublish(_ context.Context, key string, lease time.Duration) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(key)
	if err != nil {
		return "", "", err
	}
	if entry.Status != premium.CacheSuccess {
		return "", "", premium.ErrEntryNotSuccessful
	}
	if entry.PublishedReference != "" {
		return entry.PublishedReference, "", nil
	}
	now := s.now()
	if entry.Publishing(now) {
		return "", "", premium.ErrPublishInProgress
	}
	token := s.newToken()
	entry.PublishOwner = token
	entry.PublishUntil = now.Add(lease)
	return "", token, nil
}

// ReleasePublish drops the publish lease owned by token. A lease that is gone or
// owned by someone else is left alone.
func (s *InMemoryStore) ReleasePublish(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.liveLocked(key)
	if err != nil {
		return err
	}
	if entry.PublishOwner == token {
		entry.PublishOwner = ""
		entry.PublishUntil = time.Time{}
	}
	return nil
}

// ClaimTransaction binds txID to key unless it is already bound to another key.
func (s *InMemoryStore) ClaimTransaction(_ context.Context, txID, key string) error {
	id := normalizeTransaction(txID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if bound, ok := s.spent[id]; ok && bound != key {
		return premium.ErrTransactionUsed
	}
	s.spent[id] = key
	return nil
}

// Len returns the number of stored entries, including expired ones not yet cleaned up.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *InMemoryStore) pendingLocked(key, token string) (*premium.CacheEntry, error) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, premium.ErrEntryNotFound
	}
	if entry.Status != premium.CachePending {
		return nil, premium.ErrEntryNotPending
	}
	if entry.Owner != token {
		return nil, premium.ErrNotClaimOwner
	}
	return entry, nil
}

func (s *InMemoryStore) liveLocked(key string) (*premium.CacheEntry, error) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, premium.ErrEntryNotFound
	}
	if entry.Expired(s.now(), s.ttl) {
		delete(s.entries, key)
		return nil, premium.ErrEntryNotFound
	}
	return entry, nil
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (s *InMemoryStore) cleanupExpiredLocked() {
	now := s.now()
	for key, entry := range s.entries {
		if entry.Expired(now, s.ttl) {
			delete(s.entries, key)
		}
	}
}

func normalizeTransaction(txID string) string {
	return strings.ToLower(strings.TrimSpace(txID))
}

func copyEntry(entry *premium.CacheEntry) *premium.CacheEntry {
	out := *entry
	out.Response = copyResponse(entry.Response)
	return &out
}

func copyResponse(response *premium.PurchaseResponse) *premium.PurchaseResponse {
	if response == nil {
		return nil
	}
	out := *response
	if response.Items != nil {
		out.Items = append([]premium.ContentItem(nil), response.Items...)
	}
	return &out
}

// Ensure InMemoryStore implements QueryStore
var _ premium.QueryStore = (*InMemoryStore)(nil)
