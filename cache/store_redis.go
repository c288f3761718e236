package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/x402-foundation/premium"
)

// ErrTooManyConflicts is returned when an optimistic transaction kept losing to concurrent writers.
var ErrTooManyConflicts = errors.New("redis transaction retries exhausted")

// RedisStore is a QueryStore shared by several processes.
//
// Entries are JSON values under keyPrefix+query. Pending entries are written without
// expiry; terminal entries carry a PX expiry equal to their remaining TTL, so Redis
// drops them on its own. Every state change runs under WATCH and is retried when the
// key changes between read and EXEC.
//
// Spent transactions live under spentPrefix+txID with no expiry. Publish leases are
// kept on the entry itself, so gateways sharing one Redis publish each query once.
type RedisStore struct {
	client redis.UniversalClient
	config
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{
		client: client,
		config: newConfig(opts),
	}
}

// ClaimOrGet atomically returns the live entry for key or claims it as pending.
func (s *RedisStore) ClaimOrGet(ctx context.Context, key string) (premium.Claim, error) {
	rkey := s.key(key)
	var claim premium.Claim

	err := s.transact(ctx, rkey, func(tx *redis.Tx) error {
		now := s.now()
		entry, err := s.load(ctx, tx, rkey)
		if err != nil && !errors.Is(err, premium.ErrEntryNotFound) {
			return err
		}
		if entry != nil && !entry.Expired(now, s.ttl) {
			if entry.Status == premium.CachePending {
				claim = premium.Claim{Outcome: premium.ClaimPending}
			} else {
				claim = premium.Claim{Outcome: premium.ClaimHit, Entry: entry}
			}
			return nil
		}

		token := s.newToken()
		if err := s.store(ctx, tx, rkey, &premium.CacheEntry{
			Status:    premium.CachePending,
			Timestamp: now,
			Owner:     token,
		}, 0); err != nil {
			return err
		}
		claim = premium.Claim{Outcome: premium.ClaimMiss, Token: token}
		return nil
	})
	if err != nil {
		return premium.Claim{}, fmt.Errorf("claim %s: %w", key, err)
	}
	return claim, nil
}

// Commit overwrites the pending entry owned by token with a terminal status.
func (s *RedisStore) Commit(ctx context.Context, key, token string, status premium.CacheStatus, response *premium.PurchaseResponse) error {
	if status != premium.CacheSuccess && status != premium.CacheFailed {
		return premium.NewPaymentError(premium.ErrCodeInvalidRequest, "commit status must be success or failed", nil)
	}
	rkey := s.key(key)

	return s.transact(ctx, rkey, func(tx *redis.Tx) error {
		entry, err := s.load(ctx, tx, rkey)
		if err != nil {
			return err
		}
		if err := checkOwner(entry, token); err != nil {
			return err
		}
		entry.Status = status
		entry.Timestamp = s.now()
		entry.Owner = ""
		entry.Response = response
		return s.store(ctx, tx, rkey, entry, s.ttl)
	})
}

// Release drops the pending entry owned by token.
func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	rkey := s.key(key)

	return s.transact(ctx, rkey, func(tx *redis.Tx) error {
		entry, err := s.load(ctx, tx, rkey)
		if err != nil {
			return err
		}
		if err := checkOwner(entry, token); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rkey)
			return nil
		})
		return err
	})
}

// Get returns the live entry for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*premium.CacheEntry, error) {
	entry, err := s.load(ctx, s.client, s.key(key))
	if err != nil {
		return nil, err
	}
	if entry.Expired(s.now(), s.ttl) {
		return nil, premium.ErrEntryNotFound
	}
	return entry, nil
}

// AttachReference sets the published reference once and returns the stored one.
// The entry keeps its remaining TTL.
func (s *RedisStore) AttachReference(ctx context.Context, key, reference string) (string, error) {
	rkey := s.key(key)
	var stored string

	err := s.transact(ctx, rkey, func(tx *redis.Tx) error {
		entry, err := s.load(ctx, tx, rkey)
		if err != nil {
			return err
		}
		remaining := entry.Timestamp.Add(s.ttl).Sub(s.now())
		if remaining <= 0 {
			return premium.ErrEntryNotFound
		}
		if entry.Status != premium.CacheSuccess {
			return premium.ErrEntryNotSuccessful
		}
		if entry.PublishedReference != "" {
			stored = entry.PublishedReference
			return nil
		}
		entry.PublishedReference = reference
		entry.PublishOwner = ""
		entry.PublishUntil = time.Time{}
		if err := s.store(ctx, tx, rkey, entry, remaining); err != nil {
			return err
		}
		stored = reference
		return nil
	})
	if err != nil {
		return "", err
	}
	return stored, nil
}

// ClaimPublish takes a publish lease on a success entry. The entry keeps its remaining TTL.
func (s *RedisStore) ClaimPublish(ctx context.Context, key string, lease time.Duration) (string, string, error) {
	rkey := s.key(key)
	var reference, token string

	err := s.transact(ctx, rkey, func(tx *redis.Tx) error {
		reference, token = "", ""
		entry, remaining, err := s.loadLive(ctx, tx, rkey)
		if err != nil {
			return err
		}
		if entry.Status != premium.CacheSuccess {
			return premium.ErrEntryNotSuccessful
		}
		if entry.PublishedReference != "" {
			reference = entry.PublishedReference
			return nil
		}
		now := s.now()
		if entry.Publishing(now) {
			return premium.ErrPublishInProgress
		}
		entry.PublishOwner = s.newToken()
		entry.PublishUntil = now.Add(lease)
		if err := s.store(ctx, tx, rkey, entry, remaining); err != nil {
			return err
		}
		token = entry.PublishOwner
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return reference, token, nil
}

// ReleasePublish drops the publish lease owned by token.
func (s *RedisStore) ReleasePublish(ctx context.Context, key, token string) error {
	rkey := s.key(key)

	return s.transact(ctx, rkey, func(tx *redis.Tx) error {
		entry, remaining, err := s.loadLive(ctx, tx, rkey)
		if err != nil {
			return err
		}
		if entry.PublishOwner != token {
			return nil
		}
		entry.PublishOwner = ""
		entry.PublishUntil = time.Time{}
		return s.store(ctx, tx, rkey, entry, remaining)
	})
}

// ClaimTransaction binds txID to key with SETNX. A transaction is bound forever.
func (s *RedisStore) ClaimTransaction(ctx context.Context, txID, key string) error {
	skey := s.spentPrefix + normalizeTransaction(txID)
	ok, err := s.client.SetNX(ctx, skey, key, 0).Result()
	if err != nil {
		return fmt.Errorf("claim transaction %s: %w", txID, err)
	}
	if ok {
		return nil
	}
	bound, err := s.client.Get(ctx, skey).Result()
	if err != nil {
		return fmt.Errorf("claim transaction %s: %w", txID, err)
	}
	if bound != key {
		return premium.ErrTransactionUsed
	}
	return nil
}

// transact runs fn under WATCH on rkey, retrying when another client wins the race.
func (s *RedisStore) transact(ctx context.Context, rkey string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, fn, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTooManyConflicts
}

func (s *RedisStore) load(ctx context.Context, client stringGetter, rkey string) (*premium.CacheEntry, error) {
	data, err := client.Get(ctx, rkey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, premium.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry premium.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", rkey, err)
	}
	return &entry, nil
}

// loadLive loads an unexpired terminal entry and its remaining TTL
func (s *RedisStore) loadLive(ctx context.Context, tx *redis.Tx, rkey string) (*premium.CacheEntry, time.Duration, error) {
	entry, err := s.load(ctx, tx, rkey)
	if err != nil {
		return nil, 0, err
	}
	if entry.Status == premium.CachePending {
		return nil, 0, premium.ErrEntryNotSuccessful
	}
	remaining := entry.Timestamp.Add(s.ttl).Sub(s.now())
	if remaining <= 0 {
		return nil, 0, premium.ErrEntryNotFound
	}
	return entry, remaining, nil
}

// store queues a SET in a MULTI block. A zero ttl writes the value without expiry.
func (s *RedisStore) store(ctx context.Context, tx *redis.Tx, rkey string, entry *premium.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", rkey, err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rkey, data, ttl)
		return nil
	})
	return err
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) key(query string) string {
	return s.keyPrefix + query
}

func checkOwner(entry *premium.CacheEntry, token string) error {
	if entry.Status != premium.CachePending {
		return premium.ErrEntryNotPending
	}
	if entry.Owner != token {
		return premium.ErrNotClaimOwner
	}
	return nil
}

// Ensure RedisStore implements QueryStore
var _ premium.QueryStore = (*RedisStore)(nil)
