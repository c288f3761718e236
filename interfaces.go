package premium

import (
	"context"
	"math/big"
	"time"
)

// ============================================================================
// Chain Interfaces
// ============================================================================

// ChainReader is the read side of the chain boundary used by the Verifier.
// It must work for any transaction id, including ones this process never submitted.
type ChainReader interface {
	// Transaction returns the transfer described by txID.
	// A transaction that is known but not yet mined is returned; its Receipt is not found.
	// Returns ErrTransactionNotFound when the transaction is unknown,
	// and ErrInvalidTransactionID when txID is malformed.
	Transaction(ctx context.Context, txID string) (*Transaction, error)

	// Receipt returns the receipt of a mined transaction, or ErrTransactionNotFound
	Receipt(ctx context.Context, txID string) (*TransactionReceipt, error)
}

// PaymentChain is the write side of the chain boundary used by the SettlementEngine.
// An implementation holds the signing credential.
type PaymentChain interface {
	// Address returns the paying wallet address
	Address() string

	// Balance returns the balance of address in asset, or in the native coin when asset is empty
	Balance(ctx context.Context, address string, asset string) (*big.Int, error)

	// EstimateFee returns the expected native-coin fee for paying the requirement
	EstimateFee(ctx context.Context, requirement PaymentRequirement) (*big.Int, error)

	// SendTransfer submits the transfer and returns its transaction id without waiting
	SendTransfer(ctx context.Context, requirement PaymentRequirement) (string, error)

	// WaitForReceipt blocks until the transaction is mined. It has no timeout of its own.
	WaitForReceipt(ctx context.Context, txID string) (*TransactionReceipt, error)
}

// ============================================================================
// Store Interfaces
// ============================================================================

// QueryStore is the dedup cache keyed by normalized query.
// ClaimOrGet must be atomic: a Miss writes the pending entry before returning.
type QueryStore interface {
	ClaimOrGet(ctx context.Context, key string) (Claim, error)

	// Commit moves a pending entry owned by token to a terminal status
	Commit(ctx context.Context, key, token string, status CacheStatus, response *PurchaseResponse) error

	// Release drops a pending entry owned by token without committing a result
	Release(ctx context.Context, key, token string) error

	// Get returns the live entry for key, or ErrEntryNotFound
	Get(ctx context.Context, key string) (*CacheEntry, error)

	// ClaimPublish takes a publish lease on a success entry. When the entry already has a
	// reference it is returned with an empty token. ErrPublishInProgress means another
	// caller holds a live lease.
	ClaimPublish(ctx context.Context, key string, lease time.Duration) (reference, token string, err error)

	// ReleasePublish drops the publish lease owned by token
	ReleasePublish(ctx context.Context, key, token string) error

	// AttachReference sets the published reference of a success entry once and clears
	// any publish lease. It returns the reference that is stored afterwards, which may be
	// an earlier one.
	AttachReference(ctx context.Context, key, reference string) (string, error)

	TransactionLedger
}

// TransactionLedger records which key each payment transaction was spent on.
type TransactionLedger interface {
	// ClaimTransaction binds txID to key. Binding the same pair again succeeds;
	// a transaction bound to another key fails with ErrTransactionUsed.
	ClaimTransaction(ctx context.Context, txID, key string) error
}

// ============================================================================
// Collaborator Interfaces
// ============================================================================

// ContentSource searches the premium content API
type ContentSource interface {
	Search(ctx context.Context, query string, limit int) ([]ContentItem, error)
}

// KnowledgeStore publishes documents and queries them back
type KnowledgeStore interface {
	Publish(ctx context.Context, doc Document) (string, error)
	Query(ctx context.Context, filter map[string]string) ([]Document, error)
}

// EventSink receives purchase audit events
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// DocumentBuilder turns purchased content into a knowledge-store document
type DocumentBuilder func(content PublishedContent) Document

// ============================================================================
// Surface Interfaces
// ============================================================================

// PurchaseActions is the action set served by the tool and HTTP surfaces. *Acquirer implements it.
type PurchaseActions interface {
	Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResponse, error)
	PublishPurchased(ctx context.Context, query string) (PublishResponse, error)
	SearchPublished(ctx context.Context, query string) ([]Document, error)
}
