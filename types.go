package premium

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// ChainID returns the numeric chain reference of an eip155 network
func (n Network) ChainID() (int64, error) {
	namespace, reference, err := n.Parse()
	if err != nil {
		return 0, err
	}
	if namespace != "eip155" {
		return 0, fmt.Errorf("unsupported network namespace: %s", namespace)
	}
	id, err := strconv.ParseInt(reference, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id in network %s: %w", n, err)
	}
	return id, nil
}

// RequestClass names a priced kind of purchase. Every class has exactly one price.
type RequestClass string

const (
	// ClassPremiumSearch is a licensed research-article retrieval for one query
	ClassPremiumSearch RequestClass = "premium_search"
)

// PaymentRequirement is the canonical payment tuple for one purchase.
// Amount is expressed in the asset's smallest unit.
type PaymentRequirement struct {
	Recipient string  `json:"recipient"`
	Amount    string  `json:"amount"`
	Currency  string  `json:"currency"`
	Asset     string  `json:"asset,omitempty"` // token contract, empty for the native coin
	Decimals  int     `json:"decimals"`
	ChainID   int64   `json:"chainId"`
	Network   Network `json:"network"`
}

// AmountUnits returns the required amount as an integer in the smallest unit
func (r PaymentRequirement) AmountUnits() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid requirement amount: %q", r.Amount)
	}
	return amount, nil
}

// DisplayAmount formats the amount for humans, e.g. "0.001 USDC"
func (r PaymentRequirement) DisplayAmount() string {
	units, err := r.AmountUnits()
	if err != nil {
		return r.Amount
	}
	return FormatUnits(units, r.Decimals) + " " + r.Currency
}

// IsNative reports whether the requirement is paid in the chain's native coin
func (r PaymentRequirement) IsNative() bool {
	return r.Asset == ""
}

// AttemptStatus is the lifecycle state of a PaymentAttempt
type AttemptStatus string

const (
	AttemptNotSubmitted AttemptStatus = "not_submitted"
	AttemptSubmitted    AttemptStatus = "submitted"
	AttemptConfirmed    AttemptStatus = "confirmed"
	AttemptFailed       AttemptStatus = "failed"
)

// PaymentAttempt records one settlement. It is owned by the Settle call that created it.
type PaymentAttempt struct {
	TransactionID string        `json:"transactionId,omitempty"`
	Status        AttemptStatus `json:"status"`
	Err           error         `json:"-"`
}

// Terminal reports whether the attempt reached confirmed or failed
func (a PaymentAttempt) Terminal() bool {
	return a.Status == AttemptConfirmed || a.Status == AttemptFailed
}

// Verification failure reasons
const (
	ReasonTransactionNotFound = "transaction_not_found"
	ReasonTransactionPending  = "transaction_pending"
	ReasonInvalidTransaction  = "invalid_transaction_id"
	ReasonRecipientMismatch   = "recipient_mismatch"
	ReasonAssetMismatch       = "asset_mismatch"
	ReasonInsufficientAmount  = "insufficient_amount"
	ReasonTransactionFailed   = "transaction_failed"
	// ReasonTransactionAlreadyUsed means the transaction already paid for a different query or request
	ReasonTransactionAlreadyUsed = "transaction_already_used"
)

// PaymentVerification is derived fresh on every call and never cached.
// Amount and Sender are empty when the transaction could not be found.
type PaymentVerification struct {
	Verified      bool   `json:"verified"`
	TransactionID string `json:"transactionId"`
	Amount        string `json:"amount,omitempty"`
	Sender        string `json:"sender,omitempty"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Transaction is a transfer as observed on chain.
// For token transfers To and Amount are taken from the transfer call, and Asset is the token.
type Transaction struct {
	Hash   string
	From   string
	To     string
	Amount *big.Int
	Asset  string
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	TxHash      string `json:"transactionHash"`
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
}

// ReceiptStatusSuccess is the receipt status of a successful transaction
const ReceiptStatusSuccess = 1

// ContentItem is one article-like record from the content source
type ContentItem struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Authors     []string `json:"authors,omitempty"`
	Venue       string   `json:"venue,omitempty"`
	Year        int      `json:"year,omitempty"`
	DOI         string   `json:"doi,omitempty"`
	AltID       string   `json:"altId,omitempty"`
	Abstract    string   `json:"abstract,omitempty"`
	URL         string   `json:"url,omitempty"`
	FullTextURL string   `json:"fullTextUrl,omitempty"`
}

// DedupKey returns the composite identity of an item: doi, then alternate id, then url, then id
func (c ContentItem) DedupKey() string {
	switch {
	case c.DOI != "":
		return "doi:" + strings.ToLower(strings.TrimSpace(c.DOI))
	case c.AltID != "":
		return "alt:" + strings.TrimSpace(c.AltID)
	case c.URL != "":
		return "url:" + strings.TrimSpace(c.URL)
	default:
		return "id:" + c.ID
	}
}

// CacheStatus is the state of a query key in the dedup cache
type CacheStatus string

const (
	CachePending CacheStatus = "pending"
	CacheSuccess CacheStatus = "success"
	CacheFailed  CacheStatus = "failed"
)

// CacheEntry is the per-query record held by a QueryStore
type CacheEntry struct {
	Status             CacheStatus       `json:"status"`
	Timestamp          time.Time         `json:"timestamp"`
	Owner              string            `json:"owner,omitempty"`
	Response           *PurchaseResponse `json:"response,omitempty"`
	PublishedReference string            `json:"publishedReference,omitempty"`
	// PublishOwner and PublishUntil hold the lease of an in-flight publish
	PublishOwner string    `json:"publishOwner,omitempty"`
	PublishUntil time.Time `json:"publishUntil,omitempty"`
}

// Publishing reports whether another caller holds an unexpired publish lease
func (e CacheEntry) Publishing(now time.Time) bool {
	return e.PublishOwner != "" && now.Before(e.PublishUntil)
}

// Expired reports whether a terminal entry is older than ttl. Pending entries never expire.
func (e CacheEntry) Expired(now time.Time, ttl time.Duration) bool {
	if e.Status == CachePending {
		return false
	}
	return !now.Before(e.Timestamp.Add(ttl))
}

// ClaimOutcome is the result of ClaimOrGet
type ClaimOutcome int

const (
	// ClaimMiss means the caller now owns a pending entry and must commit or release it
	ClaimMiss ClaimOutcome = iota
	// ClaimPending means another caller owns the key
	ClaimPending
	// ClaimHit means a terminal entry exists within its TTL
	ClaimHit
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimMiss:
		return "miss"
	case ClaimPending:
		return "pending"
	case ClaimHit:
		return "hit"
	default:
		return "unknown"
	}
}

// Claim is returned by ClaimOrGet. Token is set only on ClaimMiss, Entry only on ClaimHit.
type Claim struct {
	Outcome ClaimOutcome
	Token   string
	Entry   *CacheEntry
}

// PurchaseStatus is the outcome reported to purchase callers
type PurchaseStatus string

const (
	PurchasePending         PurchaseStatus = "pending"
	PurchasePaymentRequired PurchaseStatus = "payment_required"
	PurchaseSuccess         PurchaseStatus = "success"
	PurchaseFailed          PurchaseStatus = "failed"
)

// PurchaseRequest is the argument set of the purchase action
type PurchaseRequest struct {
	Query         string `json:"query"`
	TransactionID string `json:"transactionId,omitempty"`
	AutoPay       bool   `json:"autoPay,omitempty"`
}

// PurchaseResponse is the structured result of the purchase action
type PurchaseResponse struct {
	Status         PurchaseStatus       `json:"status"`
	Query          string               `json:"query"`
	Message        string               `json:"message"`
	TransactionID  string               `json:"transactionId,omitempty"`
	Items          []ContentItem        `json:"items,omitempty"`
	Requirement    *PaymentRequirement  `json:"requirement,omitempty"`
	Verification   *PaymentVerification `json:"verification,omitempty"`
	Cached         bool                 `json:"cached,omitempty"`
	PartialFailure bool                 `json:"partialFailure,omitempty"`
	ErrorCode      string               `json:"errorCode,omitempty"`
}

// IsError reports whether the response should be surfaced with an error flag
func (r PurchaseResponse) IsError() bool {
	return r.Status == PurchaseFailed
}

// PublishResponse is the structured result of the publish action
type PublishResponse struct {
	Query            string `json:"query"`
	Reference        string `json:"reference"`
	AlreadyPublished bool   `json:"alreadyPublished"`
}

// Document is a knowledge-store document. Its shape belongs to the knowledge store.
type Document map[string]interface{}

// PublishedContent is what gets handed to the document builder on publish
type PublishedContent struct {
	Query         string
	TransactionID string
	Items         []ContentItem
	PurchasedAt   time.Time
}
