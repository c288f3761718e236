package premium

import (
	"errors"
	"fmt"
	"math/big"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrCodeConfiguration         = "configuration_error"
	ErrCodeInsufficientFunds     = "insufficient_funds"
	ErrCodeSettlementFailed      = "settlement_failed"
	ErrCodeVerificationFailed    = "verification_failed"
	ErrCodeUpstreamFetchFailed   = "upstream_fetch_failed"
	ErrCodePaymentRejected       = "payment_rejected"
	ErrCodeUnsupportedNetwork    = "unsupported_network"
	ErrCodeInvalidRequirement    = "invalid_requirement"
	ErrCodeInvalidRequest        = "invalid_request"
	ErrCodeCancelled             = "cancelled"
	ErrCodeNotPurchased          = "not_purchased"
	ErrCodeKnowledgeStoreFailure = "knowledge_store_failed"
	ErrCodePublishInProgress     = "publish_in_progress"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapPaymentError creates a payment error around a cause
func WrapPaymentError(code, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ErrorCode extracts the payment error code from err, or "" when err is not a PaymentError
func ErrorCode(err error) string {
	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) {
		return ErrCodeInsufficientFunds
	}
	var paymentErr *PaymentError
	if errors.As(err, &paymentErr) {
		return paymentErr.Code
	}
	return ""
}

// What the Required amount of an InsufficientFundsError pays for
const (
	CoversAmountAndFee = "amount plus fee"
	CoversAmount       = "amount"
	CoversFee          = "network fee"
)

// InsufficientFundsError is returned by settlement preflight. No transaction was submitted.
type InsufficientFundsError struct {
	Balance  *big.Int
	Required *big.Int
	Decimals int
	Currency string
	// Covers is one of the Covers constants
	Covers string
}

func (e *InsufficientFundsError) Error() string {
	msg := fmt.Sprintf("insufficient funds: balance %s %s is below required %s %s",
		FormatUnits(e.Balance, e.Decimals), e.Currency,
		FormatUnits(e.Required, e.Decimals), e.Currency)
	if e.Covers != "" {
		msg += " (" + e.Covers + ")"
	}
	return msg
}

// Sentinel errors shared by stores and chain clients
var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrInvalidTransactionID = errors.New("invalid transaction id")
	ErrNotClaimOwner        = errors.New("commit by a caller that does not own the claim")
	ErrEntryNotFound        = errors.New("cache entry not found")
	ErrEntryNotPending      = errors.New("cache entry is not pending")
	ErrEntryNotSuccessful   = errors.New("cache entry is not a successful purchase")
	ErrTransactionUsed      = errors.New("transaction already paid for another key")
	ErrPublishInProgress    = errors.New("publish already in progress")
)
