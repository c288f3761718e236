// Package http provides the HTTP side of pay-per-request access: a client that
// answers 402 challenges by settling and retrying once, and a server middleware
// that issues challenges and checks payment proofs.
package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/x402-foundation/premium"
)

// ============================================================================
// Challenge and proof headers
// ============================================================================

const (
	HeaderPaymentRecipient = "X-Payment-Recipient"
	// HeaderPaymentAmount carries a decimal amount in the asset's display unit, e.g. "0.001"
	HeaderPaymentAmount   = "X-Payment-Amount"
	HeaderPaymentChainID  = "X-Payment-Chain-Id"
	HeaderPaymentAsset    = "X-Payment-Asset"
	HeaderPaymentCurrency = "X-Payment-Currency"
	// HeaderPaymentProof carries the transaction id on the paid retry
	HeaderPaymentProof = "X-Payment-Proof"
	// HeaderPaymentError carries the verification failure reason on a repeated challenge
	HeaderPaymentError = "X-Payment-Error"
)

// ParseChallenge extracts the payment terms of a 402 response.
// Recipient, amount and chain id are required; asset and currency are optional.
func ParseChallenge(header http.Header) (*premium.RequirementOverrides, error) {
	recipient := strings.TrimSpace(header.Get(HeaderPaymentRecipient))
	if recipient == "" {
		return nil, fmt.Errorf("missing %s header", HeaderPaymentRecipient)
	}
	amount := strings.TrimSpace(header.Get(HeaderPaymentAmount))
	if amount == "" {
		return nil, fmt.Errorf("missing %s header", HeaderPaymentAmount)
	}
	rawChainID := strings.TrimSpace(header.Get(HeaderPaymentChainID))
	if rawChainID == "" {
		return nil, fmt.Errorf("missing %s header", HeaderPaymentChainID)
	}
	chainID, err := strconv.ParseInt(rawChainID, 10, 64)
	if err != nil || chainID <= 0 {
		return nil, fmt.Errorf("invalid %s header: %q", HeaderPaymentChainID, rawChainID)
	}

	return &premium.RequirementOverrides{
		Recipient: recipient,
		Amount:    amount,
		ChainID:   chainID,
		Asset:     strings.TrimSpace(header.Get(HeaderPaymentAsset)),
		Currency:  strings.TrimSpace(header.Get(HeaderPaymentCurrency)),
	}, nil
}

// SetChallenge writes the payment terms of requirement into header
func SetChallenge(header http.Header, requirement premium.PaymentRequirement) error {
	units, err := requirement.AmountUnits()
	if err != nil {
		return err
	}
	header.Set(HeaderPaymentRecipient, requirement.Recipient)
	header.Set(HeaderPaymentAmount, premium.FormatUnits(units, requirement.Decimals))
	header.Set(HeaderPaymentChainID, strconv.FormatInt(requirement.ChainID, 10))
	if requirement.Asset != "" {
		header.Set(HeaderPaymentAsset, requirement.Asset)
	}
	if requirement.Currency != "" {
		header.Set(HeaderPaymentCurrency, requirement.Currency)
	}
	return nil
}

// WriteChallenge responds 402 with the payment terms in headers and a JSON body
func WriteChallenge(w http.ResponseWriter, requirement premium.PaymentRequirement, reason string) {
	if err := SetChallenge(w.Header(), requirement); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if reason != "" {
		w.Header().Set(HeaderPaymentError, reason)
	}
	writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
		"error":       "payment required",
		"reason":      reason,
		"requirement": requirement,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ============================================================================
// Status mapping for the action routes
// ============================================================================

// StatusForPurchase returns the HTTP status a purchase response is served with
func StatusForPurchase(resp premium.PurchaseResponse) int {
	switch resp.Status {
	case premium.PurchaseSuccess:
		return http.StatusOK
	case premium.PurchasePending:
		return http.StatusAccepted
	case premium.PurchasePaymentRequired:
		return http.StatusPaymentRequired
	default:
		return StatusForCode(resp.ErrorCode)
	}
}

// StatusForCode maps a PaymentError code to an HTTP status
func StatusForCode(code string) int {
	switch code {
	case premium.ErrCodeInvalidRequest, premium.ErrCodeInvalidRequirement, premium.ErrCodeUnsupportedNetwork:
		return http.StatusBadRequest
	case premium.ErrCodeNotPurchased:
		return http.StatusNotFound
	case premium.ErrCodeInsufficientFunds, premium.ErrCodeSettlementFailed,
		premium.ErrCodeVerificationFailed, premium.ErrCodePaymentRejected:
		return http.StatusPaymentRequired
	case premium.ErrCodeUpstreamFetchFailed, premium.ErrCodeKnowledgeStoreFailure:
		return http.StatusBadGateway
	case premium.ErrCodeCancelled:
		return http.StatusRequestTimeout
	case premium.ErrCodePublishInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON body of a failed action
type ErrorBody struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// NewErrorBody builds the body and status for err
func NewErrorBody(err error) (int, ErrorBody) {
	code := premium.ErrorCode(err)
	if code == "" {
		code = "internal_error"
	}
	return StatusForCode(code), ErrorBody{ErrorCode: code, Message: err.Error()}
}
