package http

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
)

// PaywallConfig configures RequirePayment
type PaywallConfig struct {
	Requirement premium.PaymentRequirement
	Verifier    *premium.Verifier
	// Transactions, when set, lets each transaction pay for one request only
	Transactions premium.TransactionLedger
	Logger       *zap.Logger
}

// SpentKey is the key a paywalled request binds its payment transaction to.
// Repeating the same request with the same proof is allowed.
func SpentKey(r *http.Request) string {
	return "request:" + r.Method + " " + r.URL.RequestURI()
}

// ClaimProof binds the verified transaction to r in ledger. It returns
// premium.ErrTransactionUsed when the transaction already paid for something else.
// A nil ledger accepts every proof.
func ClaimProof(r *http.Request, ledger premium.TransactionLedger, result premium.PaymentVerification) error {
	if ledger == nil {
		return nil
	}
	return ledger.ClaimTransaction(r.Context(), result.TransactionID, SpentKey(r))
}

// RequirePayment gates next behind a verified payment proof.
// Requests without a proof, or with one that does not verify, get a 402 challenge.
func RequirePayment(config PaywallConfig) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			proof := strings.TrimSpace(r.Header.Get(HeaderPaymentProof))
			if proof == "" {
				WriteChallenge(w, config.Requirement, "")
				return
			}

			result, err := config.Verifier.Verify(r.Context(), proof, config.Requirement)
			if err != nil {
				logger.Error("payment proof lookup failed", zap.String("tx", proof), zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "payment verification unavailable"})
				return
			}
			if !result.Verified {
				WriteChallenge(w, config.Requirement, result.Reason)
				return
			}
			if err := ClaimProof(r, config.Transactions, result); err != nil {
				if errors.Is(err, premium.ErrTransactionUsed) {
					WriteChallenge(w, config.Requirement, premium.ReasonTransactionAlreadyUsed)
					return
				}
				logger.Error("failed to record payment proof", zap.String("tx", proof), zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "payment verification unavailable"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
