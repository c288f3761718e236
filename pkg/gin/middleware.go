package gin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
	premiumhttp "github.com/x402-foundation/premium/http"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Logger       *zap.Logger
	Transactions premium.TransactionLedger
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithLogger is an option for the PaymentMiddleware to set the logger.
func WithLogger(logger *zap.Logger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

// WithTransactionLedger is an option for the PaymentMiddleware to accept each transaction for one request only.
func WithTransactionLedger(ledger premium.TransactionLedger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Transactions = ledger
	}
}

// PaymentMiddleware is the Gin middleware that serves a route only against a verified payment.
// Requests without an X-Payment-Proof header, or with a proof that does not satisfy
// requirement, are answered with a 402 challenge.
func PaymentMiddleware(requirement premium.PaymentRequirement, verifier *premium.Verifier, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		proof := strings.TrimSpace(c.GetHeader(premiumhttp.HeaderPaymentProof))
		if proof == "" {
			premiumhttp.WriteChallenge(c.Writer, requirement, "")
			c.Abort()
			return
		}

		result, err := verifier.Verify(c.Request.Context(), proof, requirement)
		if err != nil {
			options.Logger.Error("payment proof lookup failed", zap.String("tx", proof), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "payment verification unavailable",
			})
			return
		}
		if !result.Verified {
			options.Logger.Info("invalid payment", zap.String("tx", proof), zap.String("reason", result.Reason))
			premiumhttp.WriteChallenge(c.Writer, requirement, result.Reason)
			c.Abort()
			return
		}
		if err := premiumhttp.ClaimProof(c.Request, options.Transactions, result); err != nil {
			if errors.Is(err, premium.ErrTransactionUsed) {
				options.Logger.Info("payment already used", zap.String("tx", proof))
				premiumhttp.WriteChallenge(c.Writer, requirement, premium.ReasonTransactionAlreadyUsed)
				c.Abort()
				return
			}
			options.Logger.Error("failed to record payment proof", zap.String("tx", proof), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "payment verification unavailable",
			})
			return
		}

		c.Set(ContextKeyVerification, result)
		c.Next()
	}
}

// ContextKeyVerification holds the PaymentVerification of a paid request
const ContextKeyVerification = "premium.verification"
