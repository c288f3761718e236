package echo

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
	premiumhttp "github.com/x402-foundation/premium/http"
)

// ContextKeyVerification holds the PaymentVerification of a paid request
const ContextKeyVerification = "premium.verification"

type middlewareConfig struct {
	logger       *zap.Logger
	transactions premium.TransactionLedger
}

// MiddlewareOption configures PaymentMiddleware
type MiddlewareOption func(*middlewareConfig)

// WithLogger sets the logger for payment outcomes
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransactionLedger makes each transaction pay for one request only
func WithTransactionLedger(ledger premium.TransactionLedger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.transactions = ledger
	}
}

// PaymentMiddleware guards a route behind an on-chain payment.
// The transaction id is read from the X-Payment-Proof header and checked against
// requirement; unpaid requests get a 402 challenge and lookup failures a 503.
func PaymentMiddleware(requirement premium.PaymentRequirement, verifier *premium.Verifier, opts ...MiddlewareOption) echo.MiddlewareFunc {
	cfg := &middlewareConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			proof := strings.TrimSpace(c.Request().Header.Get(premiumhttp.HeaderPaymentProof))
			if proof == "" {
				premiumhttp.WriteChallenge(c.Response(), requirement, "")
				return nil
			}

			result, err := verifier.Verify(c.Request().Context(), proof, requirement)
			if err != nil {
				cfg.logger.Error("payment proof lookup failed", zap.String("tx", proof), zap.Error(err))
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error": "payment verification unavailable",
				})
			}
			if !result.Verified {
				cfg.logger.Info("invalid payment", zap.String("tx", proof), zap.String("reason", result.Reason))
				premiumhttp.WriteChallenge(c.Response(), requirement, result.Reason)
				return nil
			}
			if err := premiumhttp.ClaimProof(c.Request(), cfg.transactions, result); err != nil {
				if errors.Is(err, premium.ErrTransactionUsed) {
					cfg.logger.Info("payment already used", zap.String("tx", proof))
					premiumhttp.WriteChallenge(c.Response(), requirement, premium.ReasonTransactionAlreadyUsed)
					return nil
				}
				cfg.logger.Error("failed to record payment proof", zap.String("tx", proof), zap.Error(err))
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error": "payment verification unavailable",
				})
			}

			c.Set(ContextKeyVerification, result)
			return next(c)
		}
	}
}
