package premium

import (
	"context"
	"errors"
	"math/big"

	"go.uber.org/zap"
)

// Native coin figures used when reporting a fee shortfall on token payments
const (
	NativeDecimals = 18
	NativeCurrency = "ETH"
)

// SettlementEngine submits payments. It performs no retries and has no timeout of its own.
type SettlementEngine struct {
	chain PaymentChain
	settings
}

// NewSettlementEngine creates an engine paying through chain.
// A nil chain means no signing credential is configured; Settle then fails with a configuration error.
func NewSettlementEngine(chain PaymentChain, opts ...Option) *SettlementEngine {
	return &SettlementEngine{
		chain:    chain,
		settings: applyOptions(opts),
	}
}

// Configured reports whether the engine has a signing credential
func (e *SettlementEngine) Configured() bool {
	return e != nil && e.chain != nil
}

// Settle preflights balance and fees, submits the transfer and waits for its receipt.
// The returned attempt is terminal: confirmed on success, failed otherwise.
func (e *SettlementEngine) Settle(ctx context.Context, requirement PaymentRequirement) (PaymentAttempt, error) {
	attempt := PaymentAttempt{Status: AttemptNotSubmitted}

	fail := func(err error) (PaymentAttempt, error) {
		attempt.Status = AttemptFailed
		attempt.Err = err
		e.metrics.settlement(settlementResult(err))
		e.logger.Warn("settlement failed",
			zap.String("tx", attempt.TransactionID),
			zap.String("recipient", requirement.Recipient),
			zap.Error(err))
		return attempt, err
	}

	if !e.Configured() {
		return fail(NewPaymentError(ErrCodeConfiguration, "no signing credential configured for settlement", nil))
	}
	if err := ValidatePaymentRequirement(requirement); err != nil {
		return fail(WrapPaymentError(ErrCodeInvalidRequirement, "invalid payment requirement", err))
	}
	amount, _ := requirement.AmountUnits()

	fee, err := e.chain.EstimateFee(ctx, requirement)
	if err != nil {
		return fail(chainError(ctx, "fee estimate failed", err))
	}

	if err := e.preflight(ctx, requirement, amount, fee); err != nil {
		return fail(err)
	}

	txID, err := e.chain.SendTransfer(ctx, requirement)
	if err != nil {
		return fail(chainError(ctx, "transfer submission rejected", err))
	}
	attempt.TransactionID = txID
	attempt.Status = AttemptSubmitted
	e.logger.Info("payment submitted",
		zap.String("tx", txID),
		zap.String("recipient", requirement.Recipient),
		zap.String("amount", requirement.DisplayAmount()))

	receipt, err := e.chain.WaitForReceipt(ctx, txID)
	if err != nil {
		return fail(chainError(ctx, "waiting for receipt failed", err))
	}
	if receipt.Status != ReceiptStatusSuccess {
		return fail(NewPaymentError(ErrCodeSettlementFailed, "transaction mined with unsuccessful receipt",
			map[string]interface{}{"transactionId": txID, "status": receipt.Status}))
	}

	attempt.Status = AttemptConfirmed
	e.metrics.settlement("confirmed")
	e.logger.Info("payment confirmed", zap.String("tx", txID), zap.Uint64("block", receipt.BlockNumber))
	return attempt, nil
}

// preflight checks that the payer can cover amount plus fee. Nothing is submitted on shortfall.
func (e *SettlementEngine) preflight(ctx context.Context, requirement PaymentRequirement, amount, fee *big.Int) error {
	payer := e.chain.Address()

	native, err := e.chain.Balance(ctx, payer, "")
	if err != nil {
		return chainError(ctx, "balance lookup failed", err)
	}

	if requirement.IsNative() {
		required := new(big.Int).Add(amount, fee)
		if native.Cmp(required) < 0 {
			return &InsufficientFundsError{
				Balance:  native,
				Required: required,
				Decimals: requirement.Decimals,
				Currency: requirement.Currency,
				Covers:   CoversAmountAndFee,
			}
		}
		return nil
	}

	token, err := e.chain.Balance(ctx, payer, requirement.Asset)
	if err != nil {
		return chainError(ctx, "token balance lookup failed", err)
	}
	if token.Cmp(amount) < 0 {
		return &InsufficientFundsError{
			Balance:  token,
			Required: amount,
			Decimals: requirement.Decimals,
			Currency: requirement.Currency,
			Covers:   CoversAmount,
		}
	}
	if native.Cmp(fee) < 0 {
		return &InsufficientFundsError{
			Balance:  native,
			Required: fee,
			Decimals: NativeDecimals,
			Currency: NativeCurrency,
			Covers:   CoversFee,
		}
	}
	return nil
}

// chainError classifies a chain failure as cancellation or settlement failure
func chainError(ctx context.Context, message string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WrapPaymentError(ErrCodeCancelled, message, err)
	}
	return WrapPaymentError(ErrCodeSettlementFailed, message, err)
}

func settlementResult(err error) string {
	switch ErrorCode(err) {
	case ErrCodeInsufficientFunds:
		return "insufficient_funds"
	case ErrCodeConfiguration:
		return "configuration_error"
	case ErrCodeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}
