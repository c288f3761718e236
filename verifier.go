package premium

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Verifier confirms from chain state that a transaction satisfies a requirement.
// It never submits anything and accepts transaction ids from any source.
type Verifier struct {
	reader ChainReader
	settings
}

// NewVerifier creates a verifier reading from reader
func NewVerifier(reader ChainReader, opts ...Option) *Verifier {
	return &Verifier{
		reader:   reader,
		settings: applyOptions(opts),
	}
}

// Verify looks up the transaction and its receipt concurrently and checks recipient, asset,
// amount and receipt status. A transaction that cannot be found is reported as unverified,
// not as an error; errors are reserved for lookup failures.
func (v *Verifier) Verify(ctx context.Context, txID string, requirement PaymentRequirement) (PaymentVerification, error) {
	txID = strings.TrimSpace(txID)
	result := PaymentVerification{TransactionID: txID}

	if v.reader == nil {
		return result, NewPaymentError(ErrCodeConfiguration, "no chain reader configured for verification", nil)
	}
	if txID == "" {
		result.Reason = ReasonInvalidTransaction
		v.metrics.verification("rejected")
		return result, nil
	}
	required, err := requirement.AmountUnits()
	if err != nil {
		return result, WrapPaymentError(ErrCodeInvalidRequirement, "invalid payment requirement", err)
	}

	var (
		tx         *Transaction
		receipt    *TransactionReceipt
		txErr      error
		receiptErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tx, txErr = v.reader.Transaction(gctx, txID)
		return lookupError(txErr)
	})
	g.Go(func() error {
		receipt, receiptErr = v.reader.Receipt(gctx, txID)
		return lookupError(receiptErr)
	})
	if err := g.Wait(); err != nil {
		v.metrics.verification("error")
		if ctx.Err() != nil {
			return result, WrapPaymentError(ErrCodeCancelled, "verification lookup cancelled", err)
		}
		return result, WrapPaymentError(ErrCodeVerificationFailed, "verification lookup failed", err)
	}

	switch {
	case errors.Is(txErr, ErrInvalidTransactionID) || errors.Is(receiptErr, ErrInvalidTransactionID):
		result.Reason = ReasonInvalidTransaction
		return v.reject(result)
	case txErr != nil:
		result.Reason = ReasonTransactionNotFound
		return v.reject(result)
	}

	result.Sender = tx.From
	if tx.Amount != nil {
		result.Amount = tx.Amount.String()
	}
	if receiptErr != nil {
		result.Reason = ReasonTransactionPending
		return v.reject(result)
	}
	result.BlockNumber = receipt.BlockNumber

	switch {
	case !strings.EqualFold(tx.To, requirement.Recipient):
		result.Reason = ReasonRecipientMismatch
	case !strings.EqualFold(tx.Asset, requirement.Asset):
		result.Reason = ReasonAssetMismatch
	case tx.Amount == nil || tx.Amount.Cmp(required) < 0:
		result.Reason = ReasonInsufficientAmount
	case receipt.Status != ReceiptStatusSuccess:
		result.Reason = ReasonTransactionFailed
	default:
		result.Verified = true
		v.metrics.verification("verified")
		return result, nil
	}
	return v.reject(result)
}

func (v *Verifier) reject(result PaymentVerification) (PaymentVerification, error) {
	v.metrics.verification("rejected")
	v.logger.Info("payment not verified",
		zap.String("tx", result.TransactionID),
		zap.String("reason", result.Reason))
	return result, nil
}

// lookupError keeps not-found results out of the errgroup so the sibling lookup is not cancelled
func lookupError(err error) error {
	if err == nil || errors.Is(err, ErrTransactionNotFound) || errors.Is(err, ErrInvalidTransactionID) {
		return nil
	}
	return err
}
