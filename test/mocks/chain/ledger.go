package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/x402-foundation/premium"
)

// ============================================================================
// In-memory Ledger
// ============================================================================

// Ledger is an in-memory chain implementing both sides of the chain boundary.
// Transfers move balances immediately; receipts can be held back with HoldReceipts.
type Ledger struct {
	mu sync.Mutex

	payer    string
	balances map[string]*big.Int
	fee      *big.Int

	txs      map[string]*premium.Transaction
	receipts map[string]*premium.TransactionReceipt

	sends     int
	block     uint64
	revert    bool
	gate      chan struct{}
	lookupErr error
	sendErr   error
}

// NewLedger creates a ledger whose Address is payer
func NewLedger(payer string) *Ledger {
	return &Ledger{
		payer:    payer,
		balances: make(map[string]*big.Int),
		fee:      big.NewInt(0),
		txs:      make(map[string]*premium.Transaction),
		receipts: make(map[string]*premium.TransactionReceipt),
		block:    100,
	}
}

func balanceKey(address, asset string) string {
	return strings.ToLower(asset) + "|" + strings.ToLower(address)
}

// SetBalance sets the balance of address in asset (empty asset for the native coin)
func (l *Ledger) SetBalance(address, asset string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey(address, asset)] = new(big.Int).Set(amount)
}

// SetFee sets the fee returned by EstimateFee and charged on every transfer
func (l *Ledger) SetFee(fee *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fee = new(big.Int).Set(fee)
}

// RevertTransfers makes subsequent transfers mine with a failed receipt
func (l *Ledger) RevertTransfers(revert bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revert = revert
}

// FailLookups makes Transaction and Receipt return err
func (l *Ledger) FailLookups(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lookupErr = err
}

// FailSends makes SendTransfer return err
func (l *Ledger) FailSends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// HoldReceipts makes WaitForReceipt block until ReleaseReceipts is called
func (l *Ledger) HoldReceipts() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = make(chan struct{})
}

// ReleaseReceipts unblocks every WaitForReceipt held by HoldReceipts
func (l *Ledger) ReleaseReceipts() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gate != nil {
		close(l.gate)
		l.gate = nil
	}
}

// Sends returns how many transfers were submitted
func (l *Ledger) Sends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sends
}

// Record adds an externally submitted transaction. A nil status leaves it unmined.
func (l *Ledger) Record(tx premium.Transaction, status *uint64) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.Hash == "" {
		tx.Hash = l.nextHashLocked()
	}
	stored := tx
	l.txs[strings.ToLower(tx.Hash)] = &stored
	if status != nil {
		l.block++
		l.receipts[strings.ToLower(tx.Hash)] = &premium.TransactionReceipt{
			TxHash:      tx.Hash,
			Status:      *status,
			BlockNumber: l.block,
		}
	}
	return tx.Hash
}

// BalanceOf returns the stored balance or zero
func (l *Ledger) BalanceOf(address, asset string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(address, asset)
}

func (l *Ledger) balanceLocked(address, asset string) *big.Int {
	if b, ok := l.balances[balanceKey(address, asset)]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (l *Ledger) nextHashLocked() string {
	return fmt.Sprintf("0x%064x", len(l.txs)+1)
}

// ============================================================================
// premium.PaymentChain
// ============================================================================

// Address returns the payer address
func (l *Ledger) Address() string {
	return l.payer
}

// Balance returns the balance of address in asset
func (l *Ledger) Balance(_ context.Context, address, asset string) (*big.Int, error) {
	return l.BalanceOf(address, asset), nil
}

// EstimateFee returns the configured fee
func (l *Ledger) EstimateFee(context.Context, premium.PaymentRequirement) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.fee), nil
}

// SendTransfer moves funds from the payer to the recipient and records the transaction
func (l *Ledger) SendTransfer(_ context.Context, requirement premium.PaymentRequirement) (string, error) {
	amount, err := requirement.AmountUnits()
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sendErr != nil {
		return "", l.sendErr
	}
	l.sends++

	payerBalance := l.balanceLocked(l.payer, requirement.Asset)
	l.balances[balanceKey(l.payer, requirement.Asset)] = payerBalance.Sub(payerBalance, amount)
	recipientBalance := l.balanceLocked(requirement.Recipient, requirement.Asset)
	l.balances[balanceKey(requirement.Recipient, requirement.Asset)] = recipientBalance.Add(recipientBalance, amount)
	native := l.balanceLocked(l.payer, "")
	l.balances[balanceKey(l.payer, "")] = native.Sub(native, l.fee)

	hash := l.nextHashLocked()
	l.txs[hash] = &premium.Transaction{
		Hash:   hash,
		From:   l.payer,
		To:     requirement.Recipient,
		Amount: amount,
		Asset:  requirement.Asset,
	}
	status := uint64(premium.ReceiptStatusSuccess)
	if l.revert {
		status = 0
	}
	l.block++
	l.receipts[hash] = &premium.TransactionReceipt{TxHash: hash, Status: status, BlockNumber: l.block}
	return hash, nil
}

// WaitForReceipt returns the receipt, blocking while receipts are held
func (l *Ledger) WaitForReceipt(ctx context.Context, txID string) (*premium.TransactionReceipt, error) {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.Receipt(ctx, txID)
}

// ============================================================================
// premium.ChainReader
// ============================================================================

// Transaction returns a recorded transaction
func (l *Ledger) Transaction(_ context.Context, txID string) (*premium.Transaction, error) {
	if !strings.HasPrefix(txID, "0x") {
		return nil, premium.ErrInvalidTransactionID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lookupErr != nil {
		return nil, l.lookupErr
	}
	tx, ok := l.txs[strings.ToLower(txID)]
	if !ok {
		return nil, premium.ErrTransactionNotFound
	}
	out := *tx
	if tx.Amount != nil {
		out.Amount = new(big.Int).Set(tx.Amount)
	}
	return &out, nil
}

// Receipt returns the receipt of a mined transaction
func (l *Ledger) Receipt(_ context.Context, txID string) (*premium.TransactionReceipt, error) {
	if !strings.HasPrefix(txID, "0x") {
		return nil, premium.ErrInvalidTransactionID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lookupErr != nil {
		return nil, l.lookupErr
	}
	receipt, ok := l.receipts[strings.ToLower(txID)]
	if !ok {
		return nil, premium.ErrTransactionNotFound
	}
	out := *receipt
	return &out, nil
}

var (
	_ premium.PaymentChain = (*Ledger)(nil)
	_ premium.ChainReader  = (*Ledger)(nil)
)
