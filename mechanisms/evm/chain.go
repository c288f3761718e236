package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
)

// Chain is the EVM chain boundary: it reads transfers for verification and,
// when a signer is configured, submits direct transfers for settlement.
type Chain struct {
	backend       Backend
	network       premium.Network
	chainID       *big.Int
	signer        TxSigner
	pollInterval  time.Duration
	tokenGasLimit uint64
	logger        *zap.Logger

	// serializes nonce lookup and submission for the paying wallet
	sendMu sync.Mutex
}

// ChainOption configures a Chain
type ChainOption func(*Chain)

// WithPollInterval sets how often WaitForReceipt polls
func WithPollInterval(interval time.Duration) ChainOption {
	return func(c *Chain) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithTokenGasLimit overrides the gas limit used for token transfers
func WithTokenGasLimit(limit uint64) ChainOption {
	return func(c *Chain) {
		if limit > 0 {
			c.tokenGasLimit = limit
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChain creates a chain client for network (CAIP-2, e.g. "eip155:84532").
// signer may be nil, in which case the chain is read-only and SendTransfer fails.
func NewChain(backend Backend, network string, signer TxSigner, opts ...ChainOption) (*Chain, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	id, err := premium.Network(network).ChainID()
	if err != nil {
		return nil, err
	}

	c := &Chain{
		backend:       backend,
		network:       premium.Network(network),
		chainID:       big.NewInt(id),
		signer:        signer,
		pollInterval:  DefaultPollInterval,
		tokenGasLimit: TokenTransferGas,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ChainID returns the configured chain id
func (c *Chain) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// CheckChainID fails when the backend is connected to a different chain than configured
func (c *Chain) CheckChainID(ctx context.Context) error {
	remote, err := c.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain id: %w", err)
	}
	if remote.Cmp(c.chainID) != 0 {
		return premium.NewPaymentError(premium.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("rpc endpoint serves chain %s, configured %s", remote, c.network),
			map[string]interface{}{"expected": c.chainID.String(), "actual": remote.String()})
	}
	return nil
}

// CanSign reports whether a signer is configured
func (c *Chain) CanSign() bool {
	return c.signer != nil
}

// ============================================================================
// PaymentChain
// ============================================================================

// Address returns the paying wallet address, or "" without a signer
func (c *Chain) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address().Hex()
}

// Balance returns the native balance of address, or its token balance when asset is set
func (c *Chain) Balance(ctx context.Context, address string, asset string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address: %s", address)
	}
	account := common.HexToAddress(address)

	if asset == "" {
		return c.backend.BalanceAt(ctx, account, nil)
	}
	if !common.IsHexAddress(asset) {
		return nil, fmt.Errorf("invalid asset address: %s", asset)
	}

	data, err := PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	token := common.HexToAddress(asset)
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	return UnpackBalance(result)
}

// EstimateFee returns gas price times the fixed gas limit of the transfer kind
func (c *Chain) EstimateFee(ctx context.Context, requirement premium.PaymentRequirement) (*big.Int, error) {
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(c.gasLimit(requirement))), nil
}

func (c *Chain) gasLimit(requirement premium.PaymentRequirement) uint64 {
	if requirement.IsNative() {
		return NativeTransferGas
	}
	return c.tokenGasLimit
}

// SendTransfer signs and submits the transfer without waiting for it to be mined
func (c *Chain) SendTransfer(ctx context.Context, requirement premium.PaymentRequirement) (string, error) {
	if c.signer == nil {
		return "", premium.NewPaymentError(premium.ErrCodeConfiguration, "no signer configured", nil)
	}
	if requirement.ChainID != c.chainID.Int64() {
		return "", premium.NewPaymentError(premium.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("requirement is for chain %d, client is on %s", requirement.ChainID, c.chainID), nil)
	}
	if !common.IsHexAddress(requirement.Recipient) {
		return "", fmt.Errorf("invalid recipient address: %s", requirement.Recipient)
	}
	amount, err := requirement.AmountUnits()
	if err != nil {
		return "", err
	}
	recipient := common.HexToAddress(requirement.Recipient)

	to, value, data := recipient, amount, []byte(nil)
	if !requirement.IsNative() {
		if !common.IsHexAddress(requirement.Asset) {
			return "", fmt.Errorf("invalid asset address: %s", requirement.Asset)
		}
		data, err = PackTransfer(recipient, amount)
		if err != nil {
			return "", fmt.Errorf("failed to encode transfer: %w", err)
		}
		to, value = common.HexToAddress(requirement.Asset), big.NewInt(0)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, value, c.gasLimit(requirement), gasPrice, data)
	signedTx, err := c.signer.SignTx(tx, c.chainID)
	if err != nil {
		return "", err
	}
	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	hash := signedTx.Hash().Hex()
	c.logger.Debug("transfer sent",
		zap.String("tx", hash),
		zap.Uint64("nonce", nonce),
		zap.String("to", to.Hex()))
	return hash, nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done
func (c *Chain) WaitForReceipt(ctx context.Context, txID string) (*premium.TransactionReceipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.Receipt(ctx, txID)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, premium.ErrTransactionNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ============================================================================
// ChainReader
// ============================================================================

// Transaction returns the transfer carried by txID.
// Calls to an ERC-20 transfer are reported as token transfers with the token as Asset.
func (c *Chain) Transaction(ctx context.Context, txID string) (*premium.Transaction, error) {
	hash, err := parseHash(txID)
	if err != nil {
		return nil, err
	}

	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, premium.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	out := &premium.Transaction{
		Hash:   tx.Hash().Hex(),
		Amount: tx.Value(),
	}
	if sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx); err == nil {
		out.From = sender.Hex()
	}
	if tx.To() == nil {
		return out, nil
	}

	out.To = tx.To().Hex()
	if to, value, ok := UnpackTransfer(tx.Data()); ok {
		out.Asset = tx.To().Hex()
		out.To = to.Hex()
		out.Amount = value
	}
	return out, nil
}

// Receipt returns the receipt of a mined transaction
func (c *Chain) Receipt(ctx context.Context, txID string) (*premium.TransactionReceipt, error) {
	hash, err := parseHash(txID)
	if err != nil {
		return nil, err
	}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, premium.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	out := &premium.TransactionReceipt{
		TxHash: receipt.TxHash.Hex(),
		Status: receipt.Status,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func parseHash(txID string) (common.Hash, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(txID))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, premium.ErrInvalidTransactionID
	}
	return common.BytesToHash(raw), nil
}

var (
	_ premium.ChainReader  = (*Chain)(nil)
	_ premium.PaymentChain = (*Chain)(nil)
)
