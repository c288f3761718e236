package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	premiumevm "github.com/x402-foundation/premium/mechanisms/evm"
)

// Signer holds the paying wallet's ECDSA key and signs transfer transactions.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Returns:
//
//	Signer ready for use with evm.NewChain()
//	Error if private key is invalid
//
// Example:
//
//	signer, err := evm.NewSignerFromPrivateKey(os.Getenv("EVM_PRIVATE_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	chain, err := premiumevm.NewChain(ethClient, "eip155:84532", signer)
func NewSignerFromPrivateKey(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		// the key itself must never end up in the message
		return nil, fmt.Errorf("invalid private key")
	}

	return NewSigner(privateKey), nil
}

// NewSigner wraps an existing key
func NewSigner(privateKey *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the checksummed address of the signer.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx for chainID with the latest signer the chain supports.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// Ensure Signer implements TxSigner
var _ premiumevm.TxSigner = (*Signer)(nil)
