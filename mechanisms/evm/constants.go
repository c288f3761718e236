package evm

import (
	"math/big"
	"time"
)

const (
	// Default token decimals for USDC
	DefaultDecimals = 6

	// ERC-20 function names
	FunctionTransfer  = "transfer"
	FunctionBalanceOf = "balanceOf"

	// Transaction status
	TxStatusSuccess = 1

	// Gas limits for the two transfer kinds
	NativeTransferGas = 21000
	TokenTransferGas  = 65000

	// DefaultPollInterval is how often WaitForReceipt polls for a receipt
	DefaultPollInterval = 2 * time.Second
)

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// Network configurations
	NetworkConfigs = map[string]NetworkConfig{
		// Base Mainnet
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Symbol:   "USDC",
				Decimals: DefaultDecimals,
			},
		},
		// Base Sepolia Testnet
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Symbol:   "USDC",
				Decimals: DefaultDecimals,
			},
		},
	}

	// ERC20ABI covers the calls made for token payments
	ERC20ABI = []byte(`[
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [{"name": "account", "type": "address"}],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)
