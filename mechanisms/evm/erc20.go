package evm

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var erc20 = mustParseABI(ERC20ABI)

func mustParseABI(data []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// PackTransfer encodes a transfer(to, value) call
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return erc20.Pack(FunctionTransfer, to, value)
}

// UnpackTransfer decodes transfer(to, value) calldata.
// ok is false when data is not a transfer call.
func UnpackTransfer(data []byte) (to common.Address, value *big.Int, ok bool) {
	if len(data) < 4 {
		return common.Address{}, nil, false
	}
	method, err := erc20.MethodById(data[:4])
	if err != nil || method.Name != FunctionTransfer {
		return common.Address{}, nil, false
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return common.Address{}, nil, false
	}
	to, okTo := args[0].(common.Address)
	value, okValue := args[1].(*big.Int)
	if !okTo || !okValue {
		return common.Address{}, nil, false
	}
	return to, value, true
}

// PackBalanceOf encodes a balanceOf(account) call
func PackBalanceOf(account common.Address) ([]byte, error) {
	return erc20.Pack(FunctionBalanceOf, account)
}

// UnpackBalance decodes the uint256 returned by balanceOf
func UnpackBalance(data []byte) (*big.Int, error) {
	out, err := erc20.Unpack(FunctionBalanceOf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf result")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", out[0])
	}
	return balance, nil
}
