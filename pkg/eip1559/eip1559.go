// Package eip1559 suggests maxFeePerGas / maxPriorityFeePerGas for user operations.
package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the subset of ethclient.Client used for fee suggestion.
type Backend interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Policy bounds the suggestion. Zero floors disable the floor.
type Policy struct {
	// TipBufferPercent is added on top of the node suggested tip.
	TipBufferPercent int64
	MinTip           *big.Int
	MinMaxFee        *big.Int
}

var DefaultPolicy = Policy{
	TipBufferPercent: 13,
	MinTip:           big.NewInt(2_000_000_000),
}

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas).
// maxFeePerGas = 2 * baseFee + tip so the op survives a doubling base fee.
func SuggestFee(ctx context.Context, client Backend, policy Policy) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	buffer := new(big.Int).Mul(tipCap, big.NewInt(policy.TipBufferPercent))
	buffer.Div(buffer, big.NewInt(100))
	tip := new(big.Int).Add(tipCap, buffer)
	if policy.MinTip != nil && tip.Cmp(policy.MinTip) < 0 {
		tip = new(big.Int).Set(policy.MinTip)
	}

	// pre-London chains have no base fee
	if header.BaseFee == nil {
		return new(big.Int).Set(tip), tip, nil
	}

	maxFee := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
	if policy.MinMaxFee != nil && maxFee.Cmp(policy.MinMaxFee) < 0 {
		maxFee = new(big.Int).Set(policy.MinMaxFee)
	}
	return maxFee, tip, nil
}
