package eip1559

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	tip     *big.Int
	baseFee *big.Int
	err     error
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return f.tip, f.err
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func TestSuggestFeeAddsBufferAndDoublesBaseFee(t *testing.T) {
	maxFee, tip, err := SuggestFee(context.Background(), &fakeBackend{tip: gwei(10), baseFee: gwei(30)}, DefaultPolicy)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(11_300_000_000), tip)
	assert.Equal(t, new(big.Int).Add(gwei(60), big.NewInt(11_300_000_000)), maxFee)
}

func TestSuggestFeeAppliesFloors(t *testing.T) {
	policy := Policy{TipBufferPercent: 13, MinTip: gwei(2), MinMaxFee: gwei(20)}
	maxFee, tip, err := SuggestFee(context.Background(), &fakeBackend{tip: big.NewInt(1000), baseFee: big.NewInt(10_000_000)}, policy)
	require.NoError(t, err)
	assert.Equal(t, gwei(2), tip)
	assert.Equal(t, gwei(20), maxFee)
}

func TestSuggestFeeLegacyChain(t *testing.T) {
	maxFee, tip, err := SuggestFee(context.Background(), &fakeBackend{tip: gwei(3)}, Policy{})
	require.NoError(t, err)
	assert.Equal(t, gwei(3), tip)
	assert.Equal(t, tip, maxFee)
}

func TestSuggestFeePropagatesErrors(t *testing.T) {
	_, _, err := SuggestFee(context.Background(), &fakeBackend{err: errors.New("boom")}, DefaultPolicy)
	assert.Error(t, err)
}
