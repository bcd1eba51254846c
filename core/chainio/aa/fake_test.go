package aa

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

// fakeChain answers eth_call by method selector.
type fakeChain struct {
	mu      sync.Mutex
	code    map[common.Address][]byte
	results map[string][]byte
	calls   map[string]int
	baseFee *big.Int
	// callErr fails every eth_call, the way a dead endpoint does
	callErr error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		code:    map[common.Address][]byte{},
		results: map[string][]byte{},
		calls:   map[string]int{},
		baseFee: big.NewInt(1_000_000_000),
	}
}

func (f *fakeChain) respond(contract abi.ABI, method string, values ...any) {
	out, err := contract.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic(err)
	}
	f.results[string(contract.Methods[method].ID)] = out
}

func (f *fakeChain) count(contract abi.ABI, method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[string(contract.Methods[method].ID)]
}

func (f *fakeChain) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[addr], nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	sel := string(msg.Data[:4])
	f.calls[sel]++
	if f.callErr != nil {
		return nil, f.callErr
	}
	out, ok := f.results[sel]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return out, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(100_000_000), nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

// fakeBundler records what the client submits.
type fakeBundler struct {
	estimated []*userop.UserOperation
	sent      []*userop.UserOperation
	sendErrs  []error
	estimate  *bundler.GasEstimation
	estErr    error
}

func (b *fakeBundler) SendUserOperation(_ context.Context, op *userop.UserOperation, ep common.Address, v userop.EntryPointVersion) (common.Hash, error) {
	b.sent = append(b.sent, op.Copy())
	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	return op.Hash(ep, big.NewInt(42161), v)
}

func (b *fakeBundler) EstimateUserOperationGas(_ context.Context, op *userop.UserOperation, _ common.Address, _ userop.EntryPointVersion) (*bundler.GasEstimation, error) {
	b.estimated = append(b.estimated, op.Copy())
	if b.estErr != nil {
		return nil, b.estErr
	}
	if b.estimate != nil {
		return b.estimate, nil
	}
	return &bundler.GasEstimation{
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(300_000),
		PreVerificationGas:   big.NewInt(50_000),
	}, nil
}

func (b *fakeBundler) SupportsGasPrice() bool { return false }

func (b *fakeBundler) GasPrice(context.Context) (*bundler.GasPrice, error) {
	return nil, fmt.Errorf("unsupported")
}

func hasPrefix(data []byte, contract abi.ABI, method string) bool {
	return bytes.HasPrefix(data, contract.Methods[method].ID)
}

// rpcError is a JSON-RPC error as returned by the node.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string  { return e.msg }
func (e *rpcError) ErrorCode() int { return e.code }
