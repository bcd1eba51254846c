package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/swap"
	"github.com/AvaProtocol/ap-wallet/core/tokens"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1193"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

var (
	usdc    = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	arb     = common.HexToAddress("0x912CE59144191C1204E64559FE8253a0e49E6548")
	owner   = common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7")
	account = common.HexToAddress("0x5a6b47F4131bf1feAFA56A05573314BcF44C9149")
	factory = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
)

// fakeProvider answers the EIP-1193 methods Initialize reads.
type fakeProvider struct {
	chainID     *big.Int
	accounts    []common.Address
	accountsErr error
	chainErr    error
}

func (p *fakeProvider) Request(_ context.Context, args eip1193.RequestArguments) (json.RawMessage, error) {
	switch args.Method {
	case "eth_chainId":
		if p.chainErr != nil {
			return nil, p.chainErr
		}
		return json.Marshal((*hexutil.Big)(p.chainID))
	case "eth_accounts":
		if p.accountsErr != nil {
			return nil, p.accountsErr
		}
		return json.Marshal(p.accounts)
	}
	return nil, &eip1193.ProviderError{Code: eip1193.CodeUnsupportedMethod, Message: args.Method}
}

// fakeChain answers eth_call by selector.
type fakeChain struct {
	mu      sync.Mutex
	results map[string][]byte
	closed  bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{results: map[string][]byte{}}
}

func (f *fakeChain) respond(contract abi.ABI, method string, values ...any) {
	out, err := contract.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic(err)
	}
	f.results[string(contract.Methods[method].ID)] = out
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	out, ok := f.results[string(msg.Data[:4])]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return out, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}

func (f *fakeChain) Close() {
	f.closed = true
}

type sentCalls struct {
	calls []aa.Call
	mode  aa.SponsorshipMode
}

// fakeClient stands in for the smart account client.
type fakeClient struct {
	mu      sync.Mutex
	sent    []sentCalls
	sendErr error
	next    int64
}

func (c *fakeClient) Address(context.Context) (common.Address, error) {
	return account, nil
}

func (c *fakeClient) SendCalls(_ context.Context, calls []aa.Call, mode aa.SponsorshipMode) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return common.Hash{}, c.sendErr
	}
	c.sent = append(c.sent, sentCalls{calls: calls, mode: mode})
	c.next++
	return common.BigToHash(big.NewInt(0x1000 + c.next)), nil
}

// fakeBundler records every hash a receipt was requested for.
type fakeBundler struct {
	mu       sync.Mutex
	waited   []common.Hash
	receipts map[common.Hash]*userop.Receipt
	waitErr  error
	closed   bool
}

func newFakeBundler() *fakeBundler {
	return &fakeBundler{receipts: map[common.Hash]*userop.Receipt{}}
}

func (b *fakeBundler) SendUserOperation(context.Context, *userop.UserOperation, common.Address, userop.EntryPointVersion) (common.Hash, error) {
	return common.Hash{}, fmt.Errorf("not used")
}

func (b *fakeBundler) EstimateUserOperationGas(context.Context, *userop.UserOperation, common.Address, userop.EntryPointVersion) (*bundler.GasEstimation, error) {
	return nil, fmt.Errorf("not used")
}

func (b *fakeBundler) SupportsGasPrice() bool { return false }

func (b *fakeBundler) GasPrice(context.Context) (*bundler.GasPrice, error) {
	return nil, fmt.Errorf("not used")
}

func (b *fakeBundler) WaitForReceipt(_ context.Context, hash common.Hash) (*userop.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waited = append(b.waited, hash)
	if b.waitErr != nil {
		return nil, b.waitErr
	}
	if r, ok := b.receipts[hash]; ok {
		return r, nil
	}
	return successReceipt(hash), nil
}

func (b *fakeBundler) GetUserOperationReceipt(_ context.Context, hash common.Hash) (*userop.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receipts[hash], nil
}

func (b *fakeBundler) Close() {
	b.closed = true
}

func (b *fakeBundler) waitedFor() []common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]common.Hash(nil), b.waited...)
}

func successReceipt(hash common.Hash) *userop.Receipt {
	return &userop.Receipt{
		UserOpHash:    hash,
		Success:       true,
		ActualGasCost: (*hexutil.Big)(big.NewInt(42)),
		Receipt:       &userop.TxReceiptBrief{TransactionHash: common.HexToHash("0xfeed")},
	}
}

// fakeSwapper returns a fixed hash or error, or panics.
type fakeSwapper struct {
	requests []swap.Request
	hash     common.Hash
	err      error
	panicMsg string
}

func (s *fakeSwapper) Name() string { return "fake" }

func (s *fakeSwapper) Swap(_ context.Context, req swap.Request) (common.Hash, error) {
	s.requests = append(s.requests, req)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.hash, s.err
}

// hookSwapper funds a deposit address and wants to hear about the mined transaction.
type hookSwapper struct {
	fakeSwapper
	deposit string
	taken   int
	hooked  []string
	hookErr error
}

func (s *hookSwapper) TakeDeposit(common.Hash) (string, bool) {
	s.taken++
	return s.deposit, s.deposit != ""
}

func (s *hookSwapper) AfterReceipt(_ context.Context, deposit string, txHash common.Hash) error {
	s.hooked = append(s.hooked, deposit+"@"+txHash.Hex())
	return s.hookErr
}

type fakeRegistry map[common.Address]uint8

func (r fakeRegistry) Decimals(_ context.Context, token common.Address) (uint8, error) {
	d, ok := r[token]
	if !ok {
		return 0, fmt.Errorf("%w: decimals: %w", aa.ErrContractCall, bind.ErrNoCode)
	}
	return d, nil
}

func (r fakeRegistry) Metadata(ctx context.Context, token common.Address) (*tokens.Metadata, error) {
	d, err := r.Decimals(ctx, token)
	if err != nil {
		return nil, err
	}
	return &tokens.Metadata{Address: token, Symbol: "TKN", Decimals: d, Source: "config"}, nil
}

type fakeSponsor struct{}

func (fakeSponsor) StubData(context.Context, *userop.UserOperation, paymaster.Request) (*paymaster.Data, error) {
	return &paymaster.Data{}, nil
}

func (fakeSponsor) Data(context.Context, *userop.UserOperation, paymaster.Request) (*paymaster.Data, error) {
	return &paymaster.Data{}, nil
}

// harness wires fakes into Initialize and captures what the constructors receive.
type harness struct {
	provider *fakeProvider
	chain    *fakeChain
	client   *fakeClient
	bundler  *fakeBundler
	swapper  swap.Swapper
	registry fakeRegistry

	accountCfg *aa.AccountConfig
	clientCfg  *aa.ClientConfig
	sponsorCfg *paymaster.Config
	clientErr  error
}

func newHarness() *harness {
	return &harness{
		provider: &fakeProvider{chainID: big.NewInt(42161), accounts: []common.Address{owner}},
		chain:    newFakeChain(),
		client:   &fakeClient{},
		bundler:  newFakeBundler(),
		swapper:  &fakeSwapper{hash: common.HexToHash("0xabc1")},
		registry: fakeRegistry{usdc: 6, arb: 18},
	}
}

func (h *harness) options() []Option {
	return []Option{
		WithChainDialer(func(context.Context, string) (aa.ChainBackend, error) {
			return h.chain, nil
		}),
		WithAccountConstructor(func(cfg aa.AccountConfig, backend aa.Backend) (aa.SmartAccount, error) {
			h.accountCfg = &cfg
			return aa.NewSimpleAccount(cfg, backend)
		}),
		WithClientConstructor(func(cfg aa.ClientConfig, _ aa.SmartAccount, _ eip1193.Provider, _ aa.Bundler, _ aa.ChainBackend, _ logger.Logger) (AccountClient, error) {
			h.clientCfg = &cfg
			if h.clientErr != nil {
				return nil, h.clientErr
			}
			return h.client, nil
		}),
		WithBundlerConstructor(func(context.Context, bundler.Config, logger.Logger) (BundlerClient, error) {
			return h.bundler, nil
		}),
		WithSponsorConstructor(func(_ context.Context, cfg paymaster.Config, _ logger.Logger) (paymaster.Sponsor, error) {
			h.sponsorCfg = &cfg
			return fakeSponsor{}, nil
		}),
		WithSwapperConstructor(func(config.SwapConfig, config.Chain, swap.Submitter, logger.Logger) (swap.Swapper, error) {
			return h.swapper, nil
		}),
		WithTokenRegistry(h.registry),
	}
}

func testConfig() *config.Config {
	chain, _ := config.KnownChain(config.ArbitrumChainID)
	return &config.Config{
		Environment: "development",
		Logger:      logger.NewNoOpLogger(),
		EthRpcUrl:   "http://localhost:8545",
		ChainID:     big.NewInt(42161),
		Chain:       chain,
		SmartWallet: config.SmartWalletConfig{
			EntryPoint:       userop.EntryPointV07,
			Version:          userop.V07,
			Factory:          factory,
			Salt:             big.NewInt(7),
			NonceRetries:     3,
			GasBufferPercent: 15,
		},
		Bundler: bundler.Config{URL: "http://localhost:4337"},
		Tokens: config.TokensConfig{
			Stablecoin: usdc,
			Decimals:   map[common.Address]uint8{usdc: 6, arb: 18},
		},
	}
}
