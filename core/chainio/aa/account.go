// Package aa builds, sponsors, signs and submits ERC-4337 user operations for
// a SimpleAccount owned by an EIP-1193 provider.
package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

var (
	// eth-infinitism SimpleAccountFactory deployments
	DefaultFactoryV06 = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	DefaultFactoryV07 = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")

	// 65 byte signature SimpleAccount can ecrecover without reverting, used for estimation
	dummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

	ErrNoCalls       = errors.New("at least one call is required")
	ErrBatchValue    = errors.New("entry point v0.6 SimpleAccount cannot send value in a batch")
	ErrZeroRecipient = errors.New("call target is the zero address")
)

// Call is one action executed by the smart account.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Backend is the read-only chain access the account needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractCaller
}

// SmartAccount abstracts the account contract flavour.
type SmartAccount interface {
	Owner() common.Address
	Address(ctx context.Context) (common.Address, error)
	// InitCode is empty once the account is deployed.
	InitCode(ctx context.Context) ([]byte, error)
	EncodeCalls(calls []Call) ([]byte, error)
	DummySignature() []byte
}

// AccountConfig is everything needed to locate a SimpleAccount.
type AccountConfig struct {
	Owner      common.Address
	Factory    common.Address
	Salt       *big.Int
	EntryPoint common.Address
	Version    userop.EntryPointVersion
}

// SimpleAccount is the eth-infinitism SimpleAccount deployed through SimpleAccountFactory.
type SimpleAccount struct {
	cfg     AccountConfig
	backend Backend
	factory *bind.BoundContract
	account abi.ABI

	mu       sync.Mutex
	address  *common.Address
	deployed bool
}

func NewSimpleAccount(cfg AccountConfig, backend Backend) (*SimpleAccount, error) {
	if cfg.Owner == (common.Address{}) {
		return nil, errors.New("account owner is required")
	}
	if cfg.Salt == nil {
		cfg.Salt = new(big.Int)
	}
	if cfg.Factory == (common.Address{}) {
		cfg.Factory = lo.Ternary(cfg.Version == userop.V07, DefaultFactoryV07, DefaultFactoryV06)
	}

	var accountABI abi.ABI
	switch cfg.Version {
	case userop.V06:
		accountABI = SimpleAccountV06ABI
	case userop.V07:
		accountABI = SimpleAccountV07ABI
	default:
		return nil, fmt.Errorf("unsupported entry point version %q", cfg.Version)
	}

	return &SimpleAccount{
		cfg:     cfg,
		backend: backend,
		factory: bind.NewBoundContract(cfg.Factory, SimpleFactoryABI, backend, nil, nil),
		account: accountABI,
	}, nil
}

func (a *SimpleAccount) Owner() common.Address {
	return a.cfg.Owner
}

func (a *SimpleAccount) Config() AccountConfig {
	return a.cfg
}

// Address asks the factory for the counterfactual address. It is cached after the first call.
func (a *SimpleAccount) Address(ctx context.Context) (common.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.address != nil {
		return *a.address, nil
	}

	var out []any
	if err := a.factory.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", a.cfg.Owner, a.cfg.Salt); err != nil {
		return common.Address{}, callError("factory getAddress", err)
	}
	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("%w: factory getAddress returned nothing", ErrContractCall)
	}
	addr, ok := out[0].(common.Address)
	if !ok || addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("factory getAddress returned %v", out[0])
	}
	a.address = &addr
	return addr, nil
}

// InitCode returns factory || createAccount(owner, salt) until code shows up at the address.
func (a *SimpleAccount) InitCode(ctx context.Context) ([]byte, error) {
	addr, err := a.Address(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	deployed := a.deployed
	a.mu.Unlock()
	if deployed {
		return []byte{}, nil
	}

	code, err := a.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: code at %s: %w", bundler.ErrNetwork, addr.Hex(), err)
	}
	if len(code) > 0 {
		a.mu.Lock()
		a.deployed = true
		a.mu.Unlock()
		return []byte{}, nil
	}

	calldata, err := SimpleFactoryABI.Pack("createAccount", a.cfg.Owner, a.cfg.Salt)
	if err != nil {
		return nil, err
	}
	return append(a.cfg.Factory.Bytes(), calldata...), nil
}

// EncodeCalls uses execute for a single call and executeBatch otherwise.
// executeBatch reverts as a whole when any call fails.
func (a *SimpleAccount) EncodeCalls(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, ErrNoCalls
	}
	for _, c := range calls {
		if c.To == (common.Address{}) {
			return nil, ErrZeroRecipient
		}
	}

	if len(calls) == 1 {
		c := calls[0]
		return a.account.Pack("execute", c.To, valueOf(c), nonNilData(c.Data))
	}

	dests := lo.Map(calls, func(c Call, _ int) common.Address { return c.To })
	datas := lo.Map(calls, func(c Call, _ int) []byte { return nonNilData(c.Data) })

	if a.cfg.Version == userop.V06 {
		if lo.SomeBy(calls, func(c Call) bool { return c.Value != nil && c.Value.Sign() > 0 }) {
			return nil, ErrBatchValue
		}
		return a.account.Pack("executeBatch", dests, datas)
	}

	values := lo.Map(calls, func(c Call, _ int) *big.Int { return valueOf(c) })
	return a.account.Pack("executeBatch", dests, values, datas)
}

func (a *SimpleAccount) DummySignature() []byte {
	return common.CopyBytes(dummySignature)
}

func valueOf(c Call) *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

func nonNilData(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
