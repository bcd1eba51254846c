package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/pkg/eip1193"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1559"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// SponsorshipMode selects who pays for gas.
type SponsorshipMode string

const (
	SponsorNone      SponsorshipMode = "none"
	SponsorPaymaster SponsorshipMode = "sponsored"
	SponsorERC20     SponsorshipMode = "erc20"
)

var ErrSponsorshipUnavailable = errors.New("sponsorship mode not configured")

// Sponsorship binds a mode to a paymaster and its context.
type Sponsorship struct {
	Sponsor paymaster.Sponsor
	Context map[string]any
	// ApproveToken, when set, prepends approve(ApproveSpender, ApproveAmount)
	// so an ERC-20 paymaster can charge the account.
	ApproveToken   *common.Address
	ApproveSpender common.Address
	ApproveAmount  *big.Int
}

// Bundler is what the client needs from the bundler RPC.
type Bundler interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address, v userop.EntryPointVersion) (common.Hash, error)
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address, v userop.EntryPointVersion) (*bundler.GasEstimation, error)
	SupportsGasPrice() bool
	GasPrice(ctx context.Context) (*bundler.GasPrice, error)
}

// ChainBackend is the node access of the client. *ethclient.Client satisfies it.
type ChainBackend interface {
	Backend
	eip1559.Backend
}

// ClientConfig is forwarded verbatim from wallet configuration.
type ClientConfig struct {
	ChainID      *big.Int
	EntryPoint   common.Address
	Version      userop.EntryPointVersion
	NonceRetries int
	FeePolicy    eip1559.Policy
	// GasBufferPercent is added to every bundler gas estimate.
	GasBufferPercent int64
	Sponsorships     map[SponsorshipMode]Sponsorship
}

// Client is the smart account client: it turns calls into a signed, sponsored
// user operation and hands it to the bundler.
type Client struct {
	cfg      ClientConfig
	account  SmartAccount
	provider eip1193.Provider
	bundler  Bundler
	backend  ChainBackend
	nonces   *bundler.NonceManager
	logger   logger.Logger
}

func NewClient(cfg ClientConfig, account SmartAccount, provider eip1193.Provider, b Bundler, backend ChainBackend, log logger.Logger) (*Client, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	if cfg.EntryPoint == (common.Address{}) {
		return nil, errors.New("entry point address is required")
	}
	if account == nil || provider == nil || b == nil || backend == nil {
		return nil, errors.New("account, provider, bundler and chain backend are required")
	}
	if cfg.NonceRetries <= 0 {
		cfg.NonceRetries = 2
	}
	lg := logger.Component(log, "aa")
	return &Client{
		cfg:      cfg,
		account:  account,
		provider: provider,
		bundler:  b,
		backend:  backend,
		nonces:   bundler.NewNonceManager(lg),
		logger:   lg,
	}, nil
}

func (c *Client) Account() SmartAccount {
	return c.account
}

func (c *Client) Config() ClientConfig {
	return c.cfg
}

func (c *Client) Address(ctx context.Context) (common.Address, error) {
	return c.account.Address(ctx)
}

// SendCalls submits calls as one user operation and returns its userOpHash.
// An AA25 nonce rejection refreshes the nonce and resubmits.
func (c *Client) SendCalls(ctx context.Context, calls []Call, mode SponsorshipMode) (common.Hash, error) {
	if len(calls) == 0 {
		return common.Hash{}, ErrNoCalls
	}
	if mode == "" {
		mode = SponsorNone
	}

	var sp *Sponsorship
	if mode != SponsorNone {
		s, ok := c.cfg.Sponsorships[mode]
		if !ok || s.Sponsor == nil {
			return common.Hash{}, fmt.Errorf("%w: %s", ErrSponsorshipUnavailable, mode)
		}
		sp = &s
		if s.ApproveToken != nil {
			amount := s.ApproveAmount
			if amount == nil {
				amount = MaxUint256
			}
			approve, err := ApproveCall(*s.ApproveToken, s.ApproveSpender, amount)
			if err != nil {
				return common.Hash{}, err
			}
			calls = append([]Call{approve}, calls...)
		}
	}

	sender, err := c.account.Address(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.NonceRetries; attempt++ {
		op, err := c.BuildUserOperation(ctx, sender, calls, sp)
		if err != nil {
			return common.Hash{}, err
		}

		hash, err := c.bundler.SendUserOperation(ctx, op, c.cfg.EntryPoint, c.cfg.Version)
		if err == nil {
			c.nonces.Commit(sender, op.Nonce)
			c.logger.Info("calls submitted", "sender", sender.Hex(), "calls", len(calls), "mode", string(mode), "userOpHash", hash.Hex())
			return hash, nil
		}

		var rpcErr *bundler.RPCError
		if errors.As(err, &rpcErr) && rpcErr.IsNonceError() {
			c.logger.Warn("nonce rejected, refreshing", "sender", sender.Hex(), "nonce", op.Nonce, "attempt", attempt+1)
			c.nonces.Reset(sender)
			lastErr = err
			continue
		}
		return common.Hash{}, err
	}
	return common.Hash{}, lastErr
}

// BuildUserOperation fills, estimates, sponsors and signs a user operation.
func (c *Client) BuildUserOperation(ctx context.Context, sender common.Address, calls []Call, sp *Sponsorship) (*userop.UserOperation, error) {
	callData, err := c.account.EncodeCalls(calls)
	if err != nil {
		return nil, err
	}
	initCode, err := c.account.InitCode(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.nonces.Next(sender, func() (*big.Int, error) {
		return EntryPointNonce(ctx, c.backend, c.cfg.EntryPoint, sender, nil)
	})
	if err != nil {
		return nil, err
	}
	maxFee, tip, err := c.fees(ctx)
	if err != nil {
		return nil, err
	}

	op := &userop.UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		CallData:             callData,
		CallGasLimit:         big.NewInt(0),
		VerificationGasLimit: big.NewInt(0),
		PreVerificationGas:   big.NewInt(0),
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		Signature:            c.account.DummySignature(),
	}
	if err := op.SetInitCode(initCode); err != nil {
		return nil, err
	}

	pmReq := paymaster.Request{EntryPoint: c.cfg.EntryPoint, Version: c.cfg.Version, ChainID: c.cfg.ChainID}
	var stub *paymaster.Data
	if sp != nil {
		pmReq.Context = sp.Context
		stub, err = sp.Sponsor.StubData(ctx, op, pmReq)
		if err != nil {
			return nil, err
		}
		stub.Apply(op)
	}

	est, err := c.bundler.EstimateUserOperationGas(ctx, op, c.cfg.EntryPoint, c.cfg.Version)
	if err != nil {
		return nil, err
	}
	op.CallGasLimit = c.buffered(est.CallGasLimit)
	op.VerificationGasLimit = c.buffered(est.VerificationGasLimit)
	op.PreVerificationGas = c.buffered(est.PreVerificationGas)
	if op.Paymaster != nil && c.cfg.Version == userop.V07 {
		if op.PaymasterVerificationGasLimit == nil && est.PaymasterVerificationGasLimit != nil {
			op.PaymasterVerificationGasLimit = c.buffered(est.PaymasterVerificationGasLimit)
		}
		if op.PaymasterPostOpGasLimit == nil && est.PaymasterPostOpGasLimit != nil {
			op.PaymasterPostOpGasLimit = new(big.Int).Set(est.PaymasterPostOpGasLimit)
		}
	}

	// final paymaster data signs over the estimated gas values
	if sp != nil && !stub.IsFinal {
		final, err := sp.Sponsor.Data(ctx, op, pmReq)
		if err != nil {
			return nil, err
		}
		final.Apply(op)
	}

	hash, err := op.Hash(c.cfg.EntryPoint, c.cfg.ChainID, c.cfg.Version)
	if err != nil {
		return nil, err
	}
	sig, err := eip1193.PersonalSign(ctx, c.provider, hash.Bytes(), c.account.Owner())
	if err != nil {
		return nil, fmt.Errorf("sign user operation %s: %w", hash.Hex(), err)
	}
	op.Signature = sig

	c.logger.Debug("user operation built",
		"sender", sender.Hex(),
		"nonce", nonce,
		"deployed", len(initCode) == 0,
		"sponsored", op.Paymaster != nil,
		"userOpHash", hash.Hex())
	return op, nil
}

func (c *Client) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	if c.bundler.SupportsGasPrice() {
		price, err := c.bundler.GasPrice(ctx)
		if err == nil {
			return price.MaxFeePerGas, price.MaxPriorityFeePerGas, nil
		}
		c.logger.Warn("bundler gas price failed, using node fee suggestion", "error", err)
	}
	maxFee, tip, err := eip1559.SuggestFee(ctx, c.backend, c.cfg.FeePolicy)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: fee suggestion: %w", bundler.ErrNetwork, err)
	}
	return maxFee, tip, nil
}

func (c *Client) buffered(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, big.NewInt(100+c.cfg.GasBufferPercent))
	return out.Div(out, big.NewInt(100))
}
