package wallet

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/journal"
	"github.com/AvaProtocol/ap-wallet/core/swap"
	"github.com/AvaProtocol/ap-wallet/core/tokens"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1193"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// AccountClient is the smart account client the wallet drives. *aa.Client satisfies it.
type AccountClient interface {
	Address(ctx context.Context) (common.Address, error)
	SendCalls(ctx context.Context, calls []aa.Call, mode aa.SponsorshipMode) (common.Hash, error)
}

// BundlerClient is the bundler surface used for submission and receipts. *bundler.Client satisfies it.
type BundlerClient interface {
	aa.Bundler
	WaitForReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error)
}

// TokenRegistry resolves token metadata. *tokens.Registry satisfies it.
type TokenRegistry interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	Metadata(ctx context.Context, token common.Address) (*tokens.Metadata, error)
}

type (
	ChainDialer        func(ctx context.Context, url string) (aa.ChainBackend, error)
	AccountConstructor func(cfg aa.AccountConfig, backend aa.Backend) (aa.SmartAccount, error)
	ClientConstructor  func(cfg aa.ClientConfig, account aa.SmartAccount, provider eip1193.Provider, b aa.Bundler, backend aa.ChainBackend, log logger.Logger) (AccountClient, error)
	BundlerConstructor func(ctx context.Context, cfg bundler.Config, log logger.Logger) (BundlerClient, error)
	SponsorConstructor func(ctx context.Context, cfg paymaster.Config, log logger.Logger) (paymaster.Sponsor, error)
	SwapperConstructor func(cfg config.SwapConfig, chain config.Chain, sub swap.Submitter, log logger.Logger) (swap.Swapper, error)
)

// Option overrides one collaborator of Initialize.
type Option func(*options)

type options struct {
	dial       ChainDialer
	newAccount AccountConstructor
	newClient  ClientConstructor
	newBundler BundlerConstructor
	newSponsor SponsorConstructor
	newSwapper SwapperConstructor
	registry   TokenRegistry
	journal    *journal.Journal
	metrics    *metrics.WalletMetrics
}

func defaultOptions() *options {
	return &options{
		dial: func(ctx context.Context, url string) (aa.ChainBackend, error) {
			c, err := ethclient.DialContext(ctx, url)
			if err != nil {
				return nil, fmt.Errorf("%w: dial %s: %w", bundler.ErrNetwork, url, err)
			}
			return c, nil
		},
		newAccount: func(cfg aa.AccountConfig, backend aa.Backend) (aa.SmartAccount, error) {
			return aa.NewSimpleAccount(cfg, backend)
		},
		newClient: func(cfg aa.ClientConfig, account aa.SmartAccount, provider eip1193.Provider, b aa.Bundler, backend aa.ChainBackend, log logger.Logger) (AccountClient, error) {
			return aa.NewClient(cfg, account, provider, b, backend, log)
		},
		newBundler: func(ctx context.Context, cfg bundler.Config, log logger.Logger) (BundlerClient, error) {
			return bundler.NewClient(ctx, cfg, log)
		},
		newSponsor: func(ctx context.Context, cfg paymaster.Config, log logger.Logger) (paymaster.Sponsor, error) {
			return paymaster.NewClient(ctx, cfg, log)
		},
		newSwapper: swap.New,
	}
}

func WithChainDialer(d ChainDialer) Option {
	return func(o *options) { o.dial = d }
}

func WithAccountConstructor(c AccountConstructor) Option {
	return func(o *options) { o.newAccount = c }
}

func WithClientConstructor(c ClientConstructor) Option {
	return func(o *options) { o.newClient = c }
}

func WithBundlerConstructor(c BundlerConstructor) Option {
	return func(o *options) { o.newBundler = c }
}

// WithSponsorConstructor replaces the ERC-7677 paymaster client.
func WithSponsorConstructor(c SponsorConstructor) Option {
	return func(o *options) { o.newSponsor = c }
}

func WithSwapperConstructor(c SwapperConstructor) Option {
	return func(o *options) { o.newSwapper = c }
}

// WithTokenRegistry skips building the cached on-chain registry.
func WithTokenRegistry(r TokenRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithJournal records every submitted user operation.
func WithJournal(j *journal.Journal) Option {
	return func(o *options) { o.journal = j }
}

func WithMetrics(m *metrics.WalletMetrics) Option {
	return func(o *options) { o.metrics = m }
}
