// Package swap turns a swap intent into smart account calls through a hosted
// swap provider.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// NativeToken is the placeholder address swap APIs use for the chain's gas token.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

var (
	// ErrQuoteRejected means the provider refused to quote, e.g. no route or unsupported token.
	ErrQuoteRejected = errors.New("swap quote rejected")
	ErrUnknownAsset  = errors.New("token not supported by swap provider")
)

// Request is what the wallet hands to a provider. Amount is in base units of From.
type Request struct {
	From        common.Address
	To          common.Address
	Amount      *big.Int
	Sender      common.Address
	Sponsorship aa.SponsorshipMode
}

func (r Request) validate() error {
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrQuoteRejected)
	}
	if r.From == r.To {
		return fmt.Errorf("%w: source and destination token are the same", ErrQuoteRejected)
	}
	return nil
}

// Submitter sends calls as one user operation. *aa.Client satisfies it.
type Submitter interface {
	SendCalls(ctx context.Context, calls []aa.Call, mode aa.SponsorshipMode) (common.Hash, error)
}

// Swapper executes a swap and returns the hash of the user operation it submitted.
type Swapper interface {
	Name() string
	Swap(ctx context.Context, req Request) (common.Hash, error)
}

// ReceiptHook is implemented by providers that must learn about the mined
// transaction. TakeDeposit hands out the address the user operation funded,
// once, so the caller can persist it until the receipt shows up.
type ReceiptHook interface {
	TakeDeposit(userOpHash common.Hash) (string, bool)
	AfterReceipt(ctx context.Context, deposit string, txHash common.Hash) error
}

// New builds the provider selected by cfg.Provider. It returns nil when no provider is configured.
func New(cfg config.SwapConfig, chain config.Chain, sub Submitter, log logger.Logger) (Swapper, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "aggregator":
		return NewAggregatorSwapper(AggregatorConfig{
			URL:         cfg.APIURL,
			APIKey:      cfg.APIKey,
			SlippageBps: cfg.SlippageBps,
			Timeout:     cfg.Timeout,
		}, sub, log)
	case "oneclick":
		api := NewOneClickClient(cfg.APIURL, cfg.APIKey, cfg.Timeout)
		return NewOneClickSwapper(OneClickConfig{
			Blockchain: chain.OneClickBlockchain,
			AssetIDs:   cfg.AssetIDs,
		}, api, sub, log)
	default:
		return nil, fmt.Errorf("unknown swap provider %q", cfg.Provider)
	}
}
