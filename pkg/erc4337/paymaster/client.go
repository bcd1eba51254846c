// Package paymaster obtains paymasterAndData for user operations, either from an
// ERC-7677 paymaster web service or by signing locally for a VerifyingPaymaster.
package paymaster

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// Data is what a paymaster hands back for an operation.
type Data struct {
	Paymaster            common.Address
	PaymasterData        []byte
	VerificationGasLimit *big.Int
	PostOpGasLimit       *big.Int
	SponsorName          string
	// IsFinal means the stub data can be used as is, skipping pm_getPaymasterData.
	IsFinal bool
}

// Apply writes the paymaster fields onto op.
func (d *Data) Apply(op *userop.UserOperation) {
	pm := d.Paymaster
	op.Paymaster = &pm
	op.PaymasterData = common.CopyBytes(d.PaymasterData)
	if d.VerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = new(big.Int).Set(d.VerificationGasLimit)
	}
	if d.PostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = new(big.Int).Set(d.PostOpGasLimit)
	}
}

// Request carries everything a paymaster needs besides the operation itself.
type Request struct {
	EntryPoint common.Address
	Version    userop.EntryPointVersion
	ChainID    *big.Int
	// Context is passed through untouched, e.g. {"sponsorshipPolicyId": "sp_..."} or {"token": "0x..."}.
	Context map[string]any
}

// Sponsor is implemented by the remote client and by the local verifying signer.
type Sponsor interface {
	StubData(ctx context.Context, op *userop.UserOperation, req Request) (*Data, error)
	Data(ctx context.Context, op *userop.UserOperation, req Request) (*Data, error)
}

type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Client calls pm_getPaymasterStubData and pm_getPaymasterData.
type Client struct {
	rpc    *rpc.Client
	logger logger.Logger
}

func NewClient(ctx context.Context, cfg Config, log logger.Logger) (*Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	opts := []rpc.ClientOption{rpc.WithHTTPClient(&http.Client{Timeout: timeout})}
	for k, v := range cfg.Headers {
		opts = append(opts, rpc.WithHeader(k, v))
	}
	c, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating paymaster client: %w", err)
	}
	return &Client{rpc: c, logger: logger.Component(log, "paymaster")}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

type result struct {
	Sponsor *struct {
		Name string `json:"name"`
	} `json:"sponsor,omitempty"`
	PaymasterAndData              hexutil.Bytes     `json:"paymasterAndData,omitempty"`
	Paymaster                     *common.Address   `json:"paymaster,omitempty"`
	PaymasterData                 hexutil.Bytes     `json:"paymasterData,omitempty"`
	PaymasterVerificationGasLimit *bundler.Quantity `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *bundler.Quantity `json:"paymasterPostOpGasLimit,omitempty"`
	IsFinal                       bool              `json:"isFinal,omitempty"`
}

func (r *result) toData(method string) (*Data, error) {
	d := &Data{IsFinal: r.IsFinal}
	if r.Sponsor != nil {
		d.SponsorName = r.Sponsor.Name
	}
	switch {
	case r.Paymaster != nil:
		d.Paymaster = *r.Paymaster
		d.PaymasterData = r.PaymasterData
		d.VerificationGasLimit = r.PaymasterVerificationGasLimit.Big()
		d.PostOpGasLimit = r.PaymasterPostOpGasLimit.Big()
	case len(r.PaymasterAndData) >= common.AddressLength:
		d.Paymaster = common.BytesToAddress(r.PaymasterAndData[:common.AddressLength])
		d.PaymasterData = common.CopyBytes(r.PaymasterAndData[common.AddressLength:])
	default:
		return nil, fmt.Errorf("%w: %s returned no paymaster", bundler.ErrPaymasterRejected, method)
	}
	return d, nil
}

func (c *Client) call(ctx context.Context, method string, op *userop.UserOperation, req Request) (*Data, error) {
	var out result
	chainID := (*hexutil.Big)(req.ChainID)
	pmCtx := req.Context
	if pmCtx == nil {
		pmCtx = map[string]any{}
	}
	err := c.rpc.CallContext(ctx, &out, method, op.Encode(req.Version), req.EntryPoint, chainID, pmCtx)
	if err != nil {
		return nil, bundler.Wrap(method, err, true)
	}
	d, err := out.toData(method)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("paymaster data received", "method", method, "paymaster", d.Paymaster.Hex(), "sponsor", d.SponsorName, "isFinal", d.IsFinal)
	return d, nil
}

func (c *Client) StubData(ctx context.Context, op *userop.UserOperation, req Request) (*Data, error) {
	return c.call(ctx, "pm_getPaymasterStubData", op, req)
}

func (c *Client) Data(ctx context.Context, op *userop.UserOperation, req Request) (*Data, error) {
	return c.call(ctx, "pm_getPaymasterData", op, req)
}
