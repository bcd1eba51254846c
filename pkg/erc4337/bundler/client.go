// Package bundler is a client for ERC-4337 bundler JSON-RPC endpoints.
// Bundler RPC is stateless, apart from the nonce cache callers may keep.
package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-wallet/pkg/logger"
)

// Config for a bundler endpoint.
type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration

	// GasPriceMethod is an optional vendor method such as pimlico_getUserOperationGasPrice.
	GasPriceMethod string

	Polling PollingConfig
}

// PollingConfig drives WaitForReceipt.
type PollingConfig struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Timeout time.Duration
}

var DefaultPolling = PollingConfig{
	Initial: time.Second,
	Max:     5 * time.Second,
	Factor:  1.5,
	Timeout: 30 * time.Second,
}

// Client talks to an EIP-4337 bundler.
type Client struct {
	rpc            *rpc.Client
	url            string
	gasPriceMethod string
	polling        PollingConfig
	logger         logger.Logger
}

// NewClient dials the bundler over HTTP.
func NewClient(ctx context.Context, cfg Config, log logger.Logger) (*Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	opts := []rpc.ClientOption{rpc.WithHTTPClient(&http.Client{Timeout: timeout})}
	for k, v := range cfg.Headers {
		opts = append(opts, rpc.WithHeader(k, v))
	}

	c, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating bundler client: %w", err)
	}

	return NewWithRPC(c, cfg, log), nil
}

// NewWithRPC wraps an existing rpc client.
func NewWithRPC(c *rpc.Client, cfg Config, log logger.Logger) *Client {
	polling := cfg.Polling
	if polling.Initial == 0 {
		polling.Initial = DefaultPolling.Initial
	}
	if polling.Max == 0 {
		polling.Max = DefaultPolling.Max
	}
	if polling.Factor < 1 {
		polling.Factor = DefaultPolling.Factor
	}
	if polling.Timeout == 0 {
		polling.Timeout = DefaultPolling.Timeout
	}

	return &Client{
		rpc:            c,
		url:            cfg.URL,
		gasPriceMethod: cfg.GasPriceMethod,
		polling:        polling,
		logger:         logger.Component(log, "bundler"),
	}
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	return Wrap(method, c.rpc.CallContext(ctx, result, method, args...), false)
}

// SendUserOperation submits a signed operation and returns its userOpHash.
func (c *Client) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address, v userop.EntryPointVersion) (common.Hash, error) {
	var hash common.Hash
	if err := c.call(ctx, &hash, "eth_sendUserOperation", op.Encode(v), entryPoint); err != nil {
		return common.Hash{}, err
	}
	c.logger.Info("user operation submitted", "sender", op.Sender.Hex(), "nonce", op.Nonce, "userOpHash", hash.Hex())
	return hash, nil
}

// EstimateUserOperationGas asks the bundler to simulate op. The signature must
// already hold a dummy value of the right length.
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address, v userop.EntryPointVersion) (*GasEstimation, error) {
	var est GasEstimation
	if err := c.call(ctx, &est, "eth_estimateUserOperationGas", op.Encode(v), entryPoint); err != nil {
		return nil, err
	}
	c.logger.Debug("gas estimated",
		"sender", op.Sender.Hex(),
		"callGasLimit", est.CallGasLimit,
		"verificationGasLimit", est.VerificationGasLimit,
		"preVerificationGas", est.PreVerificationGas)
	return &est, nil
}

// GetUserOperationReceipt returns nil, nil while the operation is not mined yet.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.Receipt, error) {
	var raw json.RawMessage
	if err := c.call(ctx, &raw, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var receipt userop.Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("decode user operation receipt: %w", err)
	}
	return &receipt, nil
}

// GetUserOperationByHash returns nil, nil for unknown hashes.
func (c *Client) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*userop.ByHash, error) {
	var out *userop.ByHash
	if err := c.call(ctx, &out, "eth_getUserOperationByHash", hash); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var eps []common.Address
	if err := c.call(ctx, &eps, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return eps, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := c.call(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return id.ToInt(), nil
}

// SupportsGasPrice reports whether a vendor gas price method is configured.
func (c *Client) SupportsGasPrice() bool {
	return c.gasPriceMethod != ""
}

// GasPrice calls the configured vendor gas price method and returns its standard tier.
func (c *Client) GasPrice(ctx context.Context) (*GasPrice, error) {
	if c.gasPriceMethod == "" {
		return nil, fmt.Errorf("no gas price method configured for %s", c.url)
	}
	var tiers gasPriceTiers
	if err := c.call(ctx, &tiers, c.gasPriceMethod); err != nil {
		return nil, err
	}
	tier := tiers.Standard
	if tier == nil {
		tier = tiers.Fast
	}
	if tier == nil || tier.MaxFeePerGas == nil || tier.MaxPriorityFeePerGas == nil {
		return nil, fmt.Errorf("%s returned no usable tier", c.gasPriceMethod)
	}
	return &GasPrice{
		MaxFeePerGas:         tier.MaxFeePerGas.Big(),
		MaxPriorityFeePerGas: tier.MaxPriorityFeePerGas.Big(),
	}, nil
}
