package eip1193

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// RPCProvider forwards every request to a JSON-RPC endpoint, e.g. a node for
// read calls or a remote signer that speaks personal_sign.
type RPCProvider struct {
	client *rpc.Client
}

func NewRPCProvider(client *rpc.Client) *RPCProvider {
	return &RPCProvider{client: client}
}

// DialRPCProvider dials url and wraps it.
func DialRPCProvider(ctx context.Context, url string) (*RPCProvider, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial provider %s: %w", url, err)
	}
	return NewRPCProvider(c), nil
}

func (p *RPCProvider) Request(ctx context.Context, args RequestArguments) (json.RawMessage, error) {
	var out json.RawMessage
	params := args.Params
	if params == nil {
		params = []any{}
	}
	if err := p.client.CallContext(ctx, &out, args.Method, params...); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			pe := &ProviderError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
			var dataErr rpc.DataError
			if errors.As(err, &dataErr) {
				pe.Data = dataErr.ErrorData()
			}
			return nil, pe
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrDisconnected, args.Method, err)
	}
	return out, nil
}

func (p *RPCProvider) Close() {
	p.client.Close()
}
