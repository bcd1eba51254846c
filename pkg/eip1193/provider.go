// Package eip1193 describes the signing provider the wallet is bound to.
package eip1193

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Provider error codes from EIP-1193.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
)

var (
	ErrUserRejected = errors.New("user rejected the request")
	ErrDisconnected = errors.New("provider disconnected")
)

type RequestArguments struct {
	Method string
	Params []any
}

// Provider is the request interface of EIP-1193.
type Provider interface {
	Request(ctx context.Context, args RequestArguments) (json.RawMessage, error)
}

// ProviderError is the error shape EIP-1193 providers reject with.
type ProviderError struct {
	Code    int
	Message string
	Data    any
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrUserRejected:
		return e.Code == CodeUserRejected
	case ErrDisconnected:
		return e.Code == CodeDisconnected || e.Code == CodeChainDisconnected
	}
	return false
}

// Accounts returns eth_accounts.
func Accounts(ctx context.Context, p Provider) ([]common.Address, error) {
	raw, err := p.Request(ctx, RequestArguments{Method: "eth_accounts"})
	if err != nil {
		return nil, err
	}
	var out []common.Address
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode eth_accounts: %w", err)
	}
	return out, nil
}

// ChainID returns eth_chainId.
func ChainID(ctx context.Context, p Provider) (*big.Int, error) {
	raw, err := p.Request(ctx, RequestArguments{Method: "eth_chainId"})
	if err != nil {
		return nil, err
	}
	var id hexutil.Big
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("decode eth_chainId: %w", err)
	}
	return id.ToInt(), nil
}

// PersonalSign asks the provider to sign data with EIP-191 on behalf of account.
func PersonalSign(ctx context.Context, p Provider, data []byte, account common.Address) ([]byte, error) {
	raw, err := p.Request(ctx, RequestArguments{
		Method: "personal_sign",
		Params: []any{hexutil.Bytes(data), account},
	})
	if err != nil {
		return nil, err
	}
	var sig hexutil.Bytes
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, fmt.Errorf("decode personal_sign: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("personal_sign returned %d bytes, want 65", len(sig))
	}
	// some wallets return v as 0/1
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
