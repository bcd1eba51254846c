package eip1193

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-wallet/core/chainio/signer"
)

// LocalProvider answers account and signing requests with an in-process key and
// forwards everything else to an upstream provider when one is set.
type LocalProvider struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	upstream Provider
}

func NewLocalProvider(key *ecdsa.PrivateKey, chainID *big.Int, upstream Provider) *LocalProvider {
	return &LocalProvider{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).Set(chainID),
		upstream: upstream,
	}
}

func (p *LocalProvider) Address() common.Address {
	return p.address
}

func (p *LocalProvider) Request(ctx context.Context, args RequestArguments) (json.RawMessage, error) {
	switch args.Method {
	case "eth_accounts", "eth_requestAccounts":
		return json.Marshal([]common.Address{p.address})
	case "eth_chainId":
		return json.Marshal((*hexutil.Big)(p.chainID))
	case "personal_sign":
		return p.personalSign(args.Params)
	case "eth_sign", "eth_signTypedData_v4", "eth_sendTransaction":
		return nil, &ProviderError{Code: CodeUnsupportedMethod, Message: args.Method + " is not supported by the local provider"}
	}

	if p.upstream == nil {
		return nil, &ProviderError{Code: CodeUnsupportedMethod, Message: args.Method + " needs an upstream provider"}
	}
	return p.upstream.Request(ctx, args)
}

func (p *LocalProvider) personalSign(params []any) (json.RawMessage, error) {
	if len(params) < 2 {
		return nil, &ProviderError{Code: CodeInvalidParams, Message: "personal_sign expects [data, address]"}
	}
	data, err := toBytes(params[0])
	if err != nil {
		return nil, &ProviderError{Code: CodeInvalidParams, Message: err.Error()}
	}
	addr, err := toAddress(params[1])
	if err != nil {
		return nil, &ProviderError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if addr != p.address {
		return nil, &ProviderError{Code: CodeUnauthorized, Message: fmt.Sprintf("account %s is not managed by this provider", addr.Hex())}
	}

	sig, err := signer.SignMessage(p.key, data)
	if err != nil {
		return nil, &ProviderError{Code: CodeInternal, Message: err.Error()}
	}
	return json.Marshal(hexutil.Bytes(sig))
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case hexutil.Bytes:
		return x, nil
	case common.Hash:
		return x.Bytes(), nil
	case string:
		if strings.HasPrefix(x, "0x") {
			return hexutil.Decode(x)
		}
		return []byte(x), nil
	}
	return nil, fmt.Errorf("unsupported message type %T", v)
}

func toAddress(v any) (common.Address, error) {
	switch x := v.(type) {
	case common.Address:
		return x, nil
	case string:
		if !common.IsHexAddress(x) {
			return common.Address{}, fmt.Errorf("invalid address %q", x)
		}
		return common.HexToAddress(x), nil
	}
	return common.Address{}, fmt.Errorf("unsupported address type %T", v)
}
