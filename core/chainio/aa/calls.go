package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
)

// ErrContractCall marks an eth_call the node answered but the target could not
// serve: no code at the address, a revert, or return data that does not decode.
var ErrContractCall = errors.New("contract call failed")

// revertCode is the JSON-RPC error code geth uses for execution reverted.
const revertCode = 3

// MaxUint256 is the unlimited allowance.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TransferCall moves amount of token to recipient.
func TransferCall(token, to common.Address, amount *big.Int) (Call, error) {
	data, err := ERC20ABI.Pack("transfer", to, amount)
	if err != nil {
		return Call{}, err
	}
	return Call{To: token, Data: data}, nil
}

// ApproveCall lets spender pull amount of token from the account.
func ApproveCall(token, spender common.Address, amount *big.Int) (Call, error) {
	data, err := ERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return Call{}, err
	}
	return Call{To: token, Data: data}, nil
}

// DepositCall deposits assets into an ERC-4626 vault, minting shares to receiver.
func DepositCall(vault common.Address, assets *big.Int, receiver common.Address) (Call, error) {
	data, err := ERC4626ABI.Pack("deposit", assets, receiver)
	if err != nil {
		return Call{}, err
	}
	return Call{To: vault, Data: data}, nil
}

// NativeTransferCall sends wei with empty calldata.
func NativeTransferCall(to common.Address, wei *big.Int) Call {
	return Call{To: to, Value: new(big.Int).Set(wei), Data: []byte{}}
}

func call(ctx context.Context, contract *bind.BoundContract, method string, args ...any) ([]any, error) {
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, callError(method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned no values", ErrContractCall, method)
	}
	return out, nil
}

// callError separates failures of the contract from failures of the transport.
// Only the latter are network errors.
func callError(method string, err error) error {
	if isContractError(err) {
		return fmt.Errorf("%w: %s: %w", ErrContractCall, method, err)
	}
	return fmt.Errorf("%w: %s: %w", bundler.ErrNetwork, method, err)
}

func isContractError(err error) bool {
	if errors.Is(err, bind.ErrNoCode) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") || strings.HasPrefix(msg, "abi: ")
}

// EntryPointNonce reads EntryPoint.getNonce(sender, key).
func EntryPointNonce(ctx context.Context, backend Backend, entryPoint, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = new(big.Int)
	}
	ep := bind.NewBoundContract(entryPoint, EntryPointABI, backend, nil, nil)
	out, err := call(ctx, ep, "getNonce", sender, key)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// TokenDecimals reads ERC20.decimals().
func TokenDecimals(ctx context.Context, backend Backend, token common.Address) (uint8, error) {
	c := bind.NewBoundContract(token, ERC20ABI, backend, nil, nil)
	out, err := call(ctx, c, "decimals")
	if err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}

// TokenBalance reads ERC20.balanceOf(owner).
func TokenBalance(ctx context.Context, backend Backend, token, owner common.Address) (*big.Int, error) {
	c := bind.NewBoundContract(token, ERC20ABI, backend, nil, nil)
	out, err := call(ctx, c, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// VaultAsset reads ERC4626.asset().
func VaultAsset(ctx context.Context, backend Backend, vault common.Address) (common.Address, error) {
	c := bind.NewBoundContract(vault, ERC4626ABI, backend, nil, nil)
	out, err := call(ctx, c, "asset")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// TokenSymbol reads ERC20.symbol().
func TokenSymbol(ctx context.Context, backend Backend, token common.Address) (string, error) {
	c := bind.NewBoundContract(token, ERC20ABI, backend, nil, nil)
	out, err := call(ctx, c, "symbol")
	if err != nil {
		return "", err
	}
	return out[0].(string), nil
}
