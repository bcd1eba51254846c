// Package userop models ERC-4337 user operations for entry point v0.6 and v0.7.
package userop

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type EntryPointVersion string

const (
	V06 EntryPointVersion = "0.6"
	V07 EntryPointVersion = "0.7"
)

var (
	EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
)

var ErrFieldOverflow = errors.New("user operation field overflow")

// DefaultEntryPoint returns the canonical entry point deployment for a version.
func DefaultEntryPoint(v EntryPointVersion) (common.Address, error) {
	switch v {
	case V06:
		return EntryPointV06, nil
	case V07:
		return EntryPointV07, nil
	}
	return common.Address{}, fmt.Errorf("unsupported entry point version %q", v)
}

// UserOperation keeps factory and paymaster data split, the way the v0.7 RPC
// format carries them. v0.6 encoding concatenates them back.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	Factory              *common.Address
	FactoryData          []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	Signature []byte
}

// InitCode is factory || factoryData, empty when the account is deployed.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return []byte{}
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

// SetInitCode splits a v0.6 style initCode into factory and factory data.
func (op *UserOperation) SetInitCode(initCode []byte) error {
	if len(initCode) == 0 {
		op.Factory, op.FactoryData = nil, nil
		return nil
	}
	if len(initCode) < common.AddressLength {
		return fmt.Errorf("initCode too short: %d bytes", len(initCode))
	}
	factory := common.BytesToAddress(initCode[:common.AddressLength])
	op.Factory = &factory
	op.FactoryData = common.CopyBytes(initCode[common.AddressLength:])
	return nil
}

// PaymasterAndData encodes the paymaster fields for the given entry point version.
func (op *UserOperation) PaymasterAndData(v EntryPointVersion) []byte {
	if op.Paymaster == nil {
		return []byte{}
	}
	out := op.Paymaster.Bytes()
	if v == V07 {
		out = append(out, packUint128Pair(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit).Bytes()...)
	}
	return append(out, op.PaymasterData...)
}

// SetPaymasterAndData splits a v0.6 paymasterAndData blob.
func (op *UserOperation) SetPaymasterAndData(data []byte) error {
	if len(data) == 0 {
		op.Paymaster, op.PaymasterData = nil, nil
		return nil
	}
	if len(data) < common.AddressLength {
		return fmt.Errorf("paymasterAndData too short: %d bytes", len(data))
	}
	pm := common.BytesToAddress(data[:common.AddressLength])
	op.Paymaster = &pm
	op.PaymasterData = common.CopyBytes(data[common.AddressLength:])
	return nil
}

// Copy returns a deep copy so estimation and signing never mutate a caller's op.
func (op *UserOperation) Copy() *UserOperation {
	cp := *op
	cp.Nonce = copyBig(op.Nonce)
	cp.CallGasLimit = copyBig(op.CallGasLimit)
	cp.VerificationGasLimit = copyBig(op.VerificationGasLimit)
	cp.PreVerificationGas = copyBig(op.PreVerificationGas)
	cp.MaxFeePerGas = copyBig(op.MaxFeePerGas)
	cp.MaxPriorityFeePerGas = copyBig(op.MaxPriorityFeePerGas)
	cp.PaymasterVerificationGasLimit = copyBig(op.PaymasterVerificationGasLimit)
	cp.PaymasterPostOpGasLimit = copyBig(op.PaymasterPostOpGasLimit)
	cp.FactoryData = common.CopyBytes(op.FactoryData)
	cp.CallData = common.CopyBytes(op.CallData)
	cp.PaymasterData = common.CopyBytes(op.PaymasterData)
	cp.Signature = common.CopyBytes(op.Signature)
	if op.Factory != nil {
		f := *op.Factory
		cp.Factory = &f
	}
	if op.Paymaster != nil {
		p := *op.Paymaster
		cp.Paymaster = &p
	}
	return &cp
}

var (
	addressTy, _ = abi.NewType("address", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)
)

// Hash computes the userOpHash the entry point exposes through getUserOpHash.
// The signature is not part of the hash.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int, v EntryPointVersion) (common.Hash, error) {
	var (
		packed []byte
		err    error
	)
	switch v {
	case V06:
		packed, err = op.packV06()
	case V07:
		packed, err = op.packV07()
	default:
		return common.Hash{}, fmt.Errorf("unsupported entry point version %q", v)
	}
	if err != nil {
		return common.Hash{}, err
	}

	outer := abi.Arguments{{Type: bytes32Ty}, {Type: addressTy}, {Type: uint256Ty}}
	enc, err := outer.Pack(crypto.Keccak256Hash(packed), entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack userop hash: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

func (op *UserOperation) packV06() ([]byte, error) {
	args := abi.Arguments{
		{Type: addressTy}, // sender
		{Type: uint256Ty}, // nonce
		{Type: bytes32Ty}, // initCode hash
		{Type: bytes32Ty}, // callData hash
		{Type: uint256Ty}, // callGasLimit
		{Type: uint256Ty}, // verificationGasLimit
		{Type: uint256Ty}, // preVerificationGas
		{Type: uint256Ty}, // maxFeePerGas
		{Type: uint256Ty}, // maxPriorityFeePerGas
		{Type: bytes32Ty}, // paymasterAndData hash
	}
	return args.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData(V06)),
	)
}

func (op *UserOperation) packV07() ([]byte, error) {
	if err := op.checkPackedFields(); err != nil {
		return nil, err
	}
	args := abi.Arguments{
		{Type: addressTy}, // sender
		{Type: uint256Ty}, // nonce
		{Type: bytes32Ty}, // initCode hash
		{Type: bytes32Ty}, // callData hash
		{Type: bytes32Ty}, // accountGasLimits
		{Type: uint256Ty}, // preVerificationGas
		{Type: bytes32Ty}, // gasFees
		{Type: bytes32Ty}, // paymasterAndData hash
	}
	return args.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		op.AccountGasLimits(),
		orZero(op.PreVerificationGas),
		op.GasFees(),
		crypto.Keccak256Hash(op.PaymasterAndData(V07)),
	)
}

// AccountGasLimits packs verificationGasLimit (high 16 bytes) and callGasLimit (low 16 bytes).
func (op *UserOperation) AccountGasLimits() common.Hash {
	return packUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
}

// GasFees packs maxPriorityFeePerGas (high 16 bytes) and maxFeePerGas (low 16 bytes).
func (op *UserOperation) GasFees() common.Hash {
	return packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
}

// checkPackedFields rejects values that do not fit the 16 byte halves of the v0.7 packed words.
func (op *UserOperation) checkPackedFields() error {
	fields := []struct {
		name string
		v    *big.Int
	}{
		{"verificationGasLimit", op.VerificationGasLimit},
		{"callGasLimit", op.CallGasLimit},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"paymasterVerificationGasLimit", op.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", op.PaymasterPostOpGasLimit},
	}
	for _, f := range fields {
		if f.v != nil && (f.v.Sign() < 0 || f.v.BitLen() > 128) {
			return fmt.Errorf("%w: %s %s does not fit in uint128", ErrFieldOverflow, f.name, f.v)
		}
	}
	return nil
}

func packUint128Pair(hi, lo *big.Int) common.Hash {
	var out common.Hash
	copy(out[:16], common.LeftPadBytes(orZero(hi).Bytes(), 16))
	copy(out[16:], common.LeftPadBytes(orZero(lo).Bytes(), 16))
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
