package paymaster

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/userop"
)

// validity window skew tolerated between us and the chain clock
const clockSkew = 120 * time.Second

var (
	uint48Ty, _  = abi.NewType("uint48", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	addressTy, _ = abi.NewType("address", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)

	validityArgs = abi.Arguments{{Type: uint48Ty}, {Type: uint48Ty}}

	// 65 bytes the VerifyingPaymaster accepts during estimation
	dummyPaymasterSignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")
)

// VerifyingSigner sponsors operations through a self-hosted eth-infinitism
// VerifyingPaymaster (v0.6) whose verifyingSigner key we hold.
type VerifyingSigner struct {
	Paymaster common.Address
	Key       *ecdsa.PrivateKey
	Validity  time.Duration

	now func() time.Time
}

func NewVerifyingSigner(paymaster common.Address, key *ecdsa.PrivateKey, validity time.Duration) *VerifyingSigner {
	if validity == 0 {
		validity = 15 * time.Minute
	}
	return &VerifyingSigner{Paymaster: paymaster, Key: key, Validity: validity, now: time.Now}
}

func (s *VerifyingSigner) window() (validUntil, validAfter *big.Int) {
	now := s.now()
	return big.NewInt(now.Add(s.Validity).Unix()), big.NewInt(now.Add(-clockSkew).Unix())
}

func (s *VerifyingSigner) StubData(_ context.Context, _ *userop.UserOperation, req Request) (*Data, error) {
	if req.Version != userop.V06 {
		return nil, fmt.Errorf("verifying paymaster signer supports entry point v0.6 only, got %s", req.Version)
	}
	validUntil, validAfter := s.window()
	window, err := validityArgs.Pack(validUntil, validAfter)
	if err != nil {
		return nil, err
	}
	return &Data{Paymaster: s.Paymaster, PaymasterData: append(window, dummyPaymasterSignature...)}, nil
}

// Data signs getHash(userOp, validUntil, validAfter) with the EIP-191 prefix,
// which is what the paymaster recovers in validatePaymasterUserOp.
func (s *VerifyingSigner) Data(_ context.Context, op *userop.UserOperation, req Request) (*Data, error) {
	if req.Version != userop.V06 {
		return nil, fmt.Errorf("verifying paymaster signer supports entry point v0.6 only, got %s", req.Version)
	}
	validUntil, validAfter := s.window()

	hash, err := Hash(op, s.Paymaster, req.ChainID, validUntil, validAfter)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), s.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign paymaster hash: %w", err)
	}
	sig[64] += 27

	window, err := validityArgs.Pack(validUntil, validAfter)
	if err != nil {
		return nil, err
	}
	return &Data{Paymaster: s.Paymaster, PaymasterData: append(window, sig...), IsFinal: true}, nil
}

// Hash mirrors VerifyingPaymaster.getHash for entry point v0.6.
func Hash(op *userop.UserOperation, paymaster common.Address, chainID, validUntil, validAfter *big.Int) (common.Hash, error) {
	args := abi.Arguments{
		{Name: "sender", Type: addressTy},
		{Name: "nonce", Type: uint256Ty},
		{Name: "hashInitCode", Type: bytes32Ty},
		{Name: "hashCallData", Type: bytes32Ty},
		{Name: "callGasLimit", Type: uint256Ty},
		{Name: "verificationGasLimit", Type: uint256Ty},
		{Name: "preVerificationGas", Type: uint256Ty},
		{Name: "maxFeePerGas", Type: uint256Ty},
		{Name: "maxPriorityFeePerGas", Type: uint256Ty},
		{Name: "chainId", Type: uint256Ty},
		{Name: "paymaster", Type: addressTy},
		{Name: "validUntil", Type: uint48Ty},
		{Name: "validAfter", Type: uint48Ty},
	}
	packed, err := args.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		bigOrZero(op.CallGasLimit),
		bigOrZero(op.VerificationGasLimit),
		bigOrZero(op.PreVerificationGas),
		bigOrZero(op.MaxFeePerGas),
		bigOrZero(op.MaxPriorityFeePerGas),
		bigOrZero(chainID),
		paymaster,
		validUntil,
		validAfter,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack paymaster hash: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// DecodeValidity reads (validUntil, validAfter) back out of paymasterData.
func DecodeValidity(paymasterData []byte) (validUntil, validAfter uint64, err error) {
	if len(paymasterData) < 64 {
		return 0, 0, fmt.Errorf("paymasterData too short: %d bytes", len(paymasterData))
	}
	values, err := validityArgs.Unpack(paymasterData[:64])
	if err != nil {
		return 0, 0, err
	}
	return values[0].(*big.Int).Uint64(), values[1].(*big.Int).Uint64(), nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
