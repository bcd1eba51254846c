package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RPCv06 is the eth_sendUserOperation payload for entry point v0.6.
type RPCv06 struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// RPCv07 is the unpacked v0.7 payload. Factory and paymaster fields are omitted
// when absent since bundlers reject a factory of 0x.
type RPCv07 struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// Encode returns the JSON-RPC representation for the given entry point version.
func (op *UserOperation) Encode(v EntryPointVersion) any {
	if v == V07 {
		out := RPCv07{
			Sender:               op.Sender,
			Nonce:                hexBig(op.Nonce),
			CallData:             nonNil(op.CallData),
			CallGasLimit:         hexBig(op.CallGasLimit),
			VerificationGasLimit: hexBig(op.VerificationGasLimit),
			PreVerificationGas:   hexBig(op.PreVerificationGas),
			MaxFeePerGas:         hexBig(op.MaxFeePerGas),
			MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
			Signature:            nonNil(op.Signature),
		}
		if op.Factory != nil {
			out.Factory = op.Factory
			out.FactoryData = nonNil(op.FactoryData)
		}
		if op.Paymaster != nil {
			out.Paymaster = op.Paymaster
			out.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
			out.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
			out.PaymasterData = nonNil(op.PaymasterData)
		}
		return out
	}

	return RPCv06{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		InitCode:             op.InitCode(),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData(V06),
		Signature:            nonNil(op.Signature),
	}
}

// Decode parses a user operation in either wire format. The v0.7 shape is
// recognised by the absence of initCode.
func Decode(raw json.RawMessage) (*UserOperation, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode user operation: %w", err)
	}

	if _, ok := keys["initCode"]; ok {
		var w RPCv06
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("decode v0.6 user operation: %w", err)
		}
		op := &UserOperation{
			Sender:               w.Sender,
			Nonce:                w.Nonce.ToInt(),
			CallData:             w.CallData,
			CallGasLimit:         w.CallGasLimit.ToInt(),
			VerificationGasLimit: w.VerificationGasLimit.ToInt(),
			PreVerificationGas:   w.PreVerificationGas.ToInt(),
			MaxFeePerGas:         w.MaxFeePerGas.ToInt(),
			MaxPriorityFeePerGas: w.MaxPriorityFeePerGas.ToInt(),
			Signature:            w.Signature,
		}
		if err := op.SetInitCode(w.InitCode); err != nil {
			return nil, err
		}
		if err := op.SetPaymasterAndData(w.PaymasterAndData); err != nil {
			return nil, err
		}
		return op, nil
	}

	var w RPCv07
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode v0.7 user operation: %w", err)
	}
	return &UserOperation{
		Sender:                        w.Sender,
		Nonce:                         w.Nonce.ToInt(),
		Factory:                       w.Factory,
		FactoryData:                   w.FactoryData,
		CallData:                      w.CallData,
		CallGasLimit:                  w.CallGasLimit.ToInt(),
		VerificationGasLimit:          w.VerificationGasLimit.ToInt(),
		PreVerificationGas:            w.PreVerificationGas.ToInt(),
		MaxFeePerGas:                  w.MaxFeePerGas.ToInt(),
		MaxPriorityFeePerGas:          w.MaxPriorityFeePerGas.ToInt(),
		Paymaster:                     w.Paymaster,
		PaymasterVerificationGasLimit: w.PaymasterVerificationGasLimit.ToInt(),
		PaymasterPostOpGasLimit:       w.PaymasterPostOpGasLimit.ToInt(),
		PaymasterData:                 w.PaymasterData,
		Signature:                     w.Signature,
	}, nil
}

func hexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(orZero(v))
}

func nonNil(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}
