package bundler

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Quantity accepts the hex strings ERC-4337 mandates as well as the plain
// numbers and decimal strings some bundlers answer with.
type Quantity big.Int

func (q *Quantity) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var v *big.Int
	switch x := raw.(type) {
	case string:
		if strings.HasPrefix(x, "0x") || strings.HasPrefix(x, "0X") {
			parsed, err := hexutil.DecodeBig(x)
			if err != nil {
				return fmt.Errorf("invalid quantity %q: %w", x, err)
			}
			v = parsed
		} else {
			parsed, ok := new(big.Int).SetString(x, 10)
			if !ok {
				return fmt.Errorf("invalid quantity %q", x)
			}
			v = parsed
		}
	case float64:
		v, _ = new(big.Float).SetFloat64(x).Int(nil)
	case nil:
		v = new(big.Int)
	default:
		return fmt.Errorf("invalid quantity %s", string(data))
	}
	*q = Quantity(*v)
	return nil
}

func (q *Quantity) Big() *big.Int {
	if q == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(q))
}

// GasEstimation is the eth_estimateUserOperationGas result. The paymaster
// limits are only returned for entry point v0.7.
type GasEstimation struct {
	PreVerificationGas            *big.Int
	VerificationGasLimit          *big.Int
	CallGasLimit                  *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

type gasEstimationJSON struct {
	PreVerificationGas            *Quantity `json:"preVerificationGas"`
	VerificationGasLimit          *Quantity `json:"verificationGasLimit"`
	VerificationGas               *Quantity `json:"verificationGas"`
	CallGasLimit                  *Quantity `json:"callGasLimit"`
	PaymasterVerificationGasLimit *Quantity `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *Quantity `json:"paymasterPostOpGasLimit"`
}

func (g *GasEstimation) UnmarshalJSON(data []byte) error {
	var raw gasEstimationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.PreVerificationGas = raw.PreVerificationGas.Big()
	g.CallGasLimit = raw.CallGasLimit.Big()
	g.VerificationGasLimit = raw.VerificationGasLimit.Big()
	// older v0.6 bundlers still name it verificationGas
	if g.VerificationGasLimit == nil {
		g.VerificationGasLimit = raw.VerificationGas.Big()
	}
	g.PaymasterVerificationGasLimit = raw.PaymasterVerificationGasLimit.Big()
	g.PaymasterPostOpGasLimit = raw.PaymasterPostOpGasLimit.Big()
	if g.PreVerificationGas == nil || g.CallGasLimit == nil || g.VerificationGasLimit == nil {
		return fmt.Errorf("incomplete gas estimation: %s", string(data))
	}
	return nil
}

// GasPrice is a fee suggestion for a user operation.
type GasPrice struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type gasPriceTier struct {
	MaxFeePerGas         *Quantity `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *Quantity `json:"maxPriorityFeePerGas"`
}

type gasPriceTiers struct {
	Slow     *gasPriceTier `json:"slow"`
	Standard *gasPriceTier `json:"standard"`
	Fast     *gasPriceTier `json:"fast"`
}
