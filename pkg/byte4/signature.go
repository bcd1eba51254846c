package byte4

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GetMethodFromCalldata returns the ABI method for a given 4-byte selector or full calldata
func GetMethodFromCalldata(parsedABI abi.ABI, selector []byte) (*abi.Method, error) {
	if len(selector) < 4 {
		return nil, fmt.Errorf("invalid selector length: %d", len(selector))
	}

	methodID := selector[:4]
	for _, method := range parsedABI.Methods {
		if bytes.Equal(method.ID, methodID) {
			m := method
			return &m, nil
		}
	}

	return nil, fmt.Errorf("no matching method found for selector: 0x%x", methodID)
}

// Describe names the method called by calldata using the first ABI that knows
// the selector. Unknown selectors are rendered as hex, empty calldata as "transfer(native)".
func Describe(calldata []byte, abis ...abi.ABI) string {
	if len(calldata) == 0 {
		return "transfer(native)"
	}
	if len(calldata) < 4 {
		return hexutil.Encode(calldata)
	}
	for _, a := range abis {
		if m, err := GetMethodFromCalldata(a, calldata); err == nil {
			return m.RawName
		}
	}
	return hexutil.Encode(calldata[:4])
}
