package bundler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrRejected marks an operation refused by the bundler or the entry point simulation.
	ErrRejected = errors.New("rejected by bundler")
	// ErrPaymasterRejected marks an operation refused because of its paymaster.
	ErrPaymasterRejected = errors.New("rejected by paymaster")
	// ErrNetwork marks transport level failures talking to an RPC endpoint.
	ErrNetwork = errors.New("rpc endpoint unreachable")
	// ErrReceiptTimeout is returned when no receipt showed up before the deadline.
	ErrReceiptTimeout = errors.New("timed out waiting for user operation receipt")
	ErrEmptyHash      = errors.New("empty user operation hash")
)

// ERC-4337 bundler error codes.
const (
	CodeRejectedByEntryPoint  = -32500
	CodeRejectedByPaymaster   = -32501
	CodeBannedOpcode          = -32502
	CodeOutOfTimeRange        = -32503
	CodeThrottledOrBanned     = -32504
	CodeStakeTooLow           = -32505
	CodeUnsupportedAggregator = -32506
	CodeInvalidSignature      = -32507
)

var paymasterCode = regexp.MustCompile(`\bAA3\d\b`)

// RPCError is a JSON-RPC error returned by a bundler or paymaster endpoint.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    any

	kind error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
}

func (e *RPCError) Unwrap() error { return e.kind }

// IsNonceError reports whether the entry point refused the nonce (AA25).
func (e *RPCError) IsNonceError() bool {
	return strings.Contains(e.Message, "AA25")
}

// Wrap converts a raw rpc client error into one of the package error kinds.
// paymasterEndpoint forces JSON-RPC errors to be attributed to the paymaster.
func Wrap(method string, err error, paymasterEndpoint bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", method, err)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		out := &RPCError{Method: method, Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			out.Data = dataErr.ErrorData()
		}
		out.kind = classify(out.Code, out.Message, paymasterEndpoint)
		return out
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("%w: %s: http %d: %w", ErrNetwork, method, httpErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrNetwork, method, err)
}

func classify(code int, message string, paymasterEndpoint bool) error {
	if paymasterEndpoint || code == CodeRejectedByPaymaster {
		return ErrPaymasterRejected
	}
	// AA3x codes come from paymaster validation even when the bundler reports them.
	if paymasterCode.MatchString(message) {
		return ErrPaymasterRejected
	}
	if code == CodeThrottledOrBanned && strings.Contains(strings.ToLower(message), "paymaster") {
		return ErrPaymasterRejected
	}
	return ErrRejected
}
