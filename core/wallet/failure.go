package wallet

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/AvaProtocol/ap-wallet/core/chainio/aa"
	"github.com/AvaProtocol/ap-wallet/core/journal"
	"github.com/AvaProtocol/ap-wallet/core/swap"
	"github.com/AvaProtocol/ap-wallet/core/tokens"
	"github.com/AvaProtocol/ap-wallet/pkg/eip1193"
	"github.com/AvaProtocol/ap-wallet/pkg/erc4337/bundler"
)

// Reason is the category of a failed wallet operation.
type Reason string

const (
	ReasonNetwork             Reason = "network"
	ReasonRejectedByBundler   Reason = "rejected_by_bundler"
	ReasonRejectedByPaymaster Reason = "rejected_by_paymaster"
	ReasonUserCancelled       Reason = "user_cancelled"
	ReasonInvalidInput        Reason = "invalid_input"
	ReasonTimeout             Reason = "timeout"
	ReasonReverted            Reason = "reverted"
	ReasonInternal            Reason = "internal"
)

// ErrInvalidInput is wrapped by argument errors raised in this package.
var ErrInvalidInput = errors.New("invalid input")

// ErrReverted is the cause of a failure whose user operation was mined but
// its calls reverted.
var ErrReverted = errors.New("user operation reverted")

// Failure is the only error type returned by Wallet methods.
type Failure struct {
	Reason Reason
	Op     string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ReasonOf returns the failure reason carried by err, or internal for foreign errors.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ReasonInternal
}

func fail(op string, reason Reason, err error) *Failure {
	return &Failure{Reason: reason, Op: op, Err: err}
}

func invalid(op, format string, args ...any) *Failure {
	return fail(op, ReasonInvalidInput, fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...)))
}

var invalidInputErrors = []error{
	ErrInvalidInput,
	ErrGuardRejected,
	tokens.ErrInvalidAmount,
	aa.ErrNoCalls,
	aa.ErrZeroRecipient,
	aa.ErrBatchValue,
	aa.ErrSponsorshipUnavailable,
	aa.ErrContractCall,
	swap.ErrQuoteRejected,
	swap.ErrUnknownAsset,
	bundler.ErrEmptyHash,
	journal.ErrNotFound,
}

// classify maps any collaborator error onto a Failure. Order matters: a user
// cancelling the signature prompt is reported as such even when the provider
// also wraps a transport error.
func classify(op string, err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, eip1193.ErrUserRejected), errors.Is(err, context.Canceled):
		return fail(op, ReasonUserCancelled, err)
	case errors.Is(err, bundler.ErrPaymasterRejected):
		return fail(op, ReasonRejectedByPaymaster, err)
	case errors.Is(err, bundler.ErrRejected):
		return fail(op, ReasonRejectedByBundler, err)
	case errors.Is(err, bundler.ErrReceiptTimeout), errors.Is(err, context.DeadlineExceeded):
		return fail(op, ReasonTimeout, err)
	case errors.Is(err, bundler.ErrNetwork), errors.Is(err, eip1193.ErrDisconnected):
		return fail(op, ReasonNetwork, err)
	case errors.Is(err, ErrReverted):
		return fail(op, ReasonReverted, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fail(op, ReasonNetwork, err)
	}
	for _, target := range invalidInputErrors {
		if errors.Is(err, target) {
			return fail(op, ReasonInvalidInput, err)
		}
	}
	return fail(op, ReasonInternal, err)
}
