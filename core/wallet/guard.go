package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
)

// ErrGuardRejected is returned when the guard expression evaluates to false.
var ErrGuardRejected = errors.New("operation rejected by guard")

// guard is a boolean expression over an operation, e.g.
//
//	op != "send_token" || (amount <= 500 && to in ["0xabc..."])
//
// Addresses are lower-case hex strings, amount is in whole token units.
type guard struct {
	source  string
	program *vm.Program
}

type guardInput struct {
	op          string
	token       common.Address
	to          common.Address
	amount      string
	sponsorship SponsorshipMode
	account     common.Address
}

func (in guardInput) env() map[string]any {
	amount, _ := decimal.NewFromString(in.amount)
	return map[string]any{
		"op":          in.op,
		"token":       strings.ToLower(in.token.Hex()),
		"to":          strings.ToLower(in.to.Hex()),
		"amount":      amount.InexactFloat64(),
		"sponsorship": string(in.sponsorship),
		"account":     strings.ToLower(in.account.Hex()),
	}
}

func newGuard(source string) (*guard, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(guardInput{}.env()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: guard expression: %w", ErrInvalidInput, err)
	}
	return &guard{source: source, program: program}, nil
}

// allow is a no-op on a nil guard.
func (g *guard) allow(in guardInput) error {
	if g == nil {
		return nil
	}
	out, err := expr.Run(g.program, in.env())
	if err != nil {
		return fmt.Errorf("%w: guard expression: %w", ErrInvalidInput, err)
	}
	if ok, _ := out.(bool); !ok {
		return fmt.Errorf("%w: %s on %s", ErrGuardRejected, in.op, in.token.Hex())
	}
	return nil
}
