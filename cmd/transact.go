package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/wallet"
)

var (
	sponsorship string
	opTimeout   time.Duration

	swapCmd = &cobra.Command{
		Use:   "swap <amount> <from-token> <to-token>",
		Short: "Swap tokens from the smart account",
		Long: `Swap an amount of one token for another through the configured swap
provider. Amounts are in whole token units, e.g. "10" or "0.5". Use "native"
for the chain's gas token.

Examples:
  ap-wallet swap 10 0xaf88d065e77c8cC2239327C5EDb3A432268e5831 native
  ap-wallet swap 0.5 native 0xaf88d065e77c8cC2239327C5EDb3A432268e5831 --sponsorship sponsored`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseToken(args[1])
			if err != nil {
				return err
			}
			to, err := parseToken(args[2])
			if err != nil {
				return err
			}
			return transact("Swapping...", func(ctx context.Context, s *session) (*wallet.Result, error) {
				return s.wallet.Swap(ctx, wallet.SwapIntent{
					From:        from,
					To:          to,
					Amount:      args[0],
					Sponsorship: wallet.SponsorshipMode(sponsorship),
				})
			})
		},
	}

	sendCmd = &cobra.Command{
		Use:   "send <amount> <recipient>",
		Short: "Send the configured stablecoin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parseAddress("recipient", args[1])
			if err != nil {
				return err
			}
			return transact("Sending...", func(ctx context.Context, s *session) (*wallet.Result, error) {
				return s.wallet.SendToken(ctx, args[0], to)
			})
		},
	}

	investCmd = &cobra.Command{
		Use:   "invest <amount> <vault>",
		Short: "Deposit into an ERC-4626 vault",
		Long: `Approve the vault for its underlying asset and deposit, both in one user
operation so neither happens without the other.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := parseAddress("vault", args[1])
			if err != nil {
				return err
			}
			return transact("Investing...", func(ctx context.Context, s *session) (*wallet.Result, error) {
				return s.wallet.Invest(ctx, vault, args[0])
			})
		},
	}
)

// transact opens a session bound to --timeout and runs op through submit.
func transact(label string, op func(ctx context.Context, s *session) (*wallet.Result, error)) error {
	ctx, cancel := commandContext(opTimeout)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	err = submit(s, label, func() (*wallet.Result, error) { return op(ctx, s) })
	if err == nil && !jsonOutput {
		printSuccess(fmt.Sprintf("confirmed from %s", s.wallet.Address().Hex()))
	}
	return err
}

func init() {
	swapCmd.Flags().StringVarP(&sponsorship, "sponsorship", "s", "", "Gas sponsorship: none, sponsored or erc20 (default from config)")
	for _, c := range []*cobra.Command{swapCmd, sendCmd, investCmd} {
		c.Flags().DurationVar(&opTimeout, "timeout", 3*time.Minute, "Give up waiting for the receipt after this long")
		rootCmd.AddCommand(c)
	}
}
