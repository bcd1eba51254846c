package cmd

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fatih/color"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

var (
	receiptTimeout time.Duration

	accountCmd = &cobra.Command{
		Use:   "account",
		Short: "Show the smart account bound to the owner key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(time.Minute)
			defer cancel()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			w := s.wallet
			if jsonOutput {
				printJSON(map[string]any{
					"address":            w.Address(),
					"owner":              w.Owner(),
					"chainId":            s.cfg.ChainID.String(),
					"entryPoint":         s.cfg.SmartWallet.EntryPoint,
					"entryPointVersion":  s.cfg.SmartWallet.Version,
					"sponsorships":       w.Sponsorships(),
					"defaultSponsorship": w.DefaultSponsorship(),
				})
				return nil
			}

			fmt.Printf("\n  Smart account:  %s\n", color.CyanString(w.Address().Hex()))
			fmt.Printf("  Owner:          %s\n", w.Owner().Hex())
			fmt.Printf("  Chain:          %s (%s)\n", s.cfg.Chain.Name, s.cfg.ChainID)
			fmt.Printf("  Entry point:    %s v%s\n", s.cfg.SmartWallet.EntryPoint.Hex(), s.cfg.SmartWallet.Version)
			fmt.Printf("  Sponsorship:    %v (default %s)\n", w.Sponsorships(), color.YellowString(string(w.DefaultSponsorship())))
			if link := s.cfg.Chain.AddressURL(w.Address()); link != "" {
				fmt.Printf("  Explorer:       %s\n", link)
			}
			fmt.Println()
			return nil
		},
	}

	tokensCmd = &cobra.Command{
		Use:   "tokens",
		Short: "List balances of the configured tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(time.Minute)
			defer cancel()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			balances, err := s.wallet.Balances(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(balances)
				return nil
			}
			if len(balances) == 0 {
				color.Yellow("\nNo tokens configured. Add tokens.stablecoin or tokens.decimals to the config.\n")
				return nil
			}

			fmt.Println()
			for _, b := range balances {
				fmt.Printf("  %-8s %24s  %s\n", color.YellowString(b.Symbol), b.Formatted, b.Address.Hex())
			}
			fmt.Println()
			return nil
		},
	}

	receiptCmd = &cobra.Command{
		Use:   "receipt <userop-hash>",
		Short: "Wait for a user operation receipt",
		Long: `Poll the bundler until the user operation is mined and record the outcome
in the journal. Use this to follow an operation whose command was interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hexutil.Decode(args[0])
			if err != nil || len(raw) != common.HashLength {
				return fmt.Errorf("%q is not a user operation hash", args[0])
			}
			hash := common.BytesToHash(raw)

			ctx, cancel := commandContext(receiptTimeout)
			defer cancel()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			receipt, err := s.wallet.WaitForReceipt(ctx, hash)
			if err != nil {
				return err
			}
			if jsonOutput || verbose {
				if jsonOutput {
					printJSON(receipt)
				} else {
					pp.Println(receipt)
				}
				return nil
			}

			tx := receipt.TxHash()
			fmt.Printf("\n  Transaction:   %s\n", tx.Hex())
			if link := s.cfg.Chain.TxURL(tx); link != "" {
				fmt.Printf("  Explorer:      %s\n", link)
			}
			if receipt.Success {
				printSuccess("user operation succeeded")
			} else {
				color.Red("\n✗ user operation reverted: %s", receipt.Reason)
			}
			return nil
		},
	}
)

func init() {
	receiptCmd.Flags().DurationVar(&receiptTimeout, "timeout", 3*time.Minute, "Give up after this long")
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(receiptCmd)
}
