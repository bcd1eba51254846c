package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/wallet"
	"github.com/AvaProtocol/ap-wallet/version"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "ap-wallet",
		Short: "Smart account wallet over ERC-4337",
		Long: `ap-wallet sends swaps, transfers and vault deposits from an ERC-4337 smart
account owned by your key. Gas can be paid by the account, a sponsoring
paymaster or an ERC-20 paymaster.

Examples:
  ap-wallet account
  ap-wallet send 10 0xRecipient
  ap-wallet swap 10 0xUSDC 0xARB --sponsorship sponsored
  ap-wallet invest 100 0xVault
  ap-wallet serve`,
		Version:       version.Get(),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

// Execute runs the root command and prints a failure the way operators read it.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError(err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config/wallet.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
}

func printError(err error) {
	var f *wallet.Failure
	if errors.As(err, &f) {
		color.Red("\n✗ %s failed: %s", f.Op, f.Reason)
		fmt.Fprintf(os.Stderr, "  %v\n\n", f.Err)
		return
	}
	color.Red("\nError: %v\n", err)
}

func printSuccess(message string) {
	color.Green("\n✓ %s", message)
}
