package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/journal"
)

var (
	historyLimit int

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recent user operations from the journal",
		Long: `List recent user operations, newest first. Reads the local journal only,
no RPC endpoint is contacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig(configPath)
			if err != nil {
				return err
			}
			j, db, err := openJournal(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := j.List(historyLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(entries)
				return nil
			}
			printEntries(cmd.OutOrStdout(), cfg, entries)
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display journal status",
		Long:  `Display how many user operations are still waiting for a receipt`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "📊 Wallet Status Report\n")
			fmt.Fprintf(out, "======================\n\n")
			fmt.Fprintf(out, "💾 Using journal path: %s\n\n", journalPath(cfg))

			j, db, err := openJournal(cfg)
			if err != nil {
				fmt.Fprintf(out, "❌ %v\n", err)
				fmt.Fprintf(out, "   💡 The journal is created by the first swap, send or invest\n")
				return err
			}
			defer db.Close()

			pending, err := j.Pending()
			if err != nil {
				return fmt.Errorf("failed to query pending operations: %w", err)
			}
			fmt.Fprintf(out, "   Pending user operations: %d\n\n", len(pending))
			if len(pending) > 0 {
				printEntries(out, cfg, pending)
				fmt.Fprintf(out, "💡 Run \"ap-wallet receipt <hash>\" or \"ap-wallet serve\" to resolve them\n")
			}
			return nil
		},
	}
)

func printEntries(out io.Writer, cfg *config.Config, entries []*journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No operations recorded")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(out, "  %s  %-10s %-9s %s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Kind,
			statusColor(e.Status),
			e.UserOpHash.Hex(),
		)
		if e.Reason != "" {
			fmt.Fprintf(out, "      reason: %s\n", e.Reason)
		}
		if e.TxHash != nil && verbose {
			tx := e.TxHash.Hex()
			if link := cfg.Chain.TxURL(*e.TxHash); link != "" {
				tx = link
			}
			fmt.Fprintf(out, "      tx: %s\n", tx)
		}
	}
	fmt.Fprintln(out)
}

func statusColor(s journal.Status) string {
	switch s {
	case journal.StatusSuccess:
		return color.GreenString(string(s))
	case journal.StatusPending:
		return color.YellowString(string(s))
	}
	return color.RedString(string(s))
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of operations to show")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statusCmd)
}
