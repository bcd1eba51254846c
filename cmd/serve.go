package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/backup"
	"github.com/AvaProtocol/ap-wallet/core/journal"
	"github.com/AvaProtocol/ap-wallet/gateway"
)

var (
	serveBackupDir      string
	serveBackupInterval time.Duration

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Serve the wallet over HTTP and keep the journal in sync with the bundler.

Use --config=path-to-your-config-file. default is=./config/wallet.yaml `,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(0)
			defer cancel()
			return runServe(ctx)
		},
	}
)

func runServe(ctx context.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	log := s.cfg.Logger

	reconciler, err := journal.NewReconciler(s.journal, s.wallet.ReceiptSource(), s.cfg.Journal.ReconcileInterval, log, s.metrics)
	if err != nil {
		return err
	}
	reconciler.OnResolved = s.wallet.ReportResolved
	if err := reconciler.Start(); err != nil {
		return err
	}
	defer reconciler.Stop()

	if serveBackupDir != "" {
		svc := backup.NewService(log, s.db, serveBackupDir)
		svc.Keep = 24
		if err := svc.StartPeriodicBackup(serveBackupInterval); err != nil {
			return err
		}
		defer svc.StopPeriodicBackup()
	}

	log.Info("serving wallet", "account", s.wallet.Address().Hex(), "chain_id", s.cfg.ChainID.String())
	srv := gateway.New(s.cfg.Gateway, s.cfg.ChainID.String(), s.wallet, s.registry, log)
	return srv.Start(ctx)
}

func init() {
	serveCmd.Flags().StringVar(&serveBackupDir, "backup-dir", "", "Snapshot the journal into this directory")
	serveCmd.Flags().DurationVar(&serveBackupInterval, "backup-interval", time.Hour, "Time between journal snapshots")
	rootCmd.AddCommand(serveCmd)
}
