package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/backup"
	"github.com/AvaProtocol/ap-wallet/core/config"
)

var (
	backupDir   string
	restoreFile string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the operation journal",
		Long: `Write a full snapshot of the journal into a timestamped directory.

Backups are stored in the format: /backup_dir/yy-mm-dd-hh-mm-ss/journal.backup
The journal must not be open by a running "serve"; use serve --backup-dir there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := backupService(backupDir)
			if err != nil {
				return err
			}
			defer closeDB()

			file, err := svc.PerformBackup(context.Background())
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("backup written to %s", file))
			return nil
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore the operation journal from a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeDB, err := backupService("")
			if err != nil {
				return err
			}
			defer closeDB()

			if err := svc.Restore(context.Background(), restoreFile); err != nil {
				return err
			}
			printSuccess("restore completed")
			return nil
		},
	}
)

func backupService(dir string) (*backup.Service, func(), error) {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	_, db, err := openJournal(cfg)
	if err != nil {
		return nil, nil, err
	}
	return backup.NewService(cfg.Logger, db, dir), func() { _ = db.Close() }, nil
}

func init() {
	backupCmd.Flags().StringVar(&backupDir, "dir", "./backup", "Directory to store backups")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "Backup file to restore from (required)")
	_ = restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
