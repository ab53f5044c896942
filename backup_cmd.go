package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"reservation-bot/internal/backup"
	"reservation-bot/internal/logging"
)

func backupCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create or restore backups while the server is stopped",
	}
	cmd.AddCommand(backupCreateCmd(configPath))
	cmd.AddCommand(backupRestoreCmd(configPath))
	return cmd
}

func backupCreateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Write a backup archive to storage.backup_dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, err := initStorage(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			a := &backup.Archiver{
				Source:     st,
				UploadsDir: cfg.Storage.UploadsDir,
				BackupDir:  cfg.Storage.BackupDir,
				Log:        logging.Component("backup"),
			}
			path, err := a.Create(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgGreen).Sprint("CREATED"), path)
			return nil
		},
	}
}

func backupRestoreCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <archive>",
		Short: "Replace the datastore with the one inside an archive",
		Long: `Replace the datastore with the database.db entry of a backup archive.
The archive is validated before live data is touched and is kept afterwards.
Uploads are not restored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return restoreArchive(cmd.Context(), cmd, cfg.Database.Path, args[0])
		},
	}
}

func restoreArchive(ctx context.Context, cmd *cobra.Command, dbPath, archive string) error {
	st, err := initStorageAt(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	r := &backup.Restorer{Store: st, Log: logging.Component("restore")}
	if err := r.Restore(ctx, archive); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", color.New(color.FgRed).Sprint("FAILED"), err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgGreen).Sprint("RESTORED"), dbPath)
	return nil
}
