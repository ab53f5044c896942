package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "reservation-bot",
		Short: "Telegram notifications, chat pairing and backups for the reservation service",
		Long: `reservation-bot keeps the Telegram connection for the reservation service,
links chats with one-time codes, stores bot secrets encrypted and creates,
delivers and restores backups of the datastore and uploads.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(backupCmd(&configPath))
	return rootCmd
}
