package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"reservation-bot/internal/crypt"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key for security.encryption_key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := crypt.GenerateKey()
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, key)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s keep this key safe, stored secrets cannot be read without it\n",
				color.New(color.FgYellow).Sprint("!"))
			return nil
		},
	}
}
