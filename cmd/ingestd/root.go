package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Zereker/ingest/registry"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ingestd",
		Short:         "Framed observation ingestion daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newHashTokenCommand())

	return cmd
}

func newHashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the hash to list under token_hashes for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), registry.HashToken([]byte(args[0])))
			return err
		},
	}
}
