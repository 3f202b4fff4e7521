package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func ConfigCmd(s *settings) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with credentials redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(s.cfg.Redacted(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	configCmd.AddCommand(showCmd)
	return configCmd
}
