package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdziat/foxx-queues/pkg/cluster/pgcluster"
	"github.com/jdziat/foxx-queues/pkg/config"
)

func RecomputeCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Ask the cluster leader to drop every delay marker",
		Long: "Sets the shared recompute flag. The leader clears it on its next\n" +
			"tick and rescans every database. Requires " + config.EnvClusterURL + ".",
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.cfg.ClusterURL == "" {
				return errors.New("recompute needs a cluster: set " + config.EnvClusterURL)
			}
			cl, err := pgcluster.Connect(cmd.Context(), s.cfg.ClusterURL, pgcluster.WithLogger(s.logger))
			if err != nil {
				return err
			}
			defer cl.Close()
			if err := cl.RequestRecompute(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "recompute requested")
			return nil
		},
	}
}
