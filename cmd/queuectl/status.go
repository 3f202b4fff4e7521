package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/foxx-queues/pkg/core"
	"github.com/jdziat/foxx-queues/pkg/storage"
)

type databaseStatus struct {
	Database     string     `json:"database"`
	HasRecords   bool       `json:"has_records"`
	Pending      int        `json:"pending"`
	InProgress   int        `json:"in_progress"`
	Orphans      int64      `json:"orphans"`
	NextEligible *time.Time `json:"next_eligible,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func StatusCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending work per database",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(s.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := collectStatus(cmd.Context(), store)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func collectStatus(ctx context.Context, store *storage.GormStorage) ([]databaseStatus, error) {
	names, err := store.Databases(ctx)
	if err != nil {
		return nil, err
	}
	report := make([]databaseStatus, 0, len(names))
	for _, name := range names {
		st := databaseStatus{Database: name}
		if err := fillStatus(ctx, store, &st); err != nil {
			st.Error = err.Error()
		}
		report = append(report, st)
	}
	return report, nil
}

func fillStatus(ctx context.Context, store *storage.GormStorage, st *databaseStatus) error {
	var err error
	if st.HasRecords, err = store.HasRecords(ctx, st.Database); err != nil {
		return err
	}
	pending, err := store.GetJobsByStatus(ctx, st.Database, core.StatusPending)
	if err != nil {
		return err
	}
	running, err := store.GetJobsByStatus(ctx, st.Database, core.StatusProgress)
	if err != nil {
		return err
	}
	st.Pending, st.InProgress = len(pending), len(running)
	if st.Orphans, err = store.CountOrphans(ctx, st.Database); err != nil {
		return err
	}
	at, ok, err := store.NextEligible(ctx, st.Database)
	if err != nil {
		return err
	}
	if ok {
		st.NextEligible = &at
	}
	return nil
}
