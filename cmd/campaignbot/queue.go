package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"campaignbot/internal/config"
	"campaignbot/internal/model"

	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the delivery job queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count jobs by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.Stats(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending=%d due=%d running=%d done=%d failed=%d\n",
				s.Pending, s.Due, s.Running, s.Done, s.Failed)
			return nil
		},
	})

	var (
		state string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs in one state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.Jobs(cmd.Context(), model.JobState(state), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tRUN AT\tATTEMPTS\tLAST ERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", j.ID, j.Kind, j.RunAt.Format(time.RFC3339), j.Attempts, j.LastError)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&state, "state", string(model.JobFailed), "pending, running, done or failed")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.AddCommand(list)

	var olderThan string
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			raw := olderThan
			if raw == "" {
				raw = cfg.Dispatch.PurgeAfter
			}
			age, err := config.ParseDurationOrDefault("--older-than", raw, 7*24*time.Hour)
			if err != nil {
				return err
			}
			n, err := st.Purge(cmd.Context(), time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs\n", n)
			return nil
		},
	}
	purge.Flags().StringVar(&olderThan, "older-than", "", "age of finished jobs to delete (default dispatch.purge_after)")
	cmd.AddCommand(purge)
	return cmd
}
