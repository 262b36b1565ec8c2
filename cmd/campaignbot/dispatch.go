package main

import (
	"fmt"

	"campaignbot/internal/dispatch"
	logx "campaignbot/pkg/logx"

	"github.com/spf13/cobra"
)

func newDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass; a running bot delivers the queued units",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "mailings",
		Short: "Claim due mailings and queue one unit per active recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, log, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			rep, err := dispatch.NewMailings(st, log.With(logx.String("comp", "mailings")), nil).Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "found=%d claimed=%d invalid=%d enqueued=%d\n",
				rep.Found, rep.Claimed, rep.Invalid, rep.Enqueued)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "scenarios",
		Short: "Enroll eligible recipients into active scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, log, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			rep, err := dispatch.NewScenarios(st, log.With(logx.String("comp", "scenarios")), nil).Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "scenarios=%d skipped=%d enrolled=%d\n",
				rep.Scenarios, rep.Skipped, rep.Enrolled)
			return err
		},
	})
	return cmd
}
