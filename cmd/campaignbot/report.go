package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"campaignbot/internal/model"

	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	var entries bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print delivery results of a campaign",
	}
	cmd.PersistentFlags().BoolVar(&entries, "entries", false, "also list every delivery log entry")

	for _, kind := range []model.CampaignKind{model.CampaignMailing, model.CampaignScenario} {
		cmd.AddCommand(&cobra.Command{
			Use:   string(kind) + " <id>",
			Short: "Report a " + string(kind),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid id %q", args[0])
				}
				st, _, _, err := openStore(cmd.Context())
				if err != nil {
					return err
				}
				defer st.Close()

				sum, err := st.Summary(cmd.Context(), kind, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %d: success=%d failed=%d deactivated=%d\n", kind, id,
					sum.Success, sum.Failed, sum.Deactivated)
				if !entries {
					return nil
				}

				log, err := st.DeliveryLog(cmd.Context(), kind, id)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AT\tUNIT\tRECIPIENT\tSTATUS\tERROR")
				for _, e := range log {
					status := string(e.Status)
					if e.Deactivated {
						status += " (deactivated)"
					}
					fmt.Fprintf(tw, "%s\t%s/%d\t%d\t%s\t%s\n",
						e.At.Format(time.RFC3339), e.UnitKind, e.UnitID, e.RecipientID, status, e.Error)
				}
				return tw.Flush()
			},
		})
	}
	return cmd
}
