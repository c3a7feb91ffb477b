package main

import (
	"fmt"
	"io"
	"time"

	"staysync/internal/channelsync"
	"staysync/internal/models"

	"github.com/spf13/cobra"
)

func newSyncCmd(configPath *string) *cobra.Command {
	var unitID, channel string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one channel sync pass over every due feed, or force one feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (unitID == "") != (channel == "") {
				return fmt.Errorf("--unit and --channel must be given together")
			}

			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			a.recordEvents(cmd.Context())

			if unitID != "" {
				res, err := a.scheduler.ForceSync(cmd.Context(), unitID, models.Source(channel))
				if err != nil {
					return err
				}
				printPass(cmd.OutOrStdout(), res)
				return nil
			}

			results, err := a.scheduler.RunDue(cmd.Context())
			for _, res := range results {
				printPass(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no feeds due")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&unitID, "unit", "", "unit id to force-sync")
	cmd.Flags().StringVar(&channel, "channel", "", "channel name to force-sync")
	return cmd
}

func printPass(w io.Writer, res channelsync.PassResult) {
	if res.NotModified {
		fmt.Fprintf(w, "%s/%s: not modified, next %s\n", res.UnitID, res.Channel, res.NextSyncAt.Format(time.RFC3339))
		return
	}
	fmt.Fprintf(w, "%s/%s: created=%d updated=%d cancelled=%d failed=%d skipped=%d resolved=%d anomalies=%d, next %s\n",
		res.UnitID, res.Channel, res.Created, res.Updated, res.Cancelled, res.Failed, res.Skipped, res.Resolved,
		len(res.Anomalies), res.NextSyncAt.Format(time.RFC3339))
}
