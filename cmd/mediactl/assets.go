package main

import (
	"fmt"
	"sort"

	"github.com/Yulian302/lfusys-services-media/eligibility"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/spf13/cobra"
)

var enqueuePriority string

func init() {
	enqueueCmd.Flags().StringVar(&enqueuePriority, "priority", "normal", "high, normal or low")

	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(queueStatsCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(statsCmd)
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <asset-id>",
	Short: "Queue an asset for background optimization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().enqueue(cmd.Context(), args[0], enqueuePriority)
		if err != nil {
			return err
		}
		if !res.Queued {
			fmt.Printf("%s not queued: %s\n", args[0], yellow(string(res.Reason)))
			return nil
		}
		fmt.Printf("%s queued as %s\n", args[0], bold(res.Entry.ID))
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "queue-stats",
	Short: "Show optimization queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().queueStats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("pending=%d processing=%d completed=%d failed=%d skipped=%d\n",
			st.Pending, st.Processing, st.Completed, st.Failed, st.Skipped)
		return nil
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <asset-id>",
	Short: "Explain why an asset is or is not eligible",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().diagnose(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("asset %s\n", bold(d.AssetID))
		fmt.Printf("  migration:    %s\n", decision(d.Migration))
		fmt.Printf("  optimization: %s\n", decision(d.Optimization))
		fmt.Printf("  queued:       %t\n", d.Queued)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <asset-id>",
	Short: "Bring a migrated asset back to local storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().restore(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", args[0], green("restored"))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show lifetime totals per session kind",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		totals, err := newClient().totals(cmd.Context())
		if err != nil {
			return err
		}

		kinds := make([]string, 0, len(totals))
		for k := range totals {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)

		fmt.Printf("%-14s %10s %10s %10s %14s\n", "KIND", "PROCESSED", "OK", "FAILED", "BYTES SAVED")
		for _, k := range kinds {
			t := totals[models.SessionKind(k)]
			fmt.Printf("%-14s %10d %10d %10d %14d\n", k, t.Processed, t.Successful, t.Failed, t.BytesSaved)
		}
		return nil
	},
}

func decision(d eligibility.Decision) string {
	if d.Eligible {
		return green("eligible")
	}
	return red("not eligible") + " (" + string(d.Reason) + ")"
}
