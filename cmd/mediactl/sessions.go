package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/spf13/cobra"
)

var (
	startMimeTypes []string
	startIDs       []string
	startLimit     int
	startWatch     bool
	watchInterval  time.Duration
)

func init() {
	startCmd.Flags().StringSliceVar(&startMimeTypes, "mime", nil, "restrict candidates to these mime types")
	startCmd.Flags().StringSliceVar(&startIDs, "ids", nil, "process only these asset ids")
	startCmd.Flags().IntVar(&startLimit, "limit", 0, "maximum number of candidates")
	startCmd.Flags().BoolVar(&startWatch, "watch", false, "tick the session until it finishes")
	startCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "pause between ticks when watching")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "pause between ticks")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(cancelCmd)
}

var startCmd = &cobra.Command{
	Use:   "start <migration|optimization>",
	Short: "Start a session over the eligible assets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseSessionKind(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		c := newClient()
		handle, err := c.startSession(ctx, kind, models.Criteria{
			MimeTypes: startMimeTypes,
			AssetIDs:  startIDs,
			Limit:     startLimit,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s %s session %s over %d assets\n", green("started"), handle.Kind, bold(handle.ID), handle.Total)

		if !startWatch {
			return nil
		}
		return runWatch(ctx, c, handle.ID)
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick <session-id>",
	Short: "Process the next batch of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newClient().tick(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Tick a session until it completes or is cancelled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runWatch(ctx, newClient(), args[0])
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress <session-id>",
	Short: "Show session progress without doing any work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newClient().progress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printReport(report)
		if len(report.Errors) > 0 {
			fmt.Println(bold("errors:"))
			for _, e := range report.Errors {
				fmt.Println("  " + red(e))
			}
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("session %s %s\n", bold(args[0]), yellow("cancelled"))
		return nil
	},
}

func runWatch(ctx context.Context, c *apiClient, id string) error {
	report, err := watch(ctx, c, id, watchInterval, printReport)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		fmt.Printf("%d items failed, run 'mediactl progress %s' for details\n", report.Failed, id)
	}
	return nil
}

func printReport(r *models.ProgressReport) {
	status := string(r.Status)
	switch r.Status {
	case models.StatusCompleted:
		status = green(status)
	case models.StatusCancelled:
		status = yellow(status)
	}
	fmt.Printf("%s [%s] %s %s %6.2f%% (%d/%d) ok=%d failed=%s elapsed=%s\n",
		r.SessionID,
		r.Kind,
		status,
		progressBar(r.Percent, 20),
		r.Percent,
		r.Processed,
		r.Total,
		r.Successful,
		failedCount(r.Failed),
		r.Elapsed.Round(time.Second),
	)
}

func failedCount(n int) string {
	s := fmt.Sprint(n)
	if n > 0 {
		return red(s)
	}
	return s
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	filled = max(0, min(filled, width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
