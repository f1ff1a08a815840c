package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var (
	serverURL string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "mediactl",
	Short:        "Drive media migration and optimization sessions",
	SilenceUsage: true,
}

func init() {
	defaultURL := os.Getenv("MEDIA_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "media service base URL (env MEDIA_API_URL)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "per-request timeout")
}

func newClient() *apiClient {
	return newAPIClient(serverURL, timeout)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		os.Exit(1)
	}
}
