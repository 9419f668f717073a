package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, connectivity and queue status",
	Long:  "Display the current configuration, probe the API and report the local queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		m, cfg, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer m.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  API URL:     %s\n", cfg.Default.APIURL)
		fmt.Fprintf(out, "  Data dir:    %s\n", dataDir(cfg))
		fmt.Fprintf(out, "  Device ID:   %s\n", valueOrDefault(cfg.Default.DeviceID, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskSecret(cfg.Default.Token))
		}
		if cfg.Webhook.URL != "" {
			fmt.Fprintf(out, "  Webhook:     %s\n", cfg.Webhook.URL)
		}
		if cfg.Default.ForceOffline {
			fmt.Fprintln(out, "  Offline simulation is ON")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sync:")
		fmt.Fprintf(out, "  Connectivity: %s\n", onlineLabel(m.Online()))

		pending, err := m.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Pending:      error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  Pending:      %d\n", pending)
		}
		dead, err := m.Queue().DeadLetters(ctx)
		if err == nil && len(dead) > 0 {
			fmt.Fprintf(out, "  Dead letters: %d\n", len(dead))
		}
		return nil
	},
}
