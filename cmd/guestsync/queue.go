package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/guestlist-app/guestsync"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDeadCmd)
	rootCmd.AddCommand(syncCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		pending, err := m.Queue().ListPending(cmd.Context())
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
			return nil
		}
		printActions(cmd.OutOrStdout(), pending)
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List actions the server rejected permanently",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		dead, err := m.Queue().DeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if len(dead) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No dead letters.")
			return nil
		}
		printActions(cmd.OutOrStdout(), dead)
		return nil
	},
}

func printActions(out io.Writer, actions []guestsync.PendingAction) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tCREATED\tATTEMPTS\tLAST ERROR")
	for _, a := range actions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n",
			a.Seq, a.Kind, a.CreatedAt.Local().Format(time.DateTime), a.Attempts, a.LastError)
	}
	tw.Flush()
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued actions against the API now",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openManager(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		out := cmd.OutOrStdout()
		if !m.Online() {
			n, _ := m.PendingCount(cmd.Context())
			fmt.Fprintf(out, "Offline; %d action(s) stay queued.\n", n)
			return nil
		}
		res, err := m.SyncNow(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Replayed %d, synced %d, failed %d, remaining %d.\n",
			res.Attempted, res.Succeeded, res.Failed, res.Remaining)
		return nil
	},
}
