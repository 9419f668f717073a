package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guestlist-app/guestsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected: follow server pushes and sync whenever the API is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m, cfg, err := openManager(ctx)
		if err != nil {
			return err
		}
		defer m.Close()

		out := cmd.OutOrStdout()
		m.On(guestsync.EventNetworkOnline, func(string, any) { fmt.Fprintln(out, "● online") })
		m.On(guestsync.EventNetworkOffline, func(string, any) { fmt.Fprintln(out, "○ offline") })
		m.On(guestsync.EventSyncCompleted, func(_ string, p any) {
			if sc, ok := p.(guestsync.SyncCompleted); ok {
				fmt.Fprintf(out, "synced %d change(s), %d failed\n", sc.Changes, sc.Failed)
			}
		})
		m.On(guestsync.EventSyncEntryFailed, func(_ string, p any) {
			if ef, ok := p.(guestsync.EntryFailed); ok {
				fmt.Fprintf(out, "entry %d (%s) failed: %s\n", ef.Seq, ef.Kind, ef.Error)
			}
		})

		rt := m.Realtime(cfg.Default.APIURL, &guestsync.RealtimeConfig{
			Token:                cfg.Default.Token,
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			Logger:               newLogger(cfg, os.Stderr),
		})
		for _, t := range []string{guestsync.PushGuestChanged, guestsync.PushGuestDeleted,
			guestsync.PushGroupChanged, guestsync.PushGroupDeleted} {
			rt.On(t, func(eventType string, payload json.RawMessage) {
				fmt.Fprintf(out, "%s %s\n", eventType, payload)
			})
		}

		// Retry the push link whenever the probe finds the API again.
		unsubscribe := m.Detector().Subscribe(func(online bool) {
			if online && rt.State() == guestsync.RealtimeDisconnected {
				go rt.Connect(ctx)
			}
		})
		defer unsubscribe()

		m.Start(ctx)
		if err := rt.Connect(ctx); err != nil {
			fmt.Fprintf(out, "push link unavailable: %v\n", err)
		}
		defer rt.Disconnect()

		fmt.Fprintf(out, "watching %s (%s), Ctrl-C to stop\n", cfg.Default.APIURL, onlineLabel(m.Online()))
		<-ctx.Done()
		return nil
	},
}
