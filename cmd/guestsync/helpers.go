package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"

	"github.com/guestlist-app/guestsync"
)

// newLogger builds the slog handler described by the [log] section.
func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if cfg.Log.Level != "" {
		if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			lvl = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// dataDir returns the configured data directory or $XDG_DATA_HOME/guestsync.
func dataDir(cfg *Config) string {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir
	}
	return filepath.Join(xdg.DataHome, "guestsync")
}

// notifier returns the sync-completed notifier for cfg.
func notifier(cfg *Config, log *slog.Logger) guestsync.Notifier {
	n := guestsync.MultiNotifier{guestsync.LogNotifier{Logger: log}}
	if cfg.Webhook.URL != "" {
		n = append(n, &guestsync.WebhookNotifier{
			URL:      cfg.Webhook.URL,
			Secret:   cfg.Webhook.Secret,
			DeviceID: cfg.Default.DeviceID,
		})
	}
	return n
}

// openManager loads config and opens a Manager against the configured API.
func openManager(ctx context.Context) (*guestsync.Manager, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.APIURL == "" {
		return nil, nil, fmt.Errorf("no API URL. Run 'guestsync init <api-url>' first")
	}
	log := newLogger(cfg, os.Stderr)

	var copts []guestsync.ClientOption
	if cfg.Default.Token != "" {
		copts = append(copts, guestsync.WithToken(cfg.Default.Token))
	}
	client := guestsync.NewClient(cfg.Default.APIURL, copts...)

	m, err := guestsync.NewManager(client,
		guestsync.WithDataDir(dataDir(cfg)),
		guestsync.WithLogger(log),
		guestsync.WithForceOffline(cfg.Default.ForceOffline),
		guestsync.WithNotifier(notifier(cfg, log)),
	)
	if err != nil {
		return nil, nil, err
	}
	// One-shot commands resolve connectivity once instead of running the
	// probe loop.
	m.Detector().Resolve(ctx)
	return m, cfg, nil
}

// maskSecret shows the first 4 and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
