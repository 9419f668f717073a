package guestsync

import (
	"context"
	"log/slog"
)

// Notifier tells the user a sync pass confirmed changes (toast, platform
// notification, webhook).
type Notifier interface {
	SyncCompleted(ctx context.Context, changes int) error
}

// Haptics gives tactile confirmation where the platform has it.
type Haptics interface {
	Success()
	Error()
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, changes int) error

func (f NotifierFunc) SyncCompleted(ctx context.Context, changes int) error { return f(ctx, changes) }

// MultiNotifier fans out to several notifiers; the first error is returned
// after all of them ran.
type MultiNotifier []Notifier

func (m MultiNotifier) SyncCompleted(ctx context.Context, changes int) error {
	var first error
	for _, n := range m {
		if err := n.SyncCompleted(ctx, changes); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogNotifier writes the toast text to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) SyncCompleted(ctx context.Context, changes int) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "sync completed", "changes", changes)
	return nil
}

type nopNotifier struct{}

func (nopNotifier) SyncCompleted(context.Context, int) error { return nil }

type nopHaptics struct{}

func (nopHaptics) Success() {}
func (nopHaptics) Error()   {}
