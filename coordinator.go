package guestsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SyncState is the coordinator's state.
type SyncState string

const (
	StateIdle     SyncState = "idle"
	StateDraining SyncState = "draining"
)

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// ResolveTempIDs rewrites temporary IDs in queued payloads through the
	// alias table before replay. When false, an update queued against a temp
	// ID keeps targeting the temp ID after its create is confirmed.
	ResolveTempIDs bool
	// DeadLetterRejected parks entries the server rejects with a 4xx instead
	// of retrying them on every pass.
	DeadLetterRejected bool

	Notifier Notifier
	Haptics  Haptics
	Logger   *slog.Logger
}

func (o *CoordinatorOptions) defaults() {
	if o.Notifier == nil {
		o.Notifier = nopNotifier{}
	}
	if o.Haptics == nil {
		o.Haptics = nopHaptics{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// DrainResult summarizes one pass over the queue.
type DrainResult struct {
	Skipped      bool // another pass was already running
	Attempted    int
	Succeeded    int
	Failed       int
	DeadLettered int
	Remaining    int
}

// Coordinator replays the pending-action queue against the API, one entry at
// a time in enqueue order.
type Coordinator struct {
	*emitter

	backend Backend
	cache   *Cache
	queue   *Queue
	aliases *AliasTable
	opts    CoordinatorOptions
	log     *slog.Logger

	draining atomic.Bool
}

// NewCoordinator creates a coordinator over the collections in store.
func NewCoordinator(backend Backend, store *Store, opts *CoordinatorOptions) *Coordinator {
	return newCoordinator(backend, store, opts, newEmitter())
}

func newCoordinator(backend Backend, store *Store, opts *CoordinatorOptions, em *emitter) *Coordinator {
	var o CoordinatorOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Coordinator{
		emitter: em,
		backend: backend,
		cache:   store.Cache(),
		queue:   store.Queue(),
		aliases: store.Aliases(),
		opts:    o,
		log:     o.Logger.With("component", "sync"),
	}
}

// State reports whether a pass is running.
func (c *Coordinator) State() SyncState {
	if c.draining.Load() {
		return StateDraining
	}
	return StateIdle
}

// Drain runs one replay pass. A call made while a pass is running returns
// immediately with Skipped set. Failed entries stay queued for the next pass;
// one failure never stops the rest of the pass.
func (c *Coordinator) Drain(ctx context.Context) (*DrainResult, error) {
	if !c.draining.CompareAndSwap(false, true) {
		return &DrainResult{Skipped: true}, nil
	}
	defer c.draining.Store(false)

	start := time.Now()
	defer func() { drainDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := c.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	res := &DrainResult{}
	if len(pending) == 0 {
		queueDepth.Set(0)
		return res, nil
	}

	c.emit(EventSyncStart, len(pending))
	c.log.Info("drain started", "pending", len(pending))

	for _, a := range pending {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++

		if err := c.replay(ctx, a); err != nil {
			res.Failed++
			kind := Classify(err)
			replayTotal.WithLabelValues(string(a.Kind), "failed").Inc()
			c.log.Warn("replay failed", "seq", a.Seq, "kind", a.Kind, "class", kind, "error", err)

			if c.opts.DeadLetterRejected && kind == ErrServerRejected {
				if dlErr := c.queue.DeadLetter(ctx, a, err); dlErr != nil {
					c.log.Error("dead letter failed", "seq", a.Seq, "error", dlErr)
				} else {
					res.DeadLettered++
				}
			} else if mErr := c.queue.MarkFailed(ctx, a.Seq, err); mErr != nil {
				c.log.Warn("record failed attempt", "seq", a.Seq, "error", mErr)
			}
			c.emit(EventSyncEntryFailed, EntryFailed{Seq: a.Seq, Kind: a.Kind, Error: err.Error()})
			continue
		}

		// The server has the change; if this delete fails the entry is
		// replayed again next pass.
		if err := c.queue.Dequeue(ctx, a.Seq); err != nil {
			c.log.Error("dequeue after replay", "seq", a.Seq, "error", err)
		}
		res.Succeeded++
		replayTotal.WithLabelValues(string(a.Kind), "ok").Inc()
	}

	if n, err := c.queue.Len(ctx); err == nil {
		res.Remaining = n
		queueDepth.Set(float64(n))
	}

	c.log.Info("drain finished",
		"attempted", res.Attempted, "succeeded", res.Succeeded,
		"failed", res.Failed, "remaining", res.Remaining)

	if res.Succeeded > 0 {
		c.emit(EventSyncCompleted, SyncCompleted{Changes: res.Succeeded, Failed: res.Failed})
		if err := c.opts.Notifier.SyncCompleted(ctx, res.Succeeded); err != nil {
			c.log.Warn("sync notification failed", "error", err)
		}
		c.opts.Haptics.Success()
	}
	return res, nil
}

// Watch drains on every offline→online flip of d, and once right away if d
// is already online. The returned func stops watching and waits for a pass
// started by Watch to finish.
func (c *Coordinator) Watch(ctx context.Context, d *Detector) (stop func()) {
	var (
		mu      sync.Mutex
		stopped bool
		wg      sync.WaitGroup
	)
	// A flip already in flight may still call trigger after stop.
	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Drain(ctx); err != nil {
				c.log.Warn("drain failed", "error", err)
			}
		}()
	}
	unsubscribe := d.Subscribe(func(online bool) {
		if online {
			trigger()
		}
	})
	if d.Online() {
		trigger()
	}
	return func() {
		unsubscribe()
		mu.Lock()
		stopped = true
		mu.Unlock()
		wg.Wait()
	}
}

// ============================================================================
// Replay
// ============================================================================

func (c *Coordinator) replay(ctx context.Context, a PendingAction) error {
	op := "replay " + string(a.Kind)
	switch a.Kind {
	case ActionAddGuest:
		var p AddGuestPayload
		if err := a.Decode(&p); err != nil {
			return &SyncError{Op: op, Kind: ErrUnknown, Err: err}
		}
		p.Guest.Group = c.resolve(ctx, p.Guest.Group)
		g, err := c.backend.Guests.Create(ctx, p.Guest)
		if err != nil {
			return classified(op, err)
		}
		c.confirmCreate(ctx, KindGuest, p.TempID, g.ID, *g)

	case ActionUpdateGuest:
		var p UpdatePayload
		if err := a.Decode(&p); err != nil {
			return &SyncError{Op: op, Kind: ErrUnknown, Err: err}
		}
		id := c.resolve(ctx, p.ID)
		g, err := c.backend.Guests.Update(ctx, id, c.resolveData(ctx, p.Data))
		if err != nil {
			return classified(op, err)
		}
		c.writeBack(ctx, KindGuest, *g)

	case ActionDeleteGuest:
		var p DeletePayload
		if err := a.Decode(&p); err != nil {
			return &SyncError{Op: op, Kind: ErrUnknown, Err: err}
		}
		id := c.resolve(ctx, p.ID)
		if err := c.backend.Guests.Delete(ctx, id); err != nil {
			return classified(op, err)
		}
		c.removeBack(ctx, KindGuest, p.ID, id)

	case ActionBulkUpdateGuests:
		var p BulkUpdatePayload
		if err := a.Decode(&p); err != nil {
			return &SyncError{Op: op, Kind: ErrUnknown, Err: err}
		}
		ids := make([]string, len(p.IDs))
		for i, id := range p.IDs {
			ids[i] = c.resolve(ctx, id)
		}
		guests, err := c.backend.Guests.BulkUpdate(ctx, ids, c.resolveData(ctx, p.Data))
		if err != nil {
			return classified(op, err)
		}
		for _, g := range guests {
			c.writeBack(ctx, KindGuest, NormalizeGuest(g))
		}

	case ActionCreateGroup:
		var p CreateGroupPayload
		if err := a.Decode(&p); err != nil {
			return &SyncError{Op: op, Kind: ErrUnknown, Err: err}
		}
		g, err := c.backend.Groups.Create(ctx, p.Group)
		if err != nil {
			return classified(op, err)
		}
		c.confirmCreate(ctx, KindGroup, p.TempID, g.ID, *g)

	case ActionUpdateGroup:
		var p UpdatePayload
		if err := a.Decode(&p); err != nil {
			return &SyncError{Op: op, Kind: ErrUnknown, Err: err}
		}
		id := c.resolve(ctx, p.ID)
		g, err := c.backend.Groups.Update(ctx, id, p.Data)
		if err != nil {
			return classified(op, err)
		}
		c.writeBack(ctx, KindGroup, *g)

	case ActionDeleteGroup:
		var p DeletePayload
		if err := a.Decode(&p); err != nil {
			return &SyncError{Op: op, Kind: ErrUnknown, Err: err}
		}
		id := c.resolve(ctx, p.ID)
		if err := c.backend.Groups.Delete(ctx, id); err != nil {
			return classified(op, err)
		}
		c.removeBack(ctx, KindGroup, p.ID, id)

	default:
		return &SyncError{Op: op, Kind: ErrUnknown, Err: fmt.Errorf("unknown action kind %q", string(a.Kind))}
	}
	return nil
}

// resolve maps a temp ID through the alias table when ResolveTempIDs is on.
func (c *Coordinator) resolve(ctx context.Context, id string) string {
	if !c.opts.ResolveTempIDs || id == "" {
		return id
	}
	resolved, err := c.aliases.Resolve(ctx, id)
	if err != nil {
		c.log.Warn("alias lookup failed", "id", id, "error", err)
		return id
	}
	return resolved
}

func (c *Coordinator) resolveData(ctx context.Context, data map[string]any) map[string]any {
	if !c.opts.ResolveTempIDs {
		return data
	}
	group, ok := data["group"].(string)
	if !ok || !IsTempID(group) {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	out["group"] = c.resolve(ctx, group)
	return out
}

// confirmCreate swaps the optimistic temp record for the server's and
// records the alias. Cache failures are logged: the server already has the
// change.
func (c *Coordinator) confirmCreate(ctx context.Context, kind EntityKind, tempID, serverID string, e Entity) {
	if tempID != "" && tempID != serverID {
		if err := c.aliases.Put(ctx, tempID, serverID); err != nil {
			c.log.Warn("record alias", "temp_id", tempID, "error", err)
		}
		if err := c.cache.Remove(ctx, kind, tempID); err != nil {
			c.log.Warn("drop temp record", "temp_id", tempID, "error", err)
		}
	}
	c.writeBack(ctx, kind, e)
}

func (c *Coordinator) writeBack(ctx context.Context, kind EntityKind, e Entity) {
	switch v := e.(type) {
	case Guest:
		v.PendingSync = false
		e = v
	case GuestGroup:
		v.PendingSync = false
		e = v
	}
	if err := c.cache.Upsert(ctx, kind, e); err != nil {
		c.log.Warn("cache write-back", "kind", kind, "id", e.EntityID(), "error", err)
	}
}

func (c *Coordinator) removeBack(ctx context.Context, kind EntityKind, ids ...string) {
	for _, id := range ids {
		if err := c.cache.Remove(ctx, kind, id); err != nil {
			c.log.Warn("cache remove", "kind", kind, "id", id, "error", err)
		}
	}
}
