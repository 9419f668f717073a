package guestsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Options
// ============================================================================

type managerConfig struct {
	dataDir     string
	store       *Store
	backend     *Backend
	prober      Prober
	logger      *slog.Logger
	detector    DetectorOptions
	coordinator CoordinatorOptions
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

// WithDataDir sets the directory holding the local database.
func WithDataDir(dir string) ManagerOption {
	return func(c *managerConfig) { c.dataDir = dir }
}

// WithStore uses an already opened store; the Manager closes it on Close.
func WithStore(s *Store) ManagerOption {
	return func(c *managerConfig) { c.store = s }
}

// WithBackend replaces the client's remote collections.
func WithBackend(b Backend) ManagerOption {
	return func(c *managerConfig) { c.backend = &b }
}

// WithProber replaces the client's health probe.
func WithProber(p Prober) ManagerOption {
	return func(c *managerConfig) { c.prober = p }
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

func WithNotifier(n Notifier) ManagerOption {
	return func(c *managerConfig) { c.coordinator.Notifier = n }
}

func WithHaptics(h Haptics) ManagerOption {
	return func(c *managerConfig) { c.coordinator.Haptics = h }
}

// WithResolveTempIDs turns on alias rewriting of queued payloads.
func WithResolveTempIDs(on bool) ManagerOption {
	return func(c *managerConfig) { c.coordinator.ResolveTempIDs = on }
}

// WithDeadLetterRejected parks 4xx-rejected entries instead of retrying them.
func WithDeadLetterRejected(on bool) ManagerOption {
	return func(c *managerConfig) { c.coordinator.DeadLetterRejected = on }
}

// WithForceOffline simulates a device with no connectivity.
func WithForceOffline(on bool) ManagerOption {
	return func(c *managerConfig) { c.detector.ForceOffline = on }
}

func WithProbeInterval(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.detector.ProbeInterval = d }
}

func WithSettleDelay(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.detector.SettleDelay = d }
}

// ============================================================================
// Manager
// ============================================================================

// Manager is the offline-first facade the UI talks to. Mutations go straight
// to the API when it is reachable and nothing is queued ahead of them;
// otherwise they are applied optimistically to the cache and queued.
type Manager struct {
	*emitter

	store    *Store
	cache    *Cache
	queue    *Queue
	backend  Backend
	detector *Detector
	coord    *Coordinator
	haptics  Haptics
	log      *slog.Logger

	mu        sync.Mutex
	started   bool
	closed    bool
	stopWatch func()
	unsubNet  func()
	bg        sync.WaitGroup
}

// NewManager wires the store, detector and coordinator. client may be nil
// when both WithBackend and WithProber are given.
func NewManager(client *Client, opts ...ManagerOption) (*Manager, error) {
	cfg := &managerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	cfg.detector.Logger = cfg.logger
	cfg.coordinator.Logger = cfg.logger

	if cfg.backend == nil {
		if client == nil {
			return nil, fmt.Errorf("guestsync: a client or WithBackend is required")
		}
		b := client.Backend()
		cfg.backend = &b
	}
	if cfg.prober == nil {
		if client == nil {
			return nil, fmt.Errorf("guestsync: a client or WithProber is required")
		}
		cfg.prober = client
	}

	store := cfg.store
	if store == nil {
		if cfg.dataDir == "" {
			return nil, fmt.Errorf("guestsync: WithDataDir or WithStore is required")
		}
		var err error
		store, err = Open(context.Background(), cfg.dataDir)
		if err != nil {
			return nil, err
		}
	}

	em := newEmitter()
	m := &Manager{
		emitter:  em,
		store:    store,
		cache:    store.Cache(),
		queue:    store.Queue(),
		backend:  *cfg.backend,
		detector: NewDetector(cfg.prober, &cfg.detector),
		haptics:  cfg.coordinator.Haptics,
		log:      cfg.logger.With("component", "manager"),
	}
	m.coord = newCoordinator(m.backend, store, &cfg.coordinator, em)
	if m.haptics == nil {
		m.haptics = nopHaptics{}
	}
	return m, nil
}

// Start begins connectivity probing and drains the queue on every
// offline→online transition.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.unsubNet = m.detector.Subscribe(func(online bool) {
		if online {
			m.emit(EventNetworkOnline, nil)
		} else {
			m.emit(EventNetworkOffline, nil)
		}
	})
	m.detector.Start(ctx)
	m.stopWatch = m.coord.Watch(ctx, m.detector)
}

// Close stops background work and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.detector.Close()
	if m.unsubNet != nil {
		m.unsubNet()
	}
	if m.stopWatch != nil {
		m.stopWatch()
	}
	m.bg.Wait()
	m.removeAll()
	return m.store.Close()
}

// Online returns the resolved connectivity state.
func (m *Manager) Online() bool { return m.detector.Online() }

// SetPlatformOnline forwards a platform link event to the detector.
func (m *Manager) SetPlatformOnline(online bool) { m.detector.SetPlatformOnline(online) }

func (m *Manager) Detector() *Detector       { return m.detector }
func (m *Manager) Coordinator() *Coordinator { return m.coord }
func (m *Manager) Cache() *Cache             { return m.cache }
func (m *Manager) Queue() *Queue             { return m.queue }

// SyncNow is the manual "retry sync" trigger.
func (m *Manager) SyncNow(ctx context.Context) (*DrainResult, error) {
	return m.coord.Drain(ctx)
}

// PendingCount returns the number of queued actions.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.queue.Len(ctx)
}

// direct reports whether a mutation may go straight to the API. Anything
// already queued must reach the server first, so a non-empty queue forces
// the mutation onto the queue behind it.
func (m *Manager) direct(ctx context.Context) bool {
	if !m.detector.Online() {
		return false
	}
	n, err := m.queue.Len(ctx)
	return err == nil && n == 0
}

// afterNetworkError handles a failed direct call. It reports whether the
// mutation should fall back to the queue.
func (m *Manager) afterNetworkError(op string, err error) (bool, error) {
	if Classify(err) == ErrNetworkUnavailable {
		m.recheck()
		return true, nil
	}
	m.haptics.Error()
	return false, classified(op, err)
}

// rejectInput reports input the API would refuse. Such input is never queued.
func (m *Manager) rejectInput(op string, err error) error {
	m.haptics.Error()
	return &SyncError{Op: op, Kind: ErrServerRejected, Err: err}
}

func (m *Manager) enqueue(ctx context.Context, kind ActionKind, payload any) error {
	if _, err := m.queue.Enqueue(ctx, kind, payload); err != nil {
		m.haptics.Error()
		return fmt.Errorf("change could not be saved for later sync: %w", err)
	}
	enqueueTotal.WithLabelValues(string(kind)).Inc()
	if n, err := m.queue.Len(ctx); err == nil {
		queueDepth.Set(float64(n))
	}
	return nil
}

// background runs fn on a goroutine that Close waits for. Nothing starts
// once the manager is closed.
func (m *Manager) background(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		fn()
	}()
}

// kick starts a background drain when online. Call it after the optimistic
// cache write so replay results land on top of it.
func (m *Manager) kick() {
	if !m.detector.Online() {
		return
	}
	m.background(func() {
		if _, err := m.coord.Drain(context.Background()); err != nil {
			m.log.Warn("drain after enqueue", "error", err)
		}
	})
}

// recheck re-resolves connectivity after a call failed with a network error.
func (m *Manager) recheck() {
	m.background(func() { m.detector.Resolve(context.Background()) })
}

func (m *Manager) cacheUpsert(ctx context.Context, kind EntityKind, e Entity) {
	if err := m.cache.Upsert(ctx, kind, e); err != nil {
		m.log.Warn("cache upsert", "kind", kind, "id", e.EntityID(), "error", err)
	}
}

func (m *Manager) cacheRemove(ctx context.Context, kind EntityKind, id string) {
	if err := m.cache.Remove(ctx, kind, id); err != nil {
		m.log.Warn("cache remove", "kind", kind, "id", id, "error", err)
	}
}

// ── Reads ─────────────────────────────────────────────────

// ListGuests fetches guests from the API and refreshes the cache, or serves
// the cache when the API is unreachable. Locally pending changes are laid
// over the server snapshot so a refresh never hides them.
func (m *Manager) ListGuests(ctx context.Context) ([]Guest, error) {
	if m.detector.Online() {
		server, err := m.backend.Guests.List(ctx)
		if err == nil {
			merged, mErr := m.overlayGuests(ctx, server)
			if mErr != nil {
				m.log.Warn("read cache for overlay", "error", mErr)
				merged = server
			}
			if err := m.cache.ReplaceAll(ctx, KindGuest, guestEntities(merged)); err != nil {
				m.log.Warn("cache replace guests", "error", err)
			}
			return merged, nil
		}
		if Classify(err) != ErrNetworkUnavailable {
			return nil, classified("list guests", err)
		}
		m.recheck()
	}
	return m.cache.Guests(ctx)
}

// ListGroups is ListGuests for guest groups.
func (m *Manager) ListGroups(ctx context.Context) ([]GuestGroup, error) {
	if m.detector.Online() {
		server, err := m.backend.Groups.List(ctx)
		if err == nil {
			merged, mErr := m.overlayGroups(ctx, server)
			if mErr != nil {
				m.log.Warn("read cache for overlay", "error", mErr)
				merged = server
			}
			if err := m.cache.ReplaceAll(ctx, KindGroup, groupEntities(merged)); err != nil {
				m.log.Warn("cache replace groups", "error", err)
			}
			return merged, nil
		}
		if Classify(err) != ErrNetworkUnavailable {
			return nil, classified("list groups", err)
		}
		m.recheck()
	}
	return m.cache.Groups(ctx)
}

func (m *Manager) pendingDeletes(ctx context.Context, kind ActionKind) (map[string]bool, error) {
	pending, err := m.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, a := range pending {
		if a.Kind != kind {
			continue
		}
		var p DeletePayload
		if a.Decode(&p) == nil {
			out[p.ID] = true
		}
	}
	return out, nil
}

func (m *Manager) overlayGuests(ctx context.Context, server []Guest) ([]Guest, error) {
	cached, err := m.cache.Guests(ctx)
	if err != nil {
		return nil, err
	}
	deleted, err := m.pendingDeletes(ctx, ActionDeleteGuest)
	if err != nil {
		return nil, err
	}
	local := map[string]Guest{}
	for _, g := range cached {
		if g.PendingSync {
			local[g.ID] = g
		}
	}
	out := make([]Guest, 0, len(server)+len(local))
	seen := map[string]bool{}
	for _, g := range server {
		if deleted[g.ID] {
			continue
		}
		if l, ok := local[g.ID]; ok {
			g = l
		}
		seen[g.ID] = true
		out = append(out, g)
	}
	for _, g := range cached {
		if g.PendingSync && !seen[g.ID] && IsTempID(g.ID) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *Manager) overlayGroups(ctx context.Context, server []GuestGroup) ([]GuestGroup, error) {
	cached, err := m.cache.Groups(ctx)
	if err != nil {
		return nil, err
	}
	deleted, err := m.pendingDeletes(ctx, ActionDeleteGroup)
	if err != nil {
		return nil, err
	}
	local := map[string]GuestGroup{}
	for _, g := range cached {
		if g.PendingSync {
			local[g.ID] = g
		}
	}
	out := make([]GuestGroup, 0, len(server)+len(local))
	seen := map[string]bool{}
	for _, g := range server {
		if deleted[g.ID] {
			continue
		}
		if l, ok := local[g.ID]; ok {
			g = l
		}
		seen[g.ID] = true
		out = append(out, g)
	}
	for _, g := range cached {
		if g.PendingSync && !seen[g.ID] && IsTempID(g.ID) {
			out = append(out, g)
		}
	}
	return out, nil
}

// ── Guest mutations ───────────────────────────────────────

// AddGuest creates a guest. Offline, the returned guest carries a temp ID
// and PendingSync. Input that fails validation is never queued; it is
// reported as ErrServerRejected.
func (m *Manager) AddGuest(ctx context.Context, in GuestInput) (*Guest, error) {
	if err := in.Validate(); err != nil {
		return nil, m.rejectInput("add guest", err)
	}
	if m.direct(ctx) {
		g, err := m.backend.Guests.Create(ctx, in)
		if err == nil {
			m.cacheUpsert(ctx, KindGuest, *g)
			return g, nil
		}
		if queue, err := m.afterNetworkError("add guest", err); !queue {
			return nil, err
		}
	}

	now := time.Now().UTC()
	g := NormalizeGuest(Guest{
		ID:          NewTempID(),
		Name:        in.Name,
		Phone:       in.Phone,
		Email:       in.Email,
		Contact:     in.Contact,
		Invited:     in.Invited,
		Group:       in.Group,
		CreatedAt:   &now,
		UpdatedAt:   &now,
		PendingSync: true,
	})
	if err := m.enqueue(ctx, ActionAddGuest, AddGuestPayload{TempID: g.ID, Guest: in}); err != nil {
		return nil, err
	}
	m.cacheUpsert(ctx, KindGuest, g)
	m.emit(EventGuestLocal, g)
	m.kick()
	return &g, nil
}

// UpdateGuest applies a field patch to one guest. A patch that does not
// fit the guest's fields is rejected before it is sent or queued.
func (m *Manager) UpdateGuest(ctx context.Context, id string, data map[string]any) (*Guest, error) {
	if err := ValidateGuestPatch(data); err != nil {
		return nil, m.rejectInput("update guest", err)
	}
	if m.direct(ctx) {
		g, err := m.backend.Guests.Update(ctx, id, data)
		if err == nil {
			m.cacheUpsert(ctx, KindGuest, *g)
			return g, nil
		}
		if queue, err := m.afterNetworkError("update guest", err); !queue {
			return nil, err
		}
	}

	if err := m.enqueue(ctx, ActionUpdateGuest, UpdatePayload{ID: id, Data: data}); err != nil {
		return nil, err
	}
	g := m.patchCachedGuest(ctx, id, data)
	m.kick()
	return g, nil
}

// DeleteGuest deletes one guest.
func (m *Manager) DeleteGuest(ctx context.Context, id string) error {
	if m.direct(ctx) {
		err := m.backend.Guests.Delete(ctx, id)
		if err == nil {
			m.cacheRemove(ctx, KindGuest, id)
			return nil
		}
		if queue, err := m.afterNetworkError("delete guest", err); !queue {
			return err
		}
	}

	if err := m.enqueue(ctx, ActionDeleteGuest, DeletePayload{ID: id}); err != nil {
		return err
	}
	m.cacheRemove(ctx, KindGuest, id)
	m.kick()
	return nil
}

// BulkUpdateGuests applies one patch to several guests (e.g. mark invited).
func (m *Manager) BulkUpdateGuests(ctx context.Context, ids []string, data map[string]any) ([]Guest, error) {
	if err := ValidateGuestPatch(data); err != nil {
		return nil, m.rejectInput("bulk update guests", err)
	}
	if m.direct(ctx) {
		gs, err := m.backend.Guests.BulkUpdate(ctx, ids, data)
		if err == nil {
			for _, g := range gs {
				m.cacheUpsert(ctx, KindGuest, NormalizeGuest(g))
			}
			return gs, nil
		}
		if queue, err := m.afterNetworkError("bulk update guests", err); !queue {
			return nil, err
		}
	}

	if err := m.enqueue(ctx, ActionBulkUpdateGuests, BulkUpdatePayload{IDs: ids, Data: data}); err != nil {
		return nil, err
	}
	out := make([]Guest, 0, len(ids))
	for _, id := range ids {
		if g := m.patchCachedGuest(ctx, id, data); g != nil {
			out = append(out, *g)
		}
	}
	m.kick()
	return out, nil
}

func (m *Manager) patchCachedGuest(ctx context.Context, id string, data map[string]any) *Guest {
	cached, err := m.cache.Guest(ctx, id)
	if err != nil {
		m.log.Warn("read cached guest", "id", id, "error", err)
		return nil
	}
	if cached == nil {
		return nil
	}
	patched, err := ApplyPatch(*cached, data)
	if err != nil {
		m.log.Warn("apply patch", "id", id, "error", err)
		return nil
	}
	now := time.Now().UTC()
	patched.UpdatedAt = &now
	patched.PendingSync = true
	patched = NormalizeGuest(patched)
	m.cacheUpsert(ctx, KindGuest, patched)
	m.emit(EventGuestLocal, patched)
	return &patched
}

// ── Group mutations ───────────────────────────────────────

// CreateGroup creates a guest group.
func (m *Manager) CreateGroup(ctx context.Context, in GroupInput) (*GuestGroup, error) {
	if err := in.Validate(); err != nil {
		return nil, m.rejectInput("create group", err)
	}
	if m.direct(ctx) {
		g, err := m.backend.Groups.Create(ctx, in)
		if err == nil {
			m.cacheUpsert(ctx, KindGroup, *g)
			return g, nil
		}
		if queue, err := m.afterNetworkError("create group", err); !queue {
			return nil, err
		}
	}

	now := time.Now().UTC()
	g := GuestGroup{
		ID:          NewTempID(),
		Name:        in.Name,
		Description: in.Description,
		CreatedAt:   &now,
		UpdatedAt:   &now,
		PendingSync: true,
	}
	if err := m.enqueue(ctx, ActionCreateGroup, CreateGroupPayload{TempID: g.ID, Group: in}); err != nil {
		return nil, err
	}
	m.cacheUpsert(ctx, KindGroup, g)
	m.emit(EventGroupLocal, g)
	m.kick()
	return &g, nil
}

// UpdateGroup applies a field patch to one group.
func (m *Manager) UpdateGroup(ctx context.Context, id string, data map[string]any) (*GuestGroup, error) {
	if err := ValidateGroupPatch(data); err != nil {
		return nil, m.rejectInput("update group", err)
	}
	if m.direct(ctx) {
		g, err := m.backend.Groups.Update(ctx, id, data)
		if err == nil {
			m.cacheUpsert(ctx, KindGroup, *g)
			return g, nil
		}
		if queue, err := m.afterNetworkError("update group", err); !queue {
			return nil, err
		}
	}

	if err := m.enqueue(ctx, ActionUpdateGroup, UpdatePayload{ID: id, Data: data}); err != nil {
		return nil, err
	}
	defer m.kick()
	cached, err := m.cache.Group(ctx, id)
	if err != nil || cached == nil {
		return nil, nil
	}
	patched, err := ApplyPatch(*cached, data)
	if err != nil {
		m.log.Warn("apply patch", "id", id, "error", err)
		return nil, nil
	}
	now := time.Now().UTC()
	patched.UpdatedAt = &now
	patched.PendingSync = true
	m.cacheUpsert(ctx, KindGroup, patched)
	m.emit(EventGroupLocal, patched)
	return &patched, nil
}

// DeleteGroup deletes one group.
func (m *Manager) DeleteGroup(ctx context.Context, id string) error {
	if m.direct(ctx) {
		err := m.backend.Groups.Delete(ctx, id)
		if err == nil {
			m.cacheRemove(ctx, KindGroup, id)
			return nil
		}
		if queue, err := m.afterNetworkError("delete group", err); !queue {
			return err
		}
	}

	if err := m.enqueue(ctx, ActionDeleteGroup, DeletePayload{ID: id}); err != nil {
		return err
	}
	m.cacheRemove(ctx, KindGroup, id)
	m.kick()
	return nil
}
