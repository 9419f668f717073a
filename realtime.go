package guestsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// Server push event types.
const (
	PushHello        = "hello"
	PushGuestChanged = "guest.changed"
	PushGuestDeleted = "guest.deleted"
	PushGroupChanged = "group.changed"
	PushGroupDeleted = "group.deleted"
)

// RealtimePath is the websocket endpoint.
const RealtimePath = "/api/ws"

// RealtimeEnvelope is the wire format for all push events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DeletedPayload is carried by *.deleted events.
type DeletedPayload struct {
	ID string `json:"_id"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int // 0 means the default; negative means unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	RealtimeDisconnected RealtimeState = "disconnected"
	RealtimeConnecting   RealtimeState = "connecting"
	RealtimeConnected    RealtimeState = "connected"
	RealtimeReconnecting RealtimeState = "reconnecting"
)

// RealtimeEventHandler is the generic push event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter, capped at maxDelay. A
// connection that stayed up for a minute resets the backoff.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient keeps a websocket open to the API. Pushed guest and group
// changes are applied to the cache, and the link state is fed to the
// connectivity detector as a platform signal.
type RealtimeClient struct {
	baseURL  string
	config   RealtimeConfig
	cache    *Cache
	detector *Detector
	log      *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector

	handlersMu sync.RWMutex
	handlers   map[string][]RealtimeEventHandler
}

// NewRealtimeClient creates a client for baseURL. cache and detector may be
// nil.
func NewRealtimeClient(baseURL string, cache *Cache, detector *Detector, config *RealtimeConfig) *RealtimeClient {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		config:   cfg,
		cache:    cache,
		detector: detector,
		log:      cfg.Logger.With("component", "realtime"),
		state:    RealtimeDisconnected,
		recon:    newReconnector(&cfg),
		handlers: make(map[string][]RealtimeEventHandler),
	}
}

// Realtime returns a push client bound to the manager's cache and detector.
func (m *Manager) Realtime(baseURL string, config *RealtimeConfig) *RealtimeClient {
	return NewRealtimeClient(baseURL, m.cache, m.detector, config)
}

// On registers a handler for a push event type. Handlers run on their own
// goroutine after the cache has been updated.
func (rc *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	rc.handlersMu.Lock()
	rc.handlers[eventType] = append(rc.handlers[eventType], h)
	rc.handlersMu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RealtimeClient) wsURL() string {
	u := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += RealtimePath
	if rc.config.Token != "" {
		u += "?token=" + rc.config.Token
	}
	return u
}

// Connect dials the websocket and waits for the server's hello.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == RealtimeConnected || rc.state == RealtimeConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = RealtimeConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	fail := func(err error) error {
		rc.mu.Lock()
		rc.state = RealtimeDisconnected
		rc.mu.Unlock()
		return err
	}

	conn, _, err := websocket.Dial(ctx, rc.wsURL(), nil)
	if err != nil {
		return fail(fmt.Errorf("websocket dial: %w", err))
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("read hello: %w", err))
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != PushHello {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("expected '%s', got '%s'", PushHello, env.Type))
	}

	// The connection outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.state = RealtimeConnected
	rc.cancelFn = cancel
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.log.Info("realtime connected", "url", rc.baseURL)

	if rc.detector != nil {
		rc.detector.SetPlatformOnline(true)
	}

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection without reconnecting.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = RealtimeDisconnected
	rc.mu.Unlock()
	rc.recon.reset()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if !intentional {
				rc.state = RealtimeDisconnected
				rc.conn = nil
				if rc.cancelFn != nil {
					rc.cancelFn()
					rc.cancelFn = nil
				}
			}
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.log.Warn("realtime link lost", "error", err)
			if rc.detector != nil {
				// A dropped socket is a hint, not proof; let a probe decide.
				go rc.detector.Resolve(context.Background())
			}
			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rc.apply(ctx, env)
		rc.dispatch(env)
	}
}

// apply updates the cache from a push event. Records with unsynced local
// changes are left alone; the next replay writes the server version back.
func (rc *RealtimeClient) apply(ctx context.Context, env RealtimeEnvelope) {
	if rc.cache == nil {
		return
	}
	var err error
	switch env.Type {
	case PushGuestChanged:
		var g Guest
		if err = json.Unmarshal(env.Payload, &g); err != nil || g.ID == "" {
			break
		}
		var cached *Guest
		if cached, err = rc.cache.Guest(ctx, g.ID); err == nil && (cached == nil || !cached.PendingSync) {
			err = rc.cache.Upsert(ctx, KindGuest, NormalizeGuest(g))
		}
	case PushGroupChanged:
		var g GuestGroup
		if err = json.Unmarshal(env.Payload, &g); err != nil || g.ID == "" {
			break
		}
		var cached *GuestGroup
		if cached, err = rc.cache.Group(ctx, g.ID); err == nil && (cached == nil || !cached.PendingSync) {
			err = rc.cache.Upsert(ctx, KindGroup, g)
		}
	case PushGuestDeleted, PushGroupDeleted:
		var p DeletedPayload
		if err = json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
			break
		}
		kind := KindGuest
		if env.Type == PushGroupDeleted {
			kind = KindGroup
		}
		err = rc.cache.Remove(ctx, kind, p.ID)
	}
	if err != nil {
		rc.log.Warn("apply push event", "type", env.Type, "error", err)
	}
}

func (rc *RealtimeClient) dispatch(env RealtimeEnvelope) {
	rc.handlersMu.RLock()
	defer rc.handlersMu.RUnlock()
	for _, h := range rc.handlers[env.Type] {
		handler := h
		go handler(env.Type, env.Payload)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	delay := rc.recon.nextDelay()
	rc.mu.Lock()
	rc.state = RealtimeReconnecting
	rc.mu.Unlock()
	rc.log.Info("realtime reconnecting", "attempt", rc.recon.attempt, "delay", delay)

	time.Sleep(delay)

	rc.mu.Lock()
	stopped := rc.intentionalClose
	if !stopped {
		rc.state = RealtimeDisconnected
	}
	rc.mu.Unlock()
	if stopped {
		return
	}

	if err := rc.Connect(context.Background()); err != nil {
		rc.log.Debug("reconnect failed", "error", err)
		if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
			rc.scheduleReconnect()
		}
	}
}
