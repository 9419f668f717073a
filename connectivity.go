package guestsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks whether the API is actually reachable.
type Prober interface {
	Health(ctx context.Context) error
}

// DetectorOptions configures a Detector.
type DetectorOptions struct {
	ProbeInterval time.Duration // periodic probe while the platform reports online
	ProbeTimeout  time.Duration
	SettleDelay   time.Duration // quiet period after a platform event before probing
	ForceOffline  bool          // offline simulation: the resolved state stays false
	Logger        *slog.Logger
}

func (o *DetectorOptions) defaults() {
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Detector turns coarse platform link events plus an active health probe into
// a single "can reach the server" signal. Subscribers hear only real flips.
type Detector struct {
	prober Prober
	opts   DetectorOptions
	log    *slog.Logger

	mu             sync.Mutex
	platformOnline bool
	online         bool
	subs           map[uint64]func(bool)
	nextSub        uint64
	settle         *time.Timer
	stopCh         chan struct{}
	started        bool
	closed         bool

	resolveMu sync.Mutex
}

// NewDetector creates a detector. It starts out offline until the first
// successful probe; the platform is assumed online.
func NewDetector(prober Prober, opts *DetectorOptions) *Detector {
	var o DetectorOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	return &Detector{
		prober:         prober,
		opts:           o,
		log:            o.Logger.With("component", "connectivity"),
		platformOnline: true,
		subs:           make(map[uint64]func(bool)),
		stopCh:         make(chan struct{}),
	}
}

// CheckNow probes the health endpoint. Timeouts and errors report false.
func (d *Detector) CheckNow(ctx context.Context) bool {
	if d.opts.ForceOffline {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.ProbeTimeout)
	defer cancel()
	if err := d.prober.Health(ctx); err != nil {
		d.log.Debug("health probe failed", "error", err)
		return false
	}
	return true
}

// Online returns the last resolved state.
func (d *Detector) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// PlatformOnline returns the optimistic flag last reported by the platform.
func (d *Detector) PlatformOnline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.platformOnline
}

// SetPlatformOnline feeds a platform link event. Going offline settles
// immediately; going online is confirmed by a probe once events have been
// quiet for SettleDelay, so rapid toggling produces at most one notification.
func (d *Detector) SetPlatformOnline(online bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.platformOnline = online
	if d.settle != nil {
		d.settle.Stop()
		d.settle = nil
	}
	if online {
		d.settle = time.AfterFunc(d.opts.SettleDelay, func() {
			d.Resolve(context.Background())
		})
	}
	d.mu.Unlock()

	if !online {
		d.set(false)
	}
}

// Resolve probes now (when the platform reports online), updates the state
// and notifies subscribers on a flip. It returns the resolved state.
func (d *Detector) Resolve(ctx context.Context) bool {
	d.resolveMu.Lock()
	defer d.resolveMu.Unlock()

	online := d.PlatformOnline() && d.CheckNow(ctx)
	return d.set(online)
}

// set records the resolved state and returns it. An online result is
// discarded when the platform has dropped since the probe started.
func (d *Detector) set(online bool) bool {
	d.mu.Lock()
	if !d.platformOnline {
		online = false
	}
	if d.online == online {
		d.mu.Unlock()
		return online
	}
	d.online = online
	subs := make([]func(bool), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	connectivityState.Set(boolGauge(online))
	d.log.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		func() {
			defer func() { recover() }()
			fn(online)
		}()
	}
	return online
}

// Subscribe registers fn for state flips. Callbacks run on the detector's
// goroutine and must not block. The returned func unsubscribes.
func (d *Detector) Subscribe(fn func(online bool)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// Start resolves once and then probes every ProbeInterval until Close or ctx
// is done.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.Resolve(ctx)
	go d.probeLoop(ctx)
}

func (d *Detector) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.PlatformOnline() {
				d.Resolve(ctx)
			}
		}
	}
}

// Close stops probing and drops pending settle timers.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.settle != nil {
		d.settle.Stop()
		d.settle = nil
	}
	close(d.stopCh)
}
