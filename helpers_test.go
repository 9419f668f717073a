package guestsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// errNetwork looks like a refused connection from net/http.
func errNetwork() error {
	return &url.Error{Op: "Post", URL: "http://api.test", Err: errors.New("connection refused")}
}

// fakeGuests is an in-memory GuestAPI that records every call as
// "<op>:<arg>" in arrival order.
type fakeGuests struct {
	mu     sync.Mutex
	calls  []string
	guests map[string]Guest
	ids    []string // IDs handed out by Create before falling back to g_<n>
	n      int
	fail   map[string]error // keyed like calls
	block  chan struct{}    // when set, Create waits on it
	inCall chan struct{}    // signalled when Create starts
}

func newFakeGuests(seed ...Guest) *fakeGuests {
	f := &fakeGuests{guests: map[string]Guest{}, fail: map[string]error{}}
	for _, g := range seed {
		f.guests[g.ID] = g
	}
	return f
}

func (f *fakeGuests) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.fail[call]
}

func (f *fakeGuests) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGuests) failOn(call string, err error) {
	f.mu.Lock()
	f.fail[call] = err
	f.mu.Unlock()
}

func (f *fakeGuests) List(ctx context.Context) ([]Guest, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Guest, 0, len(f.guests))
	for _, g := range f.guests {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeGuests) Create(ctx context.Context, in GuestInput) (*Guest, error) {
	if f.inCall != nil {
		f.inCall <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if err := f.record("create:" + in.Name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var id string
	if len(f.ids) > 0 {
		id, f.ids = f.ids[0], f.ids[1:]
	} else {
		f.n++
		id = fmt.Sprintf("g_%d", f.n)
	}
	now := time.Now().UTC()
	g := NormalizeGuest(Guest{ID: id, Name: in.Name, Phone: in.Phone, Email: in.Email,
		Contact: in.Contact, Invited: in.Invited, Group: in.Group, CreatedAt: &now, UpdatedAt: &now})
	f.guests[id] = g
	return &g, nil
}

func (f *fakeGuests) Update(ctx context.Context, id string, data map[string]any) (*Guest, error) {
	if err := f.record("update:" + id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guests[id]
	if !ok {
		return nil, &APIError{Status: 404, Code: "not_found", Message: "guest not found"}
	}
	g, err := ApplyPatch(g, data)
	if err != nil {
		return nil, err
	}
	f.guests[id] = g
	return &g, nil
}

func (f *fakeGuests) Delete(ctx context.Context, id string) error {
	if err := f.record("delete:" + id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.guests[id]; !ok {
		return &APIError{Status: 404, Code: "not_found", Message: "guest not found"}
	}
	delete(f.guests, id)
	return nil
}

func (f *fakeGuests) BulkUpdate(ctx context.Context, ids []string, data map[string]any) ([]Guest, error) {
	if err := f.record("bulk:" + strings.Join(ids, ",")); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Guest, 0, len(ids))
	for _, id := range ids {
		g, ok := f.guests[id]
		if !ok {
			return nil, &APIError{Status: 404, Code: "not_found", Message: "guest not found: " + id}
		}
		g, err := ApplyPatch(g, data)
		if err != nil {
			return nil, err
		}
		f.guests[id] = g
		out = append(out, g)
	}
	return out, nil
}

// fakeGroups is the GroupAPI counterpart of fakeGuests.
type fakeGroups struct {
	mu     sync.Mutex
	calls  []string
	groups map[string]GuestGroup
	n      int
	fail   map[string]error
}

func newFakeGroups() *fakeGroups {
	return &fakeGroups{groups: map[string]GuestGroup{}, fail: map[string]error{}}
}

func (f *fakeGroups) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.fail[call]
}

func (f *fakeGroups) List(ctx context.Context) ([]GuestGroup, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]GuestGroup, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeGroups) Create(ctx context.Context, in GroupInput) (*GuestGroup, error) {
	if err := f.record("create:" + in.Name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	g := GuestGroup{ID: fmt.Sprintf("grp_%d", f.n), Name: in.Name, Description: in.Description}
	f.groups[g.ID] = g
	return &g, nil
}

func (f *fakeGroups) Update(ctx context.Context, id string, data map[string]any) (*GuestGroup, error) {
	if err := f.record("update:" + id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, &APIError{Status: 404, Code: "not_found", Message: "group not found"}
	}
	g, err := ApplyPatch(g, data)
	if err != nil {
		return nil, err
	}
	f.groups[id] = g
	return &g, nil
}

func (f *fakeGroups) Delete(ctx context.Context, id string) error {
	if err := f.record("delete:" + id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[id]; !ok {
		return &APIError{Status: 404, Code: "not_found", Message: "group not found"}
	}
	delete(f.groups, id)
	return nil
}

// fakeProber answers health checks from a switchable error.
type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
	delay time.Duration
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProber) Health(ctx context.Context) error {
	p.mu.Lock()
	p.calls++
	err, delay := p.err, p.delay
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// recordingHaptics counts feedback calls.
type recordingHaptics struct {
	mu               sync.Mutex
	success, failure int
}

func (h *recordingHaptics) Success() {
	h.mu.Lock()
	h.success++
	h.mu.Unlock()
}

func (h *recordingHaptics) Error() {
	h.mu.Lock()
	h.failure++
	h.mu.Unlock()
}

func (h *recordingHaptics) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.success, h.failure
}
