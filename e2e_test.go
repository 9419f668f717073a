package guestsync_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestlist-app/guestsync"
	"github.com/guestlist-app/guestsync/devserver"
)

func startServer(t *testing.T) (*devserver.Server, string) {
	t.Helper()
	srv := devserver.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseClients()
		ts.Close()
	})
	return srv, ts.URL
}

func newManager(t *testing.T, url string, opts ...guestsync.ManagerOption) *guestsync.Manager {
	t.Helper()
	base := []guestsync.ManagerOption{
		guestsync.WithDataDir(t.TempDir()),
		guestsync.WithProbeInterval(time.Hour),
		guestsync.WithSettleDelay(10 * time.Millisecond),
	}
	m, err := guestsync.NewManager(guestsync.NewClient(url, guestsync.WithTimeout(2*time.Second)), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestEndToEnd_LostResponseIsReplayed(t *testing.T) {
	ctx := context.Background()
	srv, url := startServer(t)
	m := newManager(t, url)

	// Never probed, so the manager starts out offline.
	_, err := m.AddGuest(ctx, guestsync.GuestInput{Name: "Asha"})
	require.NoError(t, err)

	srv.DropResponses(1)
	res, err := m.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)
	assert.Len(t, srv.Guests(), 1, "the server applied the lost request")

	res, err = m.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Remaining)

	// Replay is at-least-once: the retried create is not deduplicated.
	assert.Len(t, srv.Guests(), 2)
}

func TestEndToEnd_ReconnectDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, url := startServer(t)
	srv.SetDown(true)

	m := newManager(t, url)
	m.Start(ctx)
	require.False(t, m.Online())

	asha, err := m.AddGuest(ctx, guestsync.GuestInput{Name: "Asha", Phone: "555-0100"})
	require.NoError(t, err)
	require.True(t, guestsync.IsTempID(asha.ID))
	_, err = m.CreateGroup(ctx, guestsync.GroupInput{Name: "Family"})
	require.NoError(t, err)

	srv.SetDown(false)
	m.SetPlatformOnline(true)

	require.Eventually(t, func() bool {
		n, err := m.PendingCount(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.True(t, m.Online())

	guests := srv.Guests()
	require.Len(t, guests, 1)
	assert.Equal(t, "Asha", guests[0].Name)
	assert.Len(t, srv.Groups(), 1)

	cached, err := m.Cache().Guests(ctx)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, guests[0].ID, cached[0].ID)
	assert.False(t, cached[0].PendingSync)

	// Online with an empty queue: straight to the server.
	bilal, err := m.AddGuest(ctx, guestsync.GuestInput{Name: "Bilal"})
	require.NoError(t, err)
	assert.False(t, guestsync.IsTempID(bilal.ID))
}

func TestEndToEnd_TempGroupResolved(t *testing.T) {
	ctx := context.Background()
	srv, url := startServer(t)
	m := newManager(t, url, guestsync.WithResolveTempIDs(true))

	grp, err := m.CreateGroup(ctx, guestsync.GroupInput{Name: "Family"})
	require.NoError(t, err)
	_, err = m.AddGuest(ctx, guestsync.GuestInput{Name: "Asha", Group: grp.ID})
	require.NoError(t, err)

	res, err := m.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Succeeded)

	groups := srv.Groups()
	guests := srv.Guests()
	require.Len(t, groups, 1)
	require.Len(t, guests, 1)
	assert.Equal(t, groups[0].ID, guests[0].Group)
}

func TestEndToEnd_UpdateOfTempIDStaysQueuedByDefault(t *testing.T) {
	ctx := context.Background()
	srv, url := startServer(t)
	m := newManager(t, url)

	asha, err := m.AddGuest(ctx, guestsync.GuestInput{Name: "Asha"})
	require.NoError(t, err)
	_, err = m.UpdateGuest(ctx, asha.ID, map[string]any{"invited": true})
	require.NoError(t, err)

	res, err := m.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)

	guests := srv.Guests()
	require.Len(t, guests, 1)
	assert.False(t, guests[0].Invited)
}

func TestEndToEnd_RealtimePushUpdatesCache(t *testing.T) {
	ctx := context.Background()
	srv, url := startServer(t)
	m := newManager(t, url)

	rt := m.Realtime(url, &guestsync.RealtimeConfig{HeartbeatInterval: time.Hour})
	changed := make(chan string, 4)
	rt.On(guestsync.PushGuestChanged, func(eventType string, _ json.RawMessage) { changed <- eventType })

	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()
	assert.Equal(t, guestsync.RealtimeConnected, rt.State())
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, time.Second, 5*time.Millisecond)

	// The link coming up counts as a platform online signal.
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)

	other := guestsync.NewClient(url)
	g, err := other.Guests.Create(ctx, guestsync.GuestInput{Name: "Chen"})
	require.NoError(t, err)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no push received")
	}
	require.Eventually(t, func() bool {
		cached, err := m.Cache().Guest(ctx, g.ID)
		return err == nil && cached != nil && cached.Name == "Chen"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, other.Guests.Delete(ctx, g.ID))
	require.Eventually(t, func() bool {
		cached, err := m.Cache().Guest(ctx, g.ID)
		return err == nil && cached == nil
	}, time.Second, 5*time.Millisecond)
}

func TestEndToEnd_RealtimeKeepsPendingLocalEdits(t *testing.T) {
	ctx := context.Background()
	srv, url := startServer(t)
	seeded := srv.SeedGuest(guestsync.Guest{Name: "Dana"})

	m := newManager(t, url)
	require.NoError(t, m.Cache().Upsert(ctx, guestsync.KindGuest, guestsync.Guest{ID: seeded.ID, Name: "Dana (local)", PendingSync: true}))

	rt := m.Realtime(url, &guestsync.RealtimeConfig{HeartbeatInterval: time.Hour})
	changed := make(chan struct{}, 1)
	rt.On(guestsync.PushGuestChanged, func(string, json.RawMessage) { changed <- struct{}{} })
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, time.Second, 5*time.Millisecond)

	_, err := guestsync.NewClient(url).Guests.Update(ctx, seeded.ID, map[string]any{"name": "Dana (server)"})
	require.NoError(t, err)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no push received")
	}
	cached, err := m.Cache().Guest(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dana (local)", cached.Name)
}

func TestEndToEnd_RealtimeLinkDropProbes(t *testing.T) {
	ctx := context.Background()
	srv, url := startServer(t)
	m := newManager(t, url)

	rt := m.Realtime(url, &guestsync.RealtimeConfig{HeartbeatInterval: time.Hour})
	require.NoError(t, rt.Connect(ctx))
	defer rt.Disconnect()
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, time.Second, 5*time.Millisecond)

	srv.SetDown(true)
	srv.CloseClients()

	require.Eventually(t, func() bool { return rt.State() == guestsync.RealtimeDisconnected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !m.Online() }, 2*time.Second, 10*time.Millisecond)
}
