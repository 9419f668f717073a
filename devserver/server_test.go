package devserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestlist-app/guestsync"
)

func newTestServer(t *testing.T) (*Server, *guestsync.Client) {
	t.Helper()
	s := New()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, guestsync.NewClient(ts.URL)
}

func TestServer_GuestLifecycle(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)

	g, err := client.Guests.Create(ctx, guestsync.GuestInput{Name: "Asha", Contact: "+1 555 0100"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(g.ID, "g_"))
	assert.Equal(t, "+1 555 0100", g.Phone)
	assert.Empty(t, g.Contact)

	updated, err := client.Guests.Update(ctx, g.ID, map[string]any{"invited": true})
	require.NoError(t, err)
	assert.True(t, updated.Invited)
	assert.Equal(t, "Asha", updated.Name)

	list, err := client.Guests.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Invited)

	require.NoError(t, client.Guests.Delete(ctx, g.ID))
	assert.Empty(t, s.Guests())

	err = client.Guests.Delete(ctx, g.ID)
	var apiErr *guestsync.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestServer_BulkUpdate(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)
	a := s.SeedGuest(guestsync.Guest{Name: "Asha"})
	b := s.SeedGuest(guestsync.Guest{Name: "Bilal"})

	out, err := client.Guests.BulkUpdate(ctx, []string{a.ID, b.ID}, map[string]any{"invited": true})
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, g := range s.Guests() {
		assert.True(t, g.Invited, g.Name)
	}

	// All or nothing.
	_, err = client.Guests.BulkUpdate(ctx, []string{a.ID, "g_missing"}, map[string]any{"name": "x"})
	assert.Equal(t, guestsync.ErrServerRejected, guestsync.Classify(err))
	assert.Equal(t, "Asha", s.Guests()[0].Name)
}

func TestServer_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)

	_, err := client.Guests.Create(ctx, guestsync.GuestInput{Email: "bad"})
	var apiErr *guestsync.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "validation_failed", apiErr.Code)

	g := s.SeedGuest(guestsync.Guest{Name: "Asha"})
	_, err = client.Guests.Update(ctx, g.ID, map[string]any{"name": "  "})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_patch", apiErr.Code)

	_, err = client.Guests.BulkUpdate(ctx, []string{g.ID}, map[string]any{"invited": "yes"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_patch", apiErr.Code)
	assert.False(t, s.Guests()[0].Invited)
}

func TestServer_Groups(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)

	grp, err := client.Groups.Create(ctx, guestsync.GroupInput{Name: "Family"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(grp.ID, "grp_"))

	grp, err = client.Groups.Update(ctx, grp.ID, map[string]any{"description": "close"})
	require.NoError(t, err)
	assert.Equal(t, "close", grp.Description)

	list, err := client.Groups.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, client.Groups.Delete(ctx, grp.ID))
	assert.Empty(t, s.Groups())
}

func TestServer_FailNext(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)
	s.FailNext(1, http.StatusInternalServerError)

	_, err := client.Guests.Create(ctx, guestsync.GuestInput{Name: "Asha"})
	assert.Equal(t, guestsync.ErrUnknown, guestsync.Classify(err))
	assert.Empty(t, s.Guests(), "failed calls must not change data")

	_, err = client.Guests.Create(ctx, guestsync.GuestInput{Name: "Asha"})
	require.NoError(t, err)
	assert.Len(t, s.Guests(), 1)
	assert.Len(t, s.Requests(), 2)
}

func TestServer_DropResponsesCommitsButLooksLikeNetworkFailure(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)
	s.DropResponses(1)

	_, err := client.Guests.Create(ctx, guestsync.GuestInput{Name: "Asha"})
	require.Error(t, err)
	assert.Equal(t, guestsync.ErrNetworkUnavailable, guestsync.Classify(err))
	assert.Len(t, s.Guests(), 1)
}

func TestServer_Down(t *testing.T) {
	ctx := context.Background()
	s, client := newTestServer(t)
	require.NoError(t, client.Health(ctx))

	s.SetDown(true)
	err := client.Health(ctx)
	var apiErr *guestsync.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)

	_, err = client.Guests.List(ctx)
	assert.Equal(t, guestsync.ErrNetworkUnavailable, guestsync.Classify(err))

	s.SetDown(false)
	assert.NoError(t, client.Health(ctx))
}

func TestServer_Metrics(t *testing.T) {
	s := New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "go_goroutines")
}
