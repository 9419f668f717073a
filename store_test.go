package guestsync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Store
// ============================================================================

func TestOpen_CreatesSchemaAtCurrentVersion(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
	assert.Equal(t, filepath.Join(dir, DatabaseName), s.Path())
}

func TestOpen_UpgradeFromV1KeepsData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	old, err := openAt(ctx, dir, 1)
	require.NoError(t, err)
	v, err := old.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	require.NoError(t, old.Cache().Upsert(ctx, KindGuest, Guest{ID: "g_1", Name: "Asha"}))
	_, err = old.Queue().Enqueue(ctx, ActionDeleteGuest, DeletePayload{ID: "g_9"})
	require.NoError(t, err)
	require.NoError(t, old.Close())

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	defer s.Close()

	v, err = s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)

	guests, err := s.Cache().Guests(ctx)
	require.NoError(t, err)
	require.Len(t, guests, 1)
	assert.Equal(t, "Asha", guests[0].Name)

	n, err := s.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Collections added by later versions are usable.
	require.NoError(t, s.Aliases().Put(ctx, "temp_1_x", "g_1"))
	dead, err := s.Queue().DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
}

// ============================================================================
// Cache
// ============================================================================

func TestCache_GetAllEmpty(t *testing.T) {
	c := openTestStore(t).Cache()

	docs, err := c.GetAll(context.Background(), KindGuest)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestCache_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	c := s.Cache()
	require.NoError(t, c.ReplaceAll(ctx, KindGuest, []Entity{
		Guest{ID: "g_1", Name: "Asha"},
		Guest{ID: "g_2", Name: "Bilal"},
	}))
	require.NoError(t, c.Upsert(ctx, KindGroup, GuestGroup{ID: "grp_1", Name: "Family"}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir)
	require.NoError(t, err)
	defer s.Close()

	docs, err := s.Cache().GetAll(ctx, KindGuest)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	var first Guest
	require.NoError(t, json.Unmarshal(docs[0], &first))
	assert.Equal(t, "g_1", first.ID)

	groups, err := s.Cache().Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Family", groups[0].Name)
}

func TestCache_ReplaceAllDropsMissing(t *testing.T) {
	ctx := context.Background()
	c := openTestStore(t).Cache()

	require.NoError(t, c.ReplaceAll(ctx, KindGuest, []Entity{Guest{ID: "g_1", Name: "A"}, Guest{ID: "g_2", Name: "B"}}))
	require.NoError(t, c.ReplaceAll(ctx, KindGuest, []Entity{Guest{ID: "g_3", Name: "C"}}))

	guests, err := c.Guests(ctx)
	require.NoError(t, err)
	require.Len(t, guests, 1)
	assert.Equal(t, "g_3", guests[0].ID)

	// Replacing with nothing empties the collection.
	require.NoError(t, c.ReplaceAll(ctx, KindGuest, nil))
	guests, err = c.Guests(ctx)
	require.NoError(t, err)
	assert.Empty(t, guests)
}

func TestCache_UpsertOverwritesInPlace(t *testing.T) {
	ctx := context.Background()
	c := openTestStore(t).Cache()

	require.NoError(t, c.Upsert(ctx, KindGuest, Guest{ID: "g_1", Name: "Asha"}))
	require.NoError(t, c.Upsert(ctx, KindGuest, Guest{ID: "g_2", Name: "Bilal"}))
	require.NoError(t, c.Upsert(ctx, KindGuest, Guest{ID: "g_1", Name: "Asha K", Invited: true}))

	guests, err := c.Guests(ctx)
	require.NoError(t, err)
	require.Len(t, guests, 2)
	assert.Equal(t, "Asha K", guests[0].Name)
	assert.True(t, guests[0].Invited)

	g, err := c.Guest(ctx, "g_2")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "Bilal", g.Name)

	missing, err := c.Guest(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCache_UpsertRequiresID(t *testing.T) {
	c := openTestStore(t).Cache()
	assert.Error(t, c.Upsert(context.Background(), KindGuest, Guest{Name: "no id"}))
}

func TestCache_RemoveAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	c := openTestStore(t).Cache()

	require.NoError(t, c.Upsert(ctx, KindGroup, GuestGroup{ID: "grp_1", Name: "Work"}))
	require.NoError(t, c.Remove(ctx, KindGroup, "grp_404"))
	require.NoError(t, c.Remove(ctx, KindGroup, "grp_1"))
	require.NoError(t, c.Remove(ctx, KindGroup, "grp_1"))

	groups, err := c.Groups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestCache_NormalizesLegacyContactOnRead(t *testing.T) {
	ctx := context.Background()
	c := openTestStore(t).Cache()

	require.NoError(t, c.Upsert(ctx, KindGuest, Guest{ID: "g_1", Name: "Old", Contact: "old@example.com"}))
	require.NoError(t, c.Upsert(ctx, KindGuest, Guest{ID: "g_2", Name: "Older", Contact: "555-0100"}))

	guests, err := c.Guests(ctx)
	require.NoError(t, err)
	require.Len(t, guests, 2)
	assert.Equal(t, "old@example.com", guests[0].Email)
	assert.Empty(t, guests[0].Contact)
	assert.Equal(t, "555-0100", guests[1].Phone)
}

func TestCache_UnknownKind(t *testing.T) {
	c := openTestStore(t).Cache()
	_, err := c.GetAll(context.Background(), EntityKind("table"))
	assert.Error(t, err)
}

func TestCache_ClosedStoreReportsStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := s.Cache()
	require.NoError(t, c.Upsert(ctx, KindGuest, Guest{ID: "g_1", Name: "Asha"}))
	require.NoError(t, s.Close())

	_, err := c.Guests(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	_, err = c.Guest(ctx, "g_1")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	err = c.Upsert(ctx, KindGuest, Guest{ID: "g_2", Name: "Bilal"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	err = c.ReplaceAll(ctx, KindGuest, nil)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	err = c.Remove(ctx, KindGuest, "g_1")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

// ============================================================================
// Queue
// ============================================================================

func TestQueue_ClosedStoreReportsStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	q := s.Queue()
	a, err := q.Enqueue(ctx, ActionDeleteGuest, DeletePayload{ID: "g_1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = q.Enqueue(ctx, ActionDeleteGuest, DeletePayload{ID: "g_2"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	_, err = q.ListPending(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	_, err = q.Len(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, q.Dequeue(ctx, a.Seq), ErrStorageUnavailable)
	assert.ErrorIs(t, q.MarkFailed(ctx, a.Seq, errors.New("boom")), ErrStorageUnavailable)
	assert.ErrorIs(t, q.DeadLetter(ctx, *a, errors.New("boom")), ErrStorageUnavailable)
	_, err = q.DeadLetters(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestQueue_FIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := openTestStore(t).Queue()

	a1, err := q.Enqueue(ctx, ActionAddGuest, AddGuestPayload{Guest: GuestInput{Name: "Asha"}})
	require.NoError(t, err)
	a2, err := q.Enqueue(ctx, ActionUpdateGuest, UpdatePayload{ID: "g_1", Data: map[string]any{"invited": true}})
	require.NoError(t, err)
	a3, err := q.Enqueue(ctx, ActionDeleteGroup, DeletePayload{ID: "grp_1"})
	require.NoError(t, err)
	assert.Less(t, a1.Seq, a2.Seq)
	assert.Less(t, a2.Seq, a3.Seq)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []ActionKind{ActionAddGuest, ActionUpdateGuest, ActionDeleteGroup},
		[]ActionKind{pending[0].Kind, pending[1].Kind, pending[2].Kind})

	var p UpdatePayload
	require.NoError(t, pending[1].Decode(&p))
	assert.Equal(t, "g_1", p.ID)
	assert.Equal(t, true, p.Data["invited"])
}

func TestQueue_DequeueTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	q := openTestStore(t).Queue()

	a, err := q.Enqueue(ctx, ActionDeleteGuest, DeletePayload{ID: "g_1"})
	require.NoError(t, err)

	require.NoError(t, q.Dequeue(ctx, a.Seq))
	require.NoError(t, q.Dequeue(ctx, a.Seq))
	require.NoError(t, q.Dequeue(ctx, 12345))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_RejectsUnknownKind(t *testing.T) {
	q := openTestStore(t).Queue()
	_, err := q.Enqueue(context.Background(), ActionKind("reorder-guests"), nil)
	assert.Error(t, err)
}

func TestQueue_SeqNotReusedAfterDequeue(t *testing.T) {
	ctx := context.Background()
	q := openTestStore(t).Queue()

	a, err := q.Enqueue(ctx, ActionDeleteGuest, DeletePayload{ID: "g_1"})
	require.NoError(t, err)
	require.NoError(t, q.Dequeue(ctx, a.Seq))

	b, err := q.Enqueue(ctx, ActionDeleteGuest, DeletePayload{ID: "g_2"})
	require.NoError(t, err)
	assert.Greater(t, b.Seq, a.Seq)
}

func TestQueue_MarkFailedKeepsPosition(t *testing.T) {
	ctx := context.Background()
	q := openTestStore(t).Queue()

	a, err := q.Enqueue(ctx, ActionDeleteGuest, DeletePayload{ID: "g_1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, ActionDeleteGuest, DeletePayload{ID: "g_2"})
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, a.Seq, errors.New("boom")))
	require.NoError(t, q.MarkFailed(ctx, a.Seq, errors.New("boom again")))

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.Seq, pending[0].Seq)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "boom again", pending[0].LastError)
	assert.Zero(t, pending[1].Attempts)
}

func TestQueue_DeadLetter(t *testing.T) {
	ctx := context.Background()
	q := openTestStore(t).Queue()

	a, err := q.Enqueue(ctx, ActionUpdateGuest, UpdatePayload{ID: "g_1", Data: map[string]any{"name": ""}})
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, *a, errors.New("http 400")))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, a.Seq, dead[0].Seq)
	assert.Equal(t, ActionUpdateGuest, dead[0].Kind)
	assert.Equal(t, 1, dead[0].Attempts)
	assert.Equal(t, "http 400", dead[0].LastError)
}

func TestQueue_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	_, err = s.Queue().Enqueue(ctx, ActionCreateGroup, CreateGroupPayload{TempID: "temp_1_a", Group: GroupInput{Name: "Work"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir)
	require.NoError(t, err)
	defer s.Close()

	pending, err := s.Queue().ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	var p CreateGroupPayload
	require.NoError(t, pending[0].Decode(&p))
	assert.Equal(t, "Work", p.Group.Name)
	assert.Equal(t, "temp_1_a", p.TempID)
}

// ============================================================================
// Aliases
// ============================================================================

func TestAliases_Resolve(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	a := s.Aliases()

	require.NoError(t, a.Put(ctx, "temp_123", "g_42"))

	id, err := a.Resolve(ctx, "temp_123")
	require.NoError(t, err)
	assert.Equal(t, "g_42", id)

	id, err = a.Resolve(ctx, "temp_999")
	require.NoError(t, err)
	assert.Equal(t, "temp_999", id)

	id, err = a.Resolve(ctx, "g_7")
	require.NoError(t, err)
	assert.Equal(t, "g_7", id)

	// A fresh table has a cold LRU and reads through to the store.
	serverID, ok, err := s.Aliases().Lookup(ctx, "temp_123")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "g_42", serverID)
}
