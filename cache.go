package guestsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Cache is the local mirror of server entities. It is best effort: callers
// treat ErrStorageUnavailable as "carry on without the cache".
type Cache struct {
	db *sql.DB
}

// Cache returns the entity mirror backed by s.
func (s *Store) Cache() *Cache {
	return &Cache{db: s.db}
}

// GetAll returns every cached document of kind in insertion order.
func (c *Cache) GetAll(ctx context.Context, kind EntityKind) ([]json.RawMessage, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, "SELECT doc FROM "+table+" ORDER BY seq")
	if err != nil {
		return nil, storageErr("cache get all", err)
	}
	defer rows.Close()

	docs := []json.RawMessage{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, storageErr("cache get all", err)
		}
		docs = append(docs, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("cache get all", err)
	}
	return docs, nil
}

// Guests returns the cached guests, normalized.
func (c *Cache) Guests(ctx context.Context) ([]Guest, error) {
	docs, err := c.GetAll(ctx, KindGuest)
	if err != nil {
		return nil, err
	}
	out := make([]Guest, 0, len(docs))
	for _, d := range docs {
		var g Guest
		if err := json.Unmarshal(d, &g); err != nil {
			return nil, fmt.Errorf("decode cached guest: %w", err)
		}
		out = append(out, NormalizeGuest(g))
	}
	return out, nil
}

// Groups returns the cached guest groups.
func (c *Cache) Groups(ctx context.Context) ([]GuestGroup, error) {
	docs, err := c.GetAll(ctx, KindGroup)
	if err != nil {
		return nil, err
	}
	out := make([]GuestGroup, 0, len(docs))
	for _, d := range docs {
		var g GuestGroup
		if err := json.Unmarshal(d, &g); err != nil {
			return nil, fmt.Errorf("decode cached group: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Guest returns one cached guest, or nil if it is not cached.
func (c *Cache) Guest(ctx context.Context, id string) (*Guest, error) {
	var g Guest
	ok, err := c.get(ctx, KindGuest, id, &g)
	if err != nil || !ok {
		return nil, err
	}
	g = NormalizeGuest(g)
	return &g, nil
}

// Group returns one cached group, or nil if it is not cached.
func (c *Cache) Group(ctx context.Context, id string) (*GuestGroup, error) {
	var g GuestGroup
	ok, err := c.get(ctx, KindGroup, id, &g)
	if err != nil || !ok {
		return nil, err
	}
	return &g, nil
}

func (c *Cache) get(ctx context.Context, kind EntityKind, id string, v any) (bool, error) {
	table, err := kind.table()
	if err != nil {
		return false, err
	}
	var doc string
	err = c.db.QueryRowContext(ctx, "SELECT doc FROM "+table+" WHERE id = ?", id).Scan(&doc)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageErr("cache get", err)
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", kind, err)
	}
	return true, nil
}

// ReplaceAll clears kind and stores entities in a single transaction, so a
// reader never sees a half-cleared mirror.
func (c *Cache) ReplaceAll(ctx context.Context, kind EntityKind, entities []Entity) error {
	table, err := kind.table()
	if err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("cache replace all", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return storageErr("cache replace all", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+table+" (id, doc) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc")
	if err != nil {
		return storageErr("cache replace all", err)
	}
	defer stmt.Close()

	for _, e := range entities {
		doc, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", kind, e.EntityID(), err)
		}
		if _, err := stmt.ExecContext(ctx, e.EntityID(), string(doc)); err != nil {
			return storageErr("cache replace all", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("cache replace all", err)
	}
	return nil
}

// Upsert inserts or overwrites one entity by ID. An existing entity keeps its
// position in insertion order.
func (c *Cache) Upsert(ctx context.Context, kind EntityKind, e Entity) error {
	table, err := kind.table()
	if err != nil {
		return err
	}
	if e.EntityID() == "" {
		return fmt.Errorf("upsert %s: empty id", kind)
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, e.EntityID(), err)
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO "+table+" (id, doc) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET doc = excluded.doc",
		e.EntityID(), string(doc))
	if err != nil {
		return storageErr("cache upsert", err)
	}
	return nil
}

// Remove deletes one entity; removing an absent ID is not an error.
func (c *Cache) Remove(ctx context.Context, kind EntityKind, id string) error {
	table, err := kind.table()
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return storageErr("cache remove", err)
	}
	return nil
}

func guestEntities(gs []Guest) []Entity {
	out := make([]Entity, len(gs))
	for i, g := range gs {
		out[i] = g
	}
	return out
}

func groupEntities(gs []GuestGroup) []Entity {
	out := make([]Entity, len(gs))
	for i, g := range gs {
		out[i] = g
	}
	return out
}
