package guestsync

import (
	"context"
	"database/sql"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const aliasCacheSize = 512

// AliasTable maps temporary client IDs to the server IDs that replaced them.
// Lookups are memoized in an LRU in front of the id_aliases collection.
type AliasTable struct {
	db  *sql.DB
	lru *lru.Cache[string, string]
}

// Aliases returns the temp-ID alias table backed by s.
func (s *Store) Aliases() *AliasTable {
	c, _ := lru.New[string, string](aliasCacheSize)
	return &AliasTable{db: s.db, lru: c}
}

// Put records that tempID is now known to the server as serverID.
func (a *AliasTable) Put(ctx context.Context, tempID, serverID string) error {
	_, err := a.db.ExecContext(ctx,
		"INSERT INTO id_aliases (temp_id, server_id, created_at) VALUES (?, ?, ?) ON CONFLICT(temp_id) DO UPDATE SET server_id = excluded.server_id",
		tempID, serverID, time.Now().UnixMilli())
	if err != nil {
		return storageErr("alias put", err)
	}
	a.lru.Add(tempID, serverID)
	return nil
}

// Lookup returns the server ID for tempID, if one has been recorded.
func (a *AliasTable) Lookup(ctx context.Context, tempID string) (string, bool, error) {
	if id, ok := a.lru.Get(tempID); ok {
		return id, true, nil
	}
	var serverID string
	err := a.db.QueryRowContext(ctx, "SELECT server_id FROM id_aliases WHERE temp_id = ?", tempID).Scan(&serverID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("alias lookup", err)
	}
	a.lru.Add(tempID, serverID)
	return serverID, true, nil
}

// Resolve returns the server ID for id when id is an aliased temp ID, and id
// itself otherwise.
func (a *AliasTable) Resolve(ctx context.Context, id string) (string, error) {
	if !IsTempID(id) {
		return id, nil
	}
	serverID, ok, err := a.Lookup(ctx, id)
	if err != nil || !ok {
		return id, err
	}
	return serverID, nil
}
