package migration

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrUnknownShard = errors.New("migration: unknown shard")

// ReplicaSet is the routing entry of one shard.
type ReplicaSet struct {
	ShardID   string   `json:"shardId"`
	Leader    string   `json:"leader"`
	Followers []string `json:"followers"`
	// CatchingUp lists destinations that are being filled.
	CatchingUp          []string `json:"catchingUp,omitempty"`
	MigrationInProgress bool     `json:"migrationInProgress"`
}

func (rs ReplicaSet) clone() ReplicaSet {
	rs.Followers = slices.Clone(rs.Followers)
	rs.CatchingUp = slices.Clone(rs.CatchingUp)
	return rs
}

// Router receives the routing changes of a migration.
type Router interface {
	Begin(shardID, from, to string) error
	Cutover(shardID, from, to string) error
	Abort(shardID string) error
}

// ReplicaTable is an in-memory Router.
type ReplicaTable struct {
	mu     sync.RWMutex
	shards map[string]ReplicaSet
}

var _ Router = (*ReplicaTable)(nil)

// NewReplicaTable creates a table holding sets.
func NewReplicaTable(sets ...ReplicaSet) *ReplicaTable {
	t := &ReplicaTable{shards: make(map[string]ReplicaSet)}
	for _, rs := range sets {
		t.shards[rs.ShardID] = rs.clone()
	}
	return t
}

// Get returns the replica set of shardID.
func (t *ReplicaTable) Get(shardID string) (ReplicaSet, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rs, ok := t.shards[shardID]
	return rs.clone(), ok
}

// Route returns the node that takes writes for shardID.
func (t *ReplicaTable) Route(shardID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rs, ok := t.shards[shardID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownShard, shardID)
	}
	return rs.Leader, nil
}

func (t *ReplicaTable) update(shardID string, fn func(*ReplicaSet) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.shards[shardID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownShard, shardID)
	}
	if err := fn(&rs); err != nil {
		return err
	}
	t.shards[shardID] = rs
	return nil
}

// Begin implements Router.
func (t *ReplicaTable) Begin(shardID, from, to string) error {
	return t.update(shardID, func(rs *ReplicaSet) error {
		if rs.Leader != from {
			return fmt.Errorf("migration: shard %s is led by %s, not %s", shardID, rs.Leader, from)
		}
		if rs.MigrationInProgress {
			return fmt.Errorf("migration: shard %s is already migrating", shardID)
		}
		rs.MigrationInProgress = true
		rs.CatchingUp = []string{to}
		return nil
	})
}

// Cutover implements Router. The old leader stays on as a follower.
func (t *ReplicaTable) Cutover(shardID, from, to string) error {
	return t.update(shardID, func(rs *ReplicaSet) error {
		rs.Leader = to
		rs.Followers = slices.DeleteFunc(rs.Followers, func(id string) bool { return id == to })
		if !slices.Contains(rs.Followers, from) {
			rs.Followers = append(rs.Followers, from)
		}
		rs.CatchingUp = nil
		rs.MigrationInProgress = false
		return nil
	})
}

// Abort implements Router.
func (t *ReplicaTable) Abort(shardID string) error {
	return t.update(shardID, func(rs *ReplicaSet) error {
		rs.CatchingUp = nil
		rs.MigrationInProgress = false
		return nil
	})
}
