package replication

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Phase of the applier state machine.
type Phase string

const (
	PhaseStopped    Phase = "stopped"
	PhaseConnecting Phase = "connecting"
	PhaseRunning    Phase = "running"
	PhaseError      Phase = "error"
)

// Properties is the user visible applier configuration.
type Properties struct {
	Endpoint  string `json:"endpoint"`
	AutoStart bool   `json:"autoStart"`
}

// State is a point in time view of the applier.
type State struct {
	Phase Phase `json:"phase"`
	// Running is true while the applier goroutine is alive, whether it is
	// connected or waiting to reconnect.
	Running             bool   `json:"running"`
	TotalFailedConnects uint64 `json:"totalFailedConnects"`
	LastAppliedTick     uint64 `json:"lastAppliedTick"`
	Endpoint            string `json:"endpoint"`
	AutoStart           bool   `json:"autoStart"`
	LastError           string `json:"lastError,omitempty"`
}

// PersistedState is what survives a restart.
type PersistedState struct {
	Properties
	TotalFailedConnects uint64 `json:"totalFailedConnects"`
	LastAppliedTick     uint64 `json:"lastAppliedTick"`
}

// StateStore persists the applier state.
type StateStore interface {
	Load() (PersistedState, error)
	Save(PersistedState) error
}

var (
	bucketApplier = []byte("applier")
	keyState      = []byte("state")
)

// BoltStateStore keeps the applier state in a bolt bucket.
type BoltStateStore struct {
	db *bolt.DB
}

// NewBoltStateStore creates the applier bucket in db if needed.
func NewBoltStateStore(db *bolt.DB) (*BoltStateStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketApplier)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create applier bucket: %w", err)
	}
	return &BoltStateStore{db: db}, nil
}

// Load implements StateStore.
func (s *BoltStateStore) Load() (PersistedState, error) {
	var st PersistedState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApplier).Get(keyState)
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return PersistedState{}, fmt.Errorf("load applier state: %w", err)
	}
	return st, nil
}

// Save implements StateStore.
func (s *BoltStateStore) Save(st PersistedState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApplier).Put(keyState, data)
	})
}

// MemoryStateStore keeps the state in memory, for ephemeral appliers.
type MemoryStateStore struct {
	mu sync.Mutex
	st PersistedState
}

// Load implements StateStore.
func (m *MemoryStateStore) Load() (PersistedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

// Save implements StateStore.
func (m *MemoryStateStore) Save(st PersistedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st
	return nil
}
