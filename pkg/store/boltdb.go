package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/standforge/standforge/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketReplicas = []byte("template_replicas")
	bucketBridges  = []byte("bridge_allocations")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the state database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "standforge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReplicas, bucketBridges} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Sync forces the database file to disk. Writes are already transactional;
// this is the explicit end-of-run checkpoint.
func (s *BoltStore) Sync() error {
	return s.db.Sync()
}

// Template replica operations

func (s *BoltStore) PutReplica(r *types.TemplateReplica) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicas)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.Key().String()), data)
	})
}

func (s *BoltStore) GetReplica(key types.ReplicaKey) (*types.TemplateReplica, error) {
	var replica types.TemplateReplica
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicas)
		data := b.Get([]byte(key.String()))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &replica)
	})
	if err != nil {
		return nil, err
	}
	return &replica, nil
}

func (s *BoltStore) ListReplicas() ([]*types.TemplateReplica, error) {
	var replicas []*types.TemplateReplica
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicas)
		return b.ForEach(func(k, v []byte) error {
			var replica types.TemplateReplica
			if err := json.Unmarshal(v, &replica); err != nil {
				return err
			}
			replicas = append(replicas, &replica)
			return nil
		})
	})
	return replicas, err
}

func (s *BoltStore) DeleteReplica(key types.ReplicaKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReplicas)
		return b.Delete([]byte(key.String()))
	})
}

// Bridge allocation operations

func (s *BoltStore) PutBridge(a *types.BridgeAllocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBridges)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.Key().String()), data)
	})
}

func (s *BoltStore) GetBridge(key types.BridgeKey) (*types.BridgeAllocation, error) {
	var alloc types.BridgeAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBridges)
		data := b.Get([]byte(key.String()))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &alloc)
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (s *BoltStore) ListBridges() ([]*types.BridgeAllocation, error) {
	var allocs []*types.BridgeAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBridges)
		return b.ForEach(func(k, v []byte) error {
			var alloc types.BridgeAllocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocs = append(allocs, &alloc)
			return nil
		})
	})
	return allocs, err
}

func (s *BoltStore) DeleteBridge(key types.BridgeKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBridges)
		return b.Delete([]byte(key.String()))
	})
}
