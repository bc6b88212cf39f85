package store

import (
	"errors"

	"github.com/standforge/standforge/pkg/types"
)

// ErrNotFound is returned when a table has no entry for the requested key.
var ErrNotFound = errors.New("entry not found")

// Store is the durable home of the orchestration state: the template replica
// table and the bridge allocation table. Both outlive a single deployment
// run and are loaded before, and flushed after, every run.
type Store interface {
	// Template replicas
	PutReplica(r *types.TemplateReplica) error
	GetReplica(key types.ReplicaKey) (*types.TemplateReplica, error)
	ListReplicas() ([]*types.TemplateReplica, error)
	DeleteReplica(key types.ReplicaKey) error

	// Bridge allocations
	PutBridge(a *types.BridgeAllocation) error
	GetBridge(key types.BridgeKey) (*types.BridgeAllocation, error)
	ListBridges() ([]*types.BridgeAllocation, error)
	DeleteBridge(key types.BridgeKey) error

	// Utility
	Sync() error
	Close() error
}
