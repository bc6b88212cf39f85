package replicate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/standforge/standforge/pkg/log"
	"github.com/standforge/standforge/pkg/store"
	"github.com/standforge/standforge/pkg/types"
)

// ExistsFunc reports whether vmid is present on node as a template. It is
// how a cached mapping is checked against cluster reality.
type ExistsFunc func(ctx context.Context, node string, vmid int) bool

// MappingStore caches the template replica table in memory on top of the
// persistent store. The cache is the working set of one run; the store is
// what survives between runs. Entries are never trusted blindly: readers go
// through VerifyAndGet, and an entry whose template no longer exists is
// evicted from both layers.
type MappingStore struct {
	store  store.Store
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[types.ReplicaKey]*types.TemplateReplica
}

// NewMappingStore returns a mapping store over st with an empty cache.
func NewMappingStore(st store.Store) *MappingStore {
	return &MappingStore{
		store:  st,
		logger: log.WithComponent("replicate"),
		cache:  map[types.ReplicaKey]*types.TemplateReplica{},
	}
}

// Load fills the cache from the store. A read problem leaves the cache
// empty and is not fatal: every entry is re-verified on use anyway, and a
// cold cache only costs extra clones.
func (m *MappingStore) Load() {
	replicas, err := m.store.ListReplicas()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to load replica table, starting cold")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rep := range replicas {
		m.cache[rep.Key()] = rep
	}
	m.logger.Debug().Int("entries", len(replicas)).Msg("Loaded replica table")
}

// Put records a replica in the cache and the store.
func (m *MappingStore) Put(rep *types.TemplateReplica) error {
	if err := m.store.PutReplica(rep); err != nil {
		return fmt.Errorf("persisting replica %s: %w", rep.Key(), err)
	}
	m.mu.Lock()
	m.cache[rep.Key()] = rep
	m.mu.Unlock()
	return nil
}

// Get returns the cached replica for key, if any. No verification happens
// here; most callers want VerifyAndGet.
func (m *MappingStore) Get(key types.ReplicaKey) (*types.TemplateReplica, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.cache[key]
	return rep, ok
}

// VerifyAndGet returns the replica for key only if exists confirms the
// replica's template is still on its node. A stale entry is evicted and
// reported as a miss, so the caller replicates afresh.
func (m *MappingStore) VerifyAndGet(ctx context.Context, key types.ReplicaKey, exists ExistsFunc) (*types.TemplateReplica, bool) {
	rep, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	if exists(ctx, rep.Node, rep.LocalID) {
		return rep, true
	}

	m.logger.Warn().
		Str("key", key.String()).
		Int("local_vmid", rep.LocalID).
		Msg("Recorded replica no longer on cluster, evicting")
	if err := m.Forget(key); err != nil {
		m.logger.Warn().Str("key", key.String()).Err(err).Msg("Failed to evict stale replica")
	}
	return nil, false
}

// Forget drops the entry for key from the cache and the store.
func (m *MappingStore) Forget(key types.ReplicaKey) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	if err := m.store.DeleteReplica(key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// All returns every cached replica.
func (m *MappingStore) All() []*types.TemplateReplica {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.TemplateReplica, 0, len(m.cache))
	for _, rep := range m.cache {
		out = append(out, rep)
	}
	return out
}
