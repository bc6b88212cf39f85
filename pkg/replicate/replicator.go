package replicate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/standforge/standforge/pkg/cluster"
	"github.com/standforge/standforge/pkg/log"
	"github.com/standforge/standforge/pkg/types"
)

// ErrNoFreeVMID is returned when no unique guest id could be found near the
// cluster's next-id hint.
var ErrNoFreeVMID = errors.New("no free vmid available")

// vmidSearchSpan bounds the search for a unique vmid above the cluster's
// next-id hint.
const vmidSearchSpan = 100

// Options tune a Replicator.
type Options struct {
	// RetryTemplatize re-runs template conversion on the target node when
	// the conversion on the home node failed. On by default in New.
	RetryTemplatize bool

	// Waiter paces the physical-state checks between steps.
	Waiter cluster.Waiter
}

// Replicator places full copies of templates on the nodes that need them.
// A template lives on one home node; cloning a machine onto another node
// first requires a local replica there. Replicas are made once and reused
// through the mapping table.
type Replicator struct {
	gw              cluster.Gateway
	mappings        *MappingStore
	waiter          cluster.Waiter
	retryTemplatize bool
	logger          zerolog.Logger
}

// New returns a replicator with default options: templatize retries on, the
// standard waiter.
func New(gw cluster.Gateway, mappings *MappingStore) *Replicator {
	return NewWithOptions(gw, mappings, Options{
		RetryTemplatize: true,
		Waiter:          cluster.NewWaiter(),
	})
}

// NewWithOptions returns a replicator with explicit options.
func NewWithOptions(gw cluster.Gateway, mappings *MappingStore, opts Options) *Replicator {
	return &Replicator{
		gw:              gw,
		mappings:        mappings,
		waiter:          opts.Waiter,
		retryTemplatize: opts.RetryTemplatize,
		logger:          log.WithComponent("replicate"),
	}
}

// Ensure makes templateID usable for local clones on targetNode and returns
// the vmid to clone from there. When the target is the template's home node
// the original id comes straight back. A verified recorded replica is
// reused. Otherwise a new replica is built: full clone on the home node,
// conversion to template, live migration to the target, and a new record in
// the mapping table. A failed migration deletes the half-made clone before
// the error is returned.
func (r *Replicator) Ensure(ctx context.Context, templateID int, templateNode, targetNode string) (int, error) {
	if targetNode == templateNode {
		return templateID, nil
	}

	key := types.ReplicaKey{TemplateID: templateID, Node: targetNode}
	if rep, ok := r.mappings.VerifyAndGet(ctx, key, func(ctx context.Context, node string, vmid int) bool {
		return cluster.IsTemplateOn(ctx, r.gw, node, vmid)
	}); ok {
		r.logger.Debug().
			Str("key", key.String()).
			Int("local_vmid", rep.LocalID).
			Msg("Reusing recorded replica")
		return rep.LocalID, nil
	}

	logger := r.logger.With().
		Int("template", templateID).
		Str("home", templateNode).
		Str("target", targetNode).
		Logger()
	logger.Info().Msg("Replicating template")

	newID, err := r.UniqueVMID(ctx)
	if err != nil {
		return 0, err
	}

	name := fmt.Sprintf("template-%d-%s", templateID, targetNode)
	storage := r.cloneStorage(ctx, templateNode, targetNode)
	if err := r.gw.CloneVM(ctx, cluster.CloneRequest{
		SourceNode: templateNode,
		SourceID:   templateID,
		NewID:      newID,
		Name:       name,
		Full:       true,
		Storage:    storage,
	}); err != nil {
		return 0, fmt.Errorf("cloning template %d on %s: %w", templateID, templateNode, err)
	}

	// Conversion can fail transiently right after a clone; the copy still
	// migrates and serves as a clone source, so this is not fatal here.
	templatized := true
	if err := r.gw.ConvertToTemplate(ctx, templateNode, newID); err != nil {
		templatized = false
		logger.Warn().Int("vmid", newID).Err(err).Msg("Template conversion failed, will retry after migration")
	}

	if err := r.gw.MigrateVM(ctx, templateNode, newID, targetNode, true); err != nil {
		migErr := fmt.Errorf("migrating replica %d to %s: %w", newID, targetNode, err)
		if derr := r.gw.DeleteVM(ctx, templateNode, newID); derr != nil {
			return 0, fmt.Errorf("%w (cleanup of %d on %s also failed: %v)", migErr, newID, templateNode, derr)
		}
		return 0, fmt.Errorf("%w (orphaned clone %d deleted)", migErr, newID)
	}

	what := fmt.Sprintf("replica %d on %s", newID, targetNode)
	if _, err := r.waiter.Await(ctx, what, func(ctx context.Context) (bool, error) {
		_, err := r.gw.VMConfig(ctx, targetNode, newID)
		if errors.Is(err, cluster.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		return 0, err
	}

	if !templatized && r.retryTemplatize {
		if err := r.gw.ConvertToTemplate(ctx, targetNode, newID); err != nil {
			logger.Warn().Int("vmid", newID).Err(err).Msg("Template conversion failed again, replica stays a plain guest")
		}
	}

	rep := &types.TemplateReplica{
		OriginalID: templateID,
		LocalID:    newID,
		Node:       targetNode,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.mappings.Put(rep); err != nil {
		return 0, err
	}

	logger.Info().Int("local_vmid", newID).Msg("Replica ready")
	return newID, nil
}

// UniqueVMID asks the cluster for its next free id, then walks upward until
// an id not taken by any guest is found. The next-id endpoint alone is not
// enough: it can hand out the same number twice within one run.
func (r *Replicator) UniqueVMID(ctx context.Context) (int, error) {
	next, err := r.gw.NextFreeVMID(ctx)
	if err != nil {
		return 0, err
	}
	for id := next; id < next+vmidSearchSpan; id++ {
		unique, err := r.gw.VMIDUnique(ctx, id)
		if err != nil {
			return 0, err
		}
		if unique {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: tried %d through %d", ErrNoFreeVMID, next, next+vmidSearchSpan-1)
}

// cloneStorage picks the storage for a cross-node full clone: a shared
// storage visible from both nodes that holds disk images, else any common
// image storage except local-lvm. Empty means let the cluster decide; that
// only works when the template's disks already sit on storage the target
// can reach.
func (r *Replicator) cloneStorage(ctx context.Context, sourceNode, targetNode string) string {
	source, err := r.gw.Storages(ctx, sourceNode)
	if err != nil {
		r.logger.Warn().Str("node", sourceNode).Err(err).Msg("Failed to list storages")
		return ""
	}
	target, err := r.gw.Storages(ctx, targetNode)
	if err != nil {
		r.logger.Warn().Str("node", targetNode).Err(err).Msg("Failed to list storages")
		return ""
	}

	onTarget := map[string]bool{}
	for _, s := range target {
		if s.Enabled {
			onTarget[s.Name] = true
		}
	}

	var fallback string
	for _, s := range source {
		if !s.Enabled || !onTarget[s.Name] || !s.HasContent("images") {
			continue
		}
		if s.Shared {
			return s.Name
		}
		if fallback == "" && s.Name != "local-lvm" {
			fallback = s.Name
		}
	}
	return fallback
}
