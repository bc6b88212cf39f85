package network

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/standforge/standforge/pkg/cluster"
	"github.com/standforge/standforge/pkg/log"
	"github.com/standforge/standforge/pkg/store"
	"github.com/standforge/standforge/pkg/types"
)

// searchSpan bounds how many bridge numbers past the class floor are probed
// before allocation gives up.
const searchSpan = 100

var bridgeLiteral = regexp.MustCompile(`^vmbr\d+$`)

// floorFor maps a network alias to the numeric range its bridges live in.
// Ranges keep a node's bridge list readable: an operator can tell a
// headquarters segment from an internet uplink by the number alone.
func floorFor(alias string) int {
	switch {
	case strings.HasPrefix(alias, "hq"):
		return 1000
	case strings.HasPrefix(alias, "inet"):
		return 2000
	default:
		return 9000
	}
}

// Allocator hands out per-pool bridges on cluster nodes. An alias like "hq"
// resolves to the same bridge for every machine of one pool on one node, and
// to different bridges for different pools. Allocations persist across runs
// through the store.
type Allocator struct {
	gw     cluster.Gateway
	store  store.Store
	waiter cluster.Waiter
	logger zerolog.Logger

	// vlanAware marks aliases that need a VLAN-aware bridge anywhere in the
	// current machine set. See PrimeVLANs.
	vlanAware map[string]bool
}

// NewAllocator returns an allocator over the given gateway and store.
func NewAllocator(gw cluster.Gateway, st store.Store) *Allocator {
	return &Allocator{
		gw:    gw,
		store: st,
		waiter: cluster.Waiter{
			Interval: time.Second,
			Deadline: 30 * time.Second,
		},
		logger: log.WithComponent("network"),
	}
}

// PrimeVLANs records which aliases carry a VLAN tag on any interface of the
// machine set. The whole set decides: when "hq" resolves before "hq.25", the
// bridge must already be VLAN-aware, or the tagged interface would sit on a
// bridge that drops its frames.
func (a *Allocator) PrimeVLANs(machines []types.MachineSpec) {
	aware := map[string]bool{}
	for _, machine := range machines {
		for _, spec := range machine.Networks {
			if spec.VLAN > 0 {
				aware[spec.Alias] = true
			}
		}
	}
	a.vlanAware = aware
}

// Resolve returns the bridge a machine interface should attach to on node,
// creating and recording one when the pool has no bridge for the alias yet.
// The management bridge and reserved aliases pass through untouched; they
// are operator-managed and never created or recorded here.
func (a *Allocator) Resolve(ctx context.Context, node, pool string, spec types.NetworkSpec) (string, error) {
	if spec.Alias == types.ManagementBridge {
		return types.ManagementBridge, nil
	}
	if spec.Reserved || bridgeLiteral.MatchString(spec.Alias) {
		return spec.Alias, nil
	}

	key := types.BridgeKey{Node: node, Pool: pool, Alias: spec.Alias}
	alloc, err := a.store.GetBridge(key)
	switch {
	case err == nil:
		if err := a.ensureOnNode(ctx, alloc); err != nil {
			return "", err
		}
		return alloc.Bridge, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("looking up bridge for %s: %w", key, err)
	}

	bridge, err := a.nextFreeBridge(ctx, node, spec.Alias)
	if err != nil {
		return "", err
	}

	alloc = &types.BridgeAllocation{
		Node:      node,
		Pool:      pool,
		Alias:     spec.Alias,
		Bridge:    bridge,
		VLANAware: spec.VLAN > 0 || a.vlanAware[spec.Alias],
	}
	if err := a.ensureOnNode(ctx, alloc); err != nil {
		return "", err
	}
	if err := a.store.PutBridge(alloc); err != nil {
		return "", fmt.Errorf("recording bridge %s for %s: %w", bridge, key, err)
	}

	a.logger.Info().
		Str("node", node).
		Str("pool", pool).
		Str("alias", spec.Alias).
		Str("bridge", bridge).
		Msg("Allocated bridge")
	return bridge, nil
}

// nextFreeBridge picks the first unused bridge number in the alias's range,
// checking both the node's live interface list and every recorded allocation
// on that node.
func (a *Allocator) nextFreeBridge(ctx context.Context, node, alias string) (string, error) {
	used := map[int]bool{0: true}

	live, err := a.gw.Bridges(ctx, node)
	if err != nil {
		return "", fmt.Errorf("listing bridges on %s: %w", node, err)
	}
	for _, name := range live {
		if n, ok := bridgeNumber(name); ok {
			used[n] = true
		}
	}

	recorded, err := a.store.ListBridges()
	if err != nil {
		return "", fmt.Errorf("listing recorded bridges: %w", err)
	}
	for _, alloc := range recorded {
		if alloc.Node != node {
			continue
		}
		if n, ok := bridgeNumber(alloc.Bridge); ok {
			used[n] = true
		}
	}

	floor := floorFor(alias)
	for n := floor; n <= floor+searchSpan; n++ {
		if !used[n] {
			return fmt.Sprintf("vmbr%04d", n), nil
		}
	}
	return "", fmt.Errorf("no free bridge number on %s in range %d-%d", node, floor, floor+searchSpan)
}

// ensureOnNode creates the bridge on its node if the node does not list it
// yet. Creation is followed by a network reload and a wait for the bridge to
// appear in the interface list.
func (a *Allocator) ensureOnNode(ctx context.Context, alloc *types.BridgeAllocation) error {
	live, err := a.gw.Bridges(ctx, alloc.Node)
	if err != nil {
		return fmt.Errorf("listing bridges on %s: %w", alloc.Node, err)
	}
	for _, name := range live {
		if name == alloc.Bridge {
			return nil
		}
	}

	if err := a.gw.CreateBridge(ctx, alloc.Node, alloc.Bridge, alloc.VLANAware); err != nil {
		return err
	}
	if err := a.gw.ReloadNetwork(ctx, alloc.Node); err != nil {
		// Pending interface changes apply on the next reload; the wait
		// below still decides whether the bridge actually landed.
		a.logger.Warn().Str("node", alloc.Node).Err(err).Msg("Network reload failed")
	}

	what := fmt.Sprintf("bridge %s on %s", alloc.Bridge, alloc.Node)
	_, err = a.waiter.Await(ctx, what, func(ctx context.Context) (bool, error) {
		names, err := a.gw.Bridges(ctx, alloc.Node)
		if err != nil {
			return false, err
		}
		for _, name := range names {
			if name == alloc.Bridge {
				return true, nil
			}
		}
		return false, nil
	})
	return err
}

// Cleanup removes the pool's bridge allocations on node. A bridge is deleted
// from the node only when no other pool's allocation still points at it and
// no guest on the node names it in a network adapter; the management bridge
// is never touched. Deletion problems are logged and do not stop the rest of
// the cleanup.
func (a *Allocator) Cleanup(ctx context.Context, node, pool string) error {
	recorded, err := a.store.ListBridges()
	if err != nil {
		return fmt.Errorf("listing recorded bridges: %w", err)
	}

	stillUsed := map[string]bool{}
	var mine []*types.BridgeAllocation
	for _, alloc := range recorded {
		if alloc.Node != node {
			continue
		}
		if alloc.Pool == pool {
			mine = append(mine, alloc)
		} else {
			stillUsed[alloc.Bridge] = true
		}
	}

	wired, readable := a.wiredBridges(ctx, node)

	removedAny := false
	for _, alloc := range mine {
		if err := a.store.DeleteBridge(alloc.Key()); err != nil {
			return fmt.Errorf("dropping record of %s: %w", alloc.Key(), err)
		}
		if alloc.Bridge == types.ManagementBridge || stillUsed[alloc.Bridge] {
			continue
		}
		if !readable || wired[alloc.Bridge] {
			a.logger.Info().
				Str("node", node).
				Str("bridge", alloc.Bridge).
				Msg("Bridge still wired into a guest, keeping it")
			continue
		}
		if err := a.gw.DeleteBridge(ctx, node, alloc.Bridge); err != nil {
			a.logger.Warn().
				Str("node", node).
				Str("bridge", alloc.Bridge).
				Err(err).
				Msg("Failed to delete bridge")
			continue
		}
		removedAny = true
		a.logger.Info().Str("node", node).Str("bridge", alloc.Bridge).Msg("Deleted bridge")
	}

	if removedAny {
		if err := a.gw.ReloadNetwork(ctx, node); err != nil {
			a.logger.Warn().Str("node", node).Err(err).Msg("Network reload failed")
		}
	}
	return nil
}

// wiredBridges collects every bridge named in a guest's network adapters on
// node. The second return is false when any guest config could not be read;
// callers must then treat every bridge as wired, since deleting on partial
// information can cut a running guest off.
func (a *Allocator) wiredBridges(ctx context.Context, node string) (map[string]bool, bool) {
	vms, err := a.gw.ListVMs(ctx, node)
	if err != nil {
		a.logger.Warn().Str("node", node).Err(err).Msg("Failed to list guests")
		return nil, false
	}
	wired := map[string]bool{}
	for _, vm := range vms {
		cfg, err := a.gw.VMConfig(ctx, node, vm.VMID)
		if err != nil {
			a.logger.Warn().Str("node", node).Int("vmid", vm.VMID).Err(err).Msg("Failed to read guest config")
			return nil, false
		}
		for _, value := range cfg.Networks {
			if bridge := bridgeOf(value); bridge != "" {
				wired[bridge] = true
			}
		}
	}
	return wired, true
}

// bridgeOf extracts the bridge name from an adapter value like
// "model=virtio,bridge=vmbr1000,firewall=1".
func bridgeOf(value string) string {
	for _, part := range strings.Split(value, ",") {
		if rest, ok := strings.CutPrefix(part, "bridge="); ok {
			return rest
		}
	}
	return ""
}

func bridgeNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, "vmbr") {
		return 0, false
	}
	n, err := strconv.Atoi(name[len("vmbr"):])
	if err != nil {
		return 0, false
	}
	return n, true
}
