package deploy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/standforge/standforge/pkg/cluster"
	"github.com/standforge/standforge/pkg/log"
	"github.com/standforge/standforge/pkg/network"
	"github.com/standforge/standforge/pkg/placement"
	"github.com/standforge/standforge/pkg/replicate"
	"github.com/standforge/standforge/pkg/store"
	"github.com/standforge/standforge/pkg/types"
)

// ErrConflict is returned when a target pool already holds a VM whose name
// this deployment would reuse. The run aborts before touching anything.
var ErrConflict = errors.New("name conflict in existing pool")

// poolRole is granted to each user on their pool.
const poolRole = "PVEVMAdmin"

// Request describes one deployment run.
type Request struct {
	Users    []string
	Machines []types.MachineSpec
	Strategy types.PlacementStrategy

	// Node is the target for the explicit strategy.
	Node string
}

// Options tune an Orchestrator.
type Options struct {
	// RetryTemplatize is passed through to the replicator.
	RetryTemplatize bool

	// Waiter paces physical-state checks between steps.
	Waiter cluster.Waiter
}

// Orchestrator drives a whole deployment run: placement, template
// pre-replication, conflict checking, and per-user provisioning. One
// orchestrator owns one store handle; construct it once per run or process,
// not per user.
type Orchestrator struct {
	gw         cluster.Gateway
	store      store.Store
	mappings   *replicate.MappingStore
	replicator *replicate.Replicator
	bridges    *network.Allocator
	waiter     cluster.Waiter
	logger     zerolog.Logger
}

// New wires an orchestrator over the given gateway and store and loads the
// persisted replica table.
func New(gw cluster.Gateway, st store.Store, opts Options) *Orchestrator {
	if opts.Waiter.Interval <= 0 {
		opts.Waiter = cluster.NewWaiter()
	}
	mappings := replicate.NewMappingStore(st)
	mappings.Load()
	return &Orchestrator{
		gw:       gw,
		store:    st,
		mappings: mappings,
		replicator: replicate.NewWithOptions(gw, mappings, replicate.Options{
			RetryTemplatize: opts.RetryTemplatize,
			Waiter:          opts.Waiter,
		}),
		bridges: network.NewAllocator(gw, st),
		waiter:  opts.Waiter,
		logger:  log.WithComponent("deploy"),
	}
}

// Deploy provisions a stand for every user in the request. Phase failures
// (placement, pre-replication, conflicts) abort the run before any user or
// VM is created; once provisioning starts, each user's and each machine's
// failures stay isolated in the results.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (*types.DeploymentResult, error) {
	result := &types.DeploymentResult{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With().Str("run_id", result.RunID).Logger()

	assignment, err := o.planAssignment(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := o.preReplicate(ctx, assignment, req.Machines); err != nil {
		return nil, err
	}
	if err := o.checkConflicts(ctx, req.Users, req.Machines); err != nil {
		return nil, err
	}

	o.bridges.PrimeVLANs(req.Machines)
	for _, user := range req.Users {
		userResult := o.provisionUser(ctx, user, assignment[user], req.Machines)
		result.Users = append(result.Users, userResult)
	}

	if err := o.store.Sync(); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush deployment state")
	}

	result.FinishedAt = time.Now().UTC()
	logger.Info().Int("users", len(result.Users)).Msg("Deployment finished")
	return result, nil
}

// PreReplicate runs only the placement and replication phases: it computes
// where each user would land and makes sure every needed template copy
// exists there. Used to warm a cluster ahead of the actual deployment.
func (o *Orchestrator) PreReplicate(ctx context.Context, req Request) error {
	assignment, err := o.planAssignment(ctx, req)
	if err != nil {
		return err
	}
	if err := o.preReplicate(ctx, assignment, req.Machines); err != nil {
		return err
	}
	if err := o.store.Sync(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to flush replica table")
	}
	return nil
}

// planAssignment resolves the run's user-to-node assignment. A single-node
// cluster forces the single strategy; otherwise an unset strategy means
// balanced.
func (o *Orchestrator) planAssignment(ctx context.Context, req Request) (map[string]string, error) {
	nodes, err := o.gw.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = types.PlacementBalanced
	}
	if len(nodes) == 1 {
		strategy = types.PlacementSingle
	}

	assignment, err := placement.Assign(placement.Request{
		Users:    req.Users,
		Nodes:    nodes,
		Strategy: strategy,
		Node:     req.Node,
	})
	if err != nil {
		return nil, fmt.Errorf("placing users: %w", err)
	}
	return assignment, nil
}

// preReplicate makes every template a user's machines need available on that
// user's node before any account or VM exists. A single replication failure
// aborts the run: a half-replicated cluster must not turn into
// half-provisioned users.
func (o *Orchestrator) preReplicate(ctx context.Context, assignment map[string]string, machines []types.MachineSpec) error {
	type pair struct {
		spec types.MachineSpec
		node string
	}
	seen := map[types.ReplicaKey]bool{}
	var pairs []pair
	for _, node := range placement.NodesOf(assignment) {
		for _, spec := range machines {
			if spec.TemplateNode == node {
				continue
			}
			key := types.ReplicaKey{TemplateID: spec.TemplateID, Node: node}
			if seen[key] {
				continue
			}
			seen[key] = true
			pairs = append(pairs, pair{spec: spec, node: node})
		}
	}

	for _, p := range pairs {
		if _, err := o.replicator.Ensure(ctx, p.spec.TemplateID, p.spec.TemplateNode, p.node); err != nil {
			return fmt.Errorf("pre-replicating template %d to %s: %w", p.spec.TemplateID, p.node, err)
		}
	}
	return nil
}

// checkConflicts verifies that no target pool already contains a VM named
// like one this run would create.
func (o *Orchestrator) checkConflicts(ctx context.Context, users []string, machines []types.MachineSpec) error {
	names := map[string]bool{}
	for _, spec := range machines {
		names[spec.Name] = true
	}

	for _, user := range users {
		pool := types.PoolName(user)
		members, err := o.gw.PoolMembers(ctx, pool)
		if errors.Is(err, cluster.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("inspecting pool %s: %w", pool, err)
		}
		for _, member := range members {
			if names[member.Name] {
				return fmt.Errorf("%w: pool %s already has a VM named %s (vmid %d)",
					ErrConflict, pool, member.Name, member.VMID)
			}
		}
	}
	return nil
}

func (o *Orchestrator) provisionUser(ctx context.Context, user, node string, machines []types.MachineSpec) types.UserResult {
	pool := types.PoolName(user)
	result := types.UserResult{User: user, Pool: pool, Node: node}
	logger := log.WithUser(user)
	logger.Info().Str("node", node).Str("pool", pool).Msg("Provisioning user")

	password, err := o.ensureAccount(ctx, user, pool)
	if err != nil {
		result.Error = err.Error()
		logger.Error().Err(err).Msg("Account setup failed, skipping user")
		return result
	}
	result.Password = password

	for _, spec := range machines {
		machine := o.provisionMachine(ctx, node, pool, spec)
		result.Machines = append(result.Machines, machine)
		if machine.OK() {
			logger.Info().Str("machine", spec.Name).Int("vmid", machine.VMID).Msg("Machine ready")
		} else {
			logger.Error().Str("machine", spec.Name).Str("error", machine.Error).Msg("Machine failed")
		}
	}
	return result
}

// ensureAccount creates the user account, the pool, and the pool grant. An
// already existing account is reused; its password is not regenerated and
// comes back empty.
func (o *Orchestrator) ensureAccount(ctx context.Context, user, pool string) (string, error) {
	exists, err := o.gw.UserExists(ctx, user)
	if err != nil {
		return "", fmt.Errorf("checking user %s: %w", user, err)
	}

	password := ""
	if !exists {
		password = numericPassword(8)
		if err := o.gw.CreateUser(ctx, user, password); err != nil {
			return "", err
		}
	}

	if _, err := o.gw.PoolMembers(ctx, pool); errors.Is(err, cluster.ErrNotFound) {
		if err := o.gw.CreatePool(ctx, pool); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", fmt.Errorf("checking pool %s: %w", pool, err)
	}

	if err := o.gw.GrantPoolAccess(ctx, pool, user, poolRole); err != nil {
		return "", err
	}
	return password, nil
}

func (o *Orchestrator) provisionMachine(ctx context.Context, node, pool string, spec types.MachineSpec) types.MachineResult {
	result := types.MachineResult{Name: spec.Name}

	sourceNode, sourceID, full := o.resolveCloneSource(ctx, node, spec)

	newID, err := o.replicator.UniqueVMID(ctx)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	if err := o.gw.CloneVM(ctx, cluster.CloneRequest{
		SourceNode: sourceNode,
		SourceID:   sourceID,
		TargetNode: node,
		NewID:      newID,
		Name:       spec.Name,
		Full:       full,
	}); err != nil {
		result.Error = err.Error()
		return result
	}
	result.VMID = newID
	log.WithVMID(newID).Debug().Str("machine", spec.Name).Str("node", node).Msg("Clone created")

	if err := o.attachNetworks(ctx, node, newID, pool, spec); err != nil {
		result.Error = err.Error()
		return result
	}

	if err := o.gw.AddVMToPool(ctx, pool, newID); err != nil {
		result.Error = err.Error()
		return result
	}
	return result
}

// resolveCloneSource picks what to clone from for one machine on node. On
// the template's home node the original is used directly. Elsewhere the
// recorded replica is used, re-verified right before cloning; if it vanished
// since pre-replication, the machine falls back to a full clone straight
// from the original rather than failing.
func (o *Orchestrator) resolveCloneSource(ctx context.Context, node string, spec types.MachineSpec) (string, int, bool) {
	if spec.TemplateNode == node {
		return node, spec.TemplateID, spec.FullClone
	}

	key := types.ReplicaKey{TemplateID: spec.TemplateID, Node: node}
	if rep, ok := o.mappings.VerifyAndGet(ctx, key, func(ctx context.Context, n string, vmid int) bool {
		return cluster.IsTemplateOn(ctx, o.gw, n, vmid)
	}); ok {
		return node, rep.LocalID, spec.FullClone
	}

	o.logger.Warn().
		Int("template", spec.TemplateID).
		Str("node", node).
		Msg("Local replica missing at clone time, falling back to full clone from home node")
	return spec.TemplateNode, spec.TemplateID, true
}

// attachNetworks writes the machine's network adapters. Router appliances
// get a management adapter on net0 first (management bridge, link down) and
// their data adapters shifted up by one; generic machines start at net0.
func (o *Orchestrator) attachNetworks(ctx context.Context, node string, vmid int, pool string, spec types.MachineSpec) error {
	offset := 0
	if spec.DeviceClass == types.DeviceEcoRouter {
		value := fmt.Sprintf("model=vmxnet3,bridge=%s,macaddr=%s,link_down=1",
			types.ManagementBridge, network.EcoRouterMAC())
		if err := o.gw.SetVMNetwork(ctx, node, vmid, "net0", value); err != nil {
			return fmt.Errorf("attaching management adapter: %w", err)
		}
		offset = 1
	}

	for i, netSpec := range spec.Networks {
		iface := fmt.Sprintf("net%d", i+offset)
		bridge, err := o.bridges.Resolve(ctx, node, pool, netSpec)
		if err != nil {
			return fmt.Errorf("resolving network %s: %w", netSpec.Alias, err)
		}

		var value string
		if spec.DeviceClass == types.DeviceEcoRouter {
			value = fmt.Sprintf("model=vmxnet3,bridge=%s,macaddr=%s", bridge, network.EcoRouterMAC())
		} else {
			value = fmt.Sprintf("model=virtio,bridge=%s,firewall=1", bridge)
		}
		if err := o.gw.SetVMNetwork(ctx, node, vmid, iface, value); err != nil {
			return fmt.Errorf("attaching %s: %w", iface, err)
		}
	}
	return nil
}

// numericPassword returns n random decimal digits.
func numericPassword(n int) string {
	digits := make([]byte, n)
	for i := range digits {
		v, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits)
}
