package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/standforge/standforge/pkg/cluster"
	"github.com/standforge/standforge/pkg/log"
	"github.com/standforge/standforge/pkg/types"
)

// Destroy tears down each user's stand: the pool's VMs first, then the
// bridges only that pool used, then the pool, then the account. Every step
// is best effort; what failed is reported in the per-user result instead of
// stopping the teardown of other users.
func (o *Orchestrator) Destroy(ctx context.Context, users []string) []types.UserResult {
	var results []types.UserResult
	for _, user := range users {
		results = append(results, o.destroyUser(ctx, user))
	}
	if err := o.store.Sync(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to flush state after teardown")
	}
	return results
}

func (o *Orchestrator) destroyUser(ctx context.Context, user string) types.UserResult {
	pool := types.PoolName(user)
	result := types.UserResult{User: user, Pool: pool}
	logger := log.WithUser(user)
	logger.Info().Str("pool", pool).Msg("Tearing down user")

	var problems []string

	nodes, err := o.deletePoolVMs(ctx, pool, &result)
	if err != nil {
		problems = append(problems, err.Error())
	}

	for _, node := range nodes {
		if err := o.bridges.Cleanup(ctx, node, pool); err != nil {
			problems = append(problems, fmt.Sprintf("bridge cleanup on %s: %v", node, err))
			continue
		}
		log.WithNode(node).Debug().Str("pool", pool).Msg("Bridges cleaned up")
	}

	if err := o.gw.DeletePool(ctx, pool); err != nil {
		problems = append(problems, fmt.Sprintf("deleting pool: %v", err))
	}
	if err := o.gw.DeleteUser(ctx, user); err != nil {
		problems = append(problems, fmt.Sprintf("deleting user: %v", err))
	}

	if len(problems) > 0 {
		result.Error = strings.Join(problems, "; ")
		logger.Warn().Str("problems", result.Error).Msg("Teardown finished with problems")
	} else {
		logger.Info().Msg("Teardown complete")
	}
	return result
}

// deletePoolVMs removes every guest in the pool and returns the nodes those
// guests lived on. Each deletion is verified: the guest must leave the
// node's inventory before the next one is touched.
func (o *Orchestrator) deletePoolVMs(ctx context.Context, pool string, result *types.UserResult) ([]string, error) {
	members, err := o.gw.PoolMembers(ctx, pool)
	if errors.Is(err, cluster.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspecting pool %s: %w", pool, err)
	}

	inventory, err := o.gw.ListVMs(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing guests: %w", err)
	}
	nodeOf := map[int]string{}
	for _, vm := range inventory {
		nodeOf[vm.VMID] = vm.Node
	}

	seen := map[string]bool{}
	var nodes []string
	for _, member := range members {
		machine := types.MachineResult{Name: member.Name, VMID: member.VMID}
		node, ok := nodeOf[member.VMID]
		if !ok {
			machine.Error = "not found in cluster inventory"
			result.Machines = append(result.Machines, machine)
			continue
		}
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}

		if err := o.gw.DeleteVM(ctx, node, member.VMID); err != nil {
			machine.Error = err.Error()
			result.Machines = append(result.Machines, machine)
			continue
		}

		what := fmt.Sprintf("guest %d gone from %s", member.VMID, node)
		if _, err := o.waiter.Await(ctx, what, func(ctx context.Context) (bool, error) {
			_, err := o.gw.VMConfig(ctx, node, member.VMID)
			if errors.Is(err, cluster.ErrNotFound) {
				return true, nil
			}
			return false, err
		}); err != nil {
			machine.Error = err.Error()
		}
		result.Machines = append(result.Machines, machine)
	}

	sort.Strings(nodes)
	return nodes, nil
}
