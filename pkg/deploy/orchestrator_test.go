package deploy

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standforge/standforge/pkg/cluster"
	"github.com/standforge/standforge/pkg/log"
	"github.com/standforge/standforge/pkg/store"
	"github.com/standforge/standforge/pkg/types"
)

func newTestOrchestrator(t *testing.T, gw cluster.Gateway) *Orchestrator {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(gw, st, Options{
		RetryTemplatize: true,
		Waiter:          cluster.Waiter{Interval: time.Millisecond, Deadline: time.Second},
	})
}

func standMachines() []types.MachineSpec {
	return []types.MachineSpec{
		{
			Name:         "srv-hq",
			DeviceClass:  types.DeviceLinux,
			TemplateID:   100,
			TemplateNode: "n1",
			Networks: []types.NetworkSpec{
				types.ParseNetworkAlias("hq"),
			},
		},
		{
			Name:         "rtr-edge",
			DeviceClass:  types.DeviceEcoRouter,
			TemplateID:   101,
			TemplateNode: "n1",
			Networks: []types.NetworkSpec{
				types.ParseNetworkAlias("hq"),
				types.ParseNetworkAlias("inet"),
			},
		},
	}
}

func seedTemplates(gw *cluster.FakeGateway) {
	gw.AddVM(100, "linux-base", "n1", true)
	gw.AddVM(101, "ecorouter-base", "n1", true)
}

func TestDeploySingleNode(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	seedTemplates(gw)
	o := newTestOrchestrator(t, gw)

	result, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve"},
		Machines: standMachines(),
	})
	require.NoError(t, err)
	require.Len(t, result.Users, 1)

	user := result.Users[0]
	assert.Equal(t, "alice@pve", user.User)
	assert.Equal(t, "alice", user.Pool)
	assert.Equal(t, "n1", user.Node)
	assert.Regexp(t, regexp.MustCompile(`^\d{8}$`), user.Password)
	assert.Empty(t, user.Error)
	require.Len(t, user.Machines, 2)
	for _, machine := range user.Machines {
		assert.True(t, machine.OK(), "machine %s: %s", machine.Name, machine.Error)
	}

	// No cross-node replication on a single node.
	assert.Zero(t, gw.Calls["MigrateVM"])

	// The pool holds both machines.
	members, err := gw.PoolMembers(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestDeployNetworkWiring(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	seedTemplates(gw)
	o := newTestOrchestrator(t, gw)

	result, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve"},
		Machines: standMachines(),
	})
	require.NoError(t, err)

	byName := map[string]types.MachineResult{}
	for _, m := range result.Users[0].Machines {
		byName[m.Name] = m
	}

	srv := gw.VMs[byName["srv-hq"].VMID]
	require.NotNil(t, srv)
	assert.Equal(t, "model=virtio,bridge=vmbr1000,firewall=1", srv.Networks["net0"])

	rtr := gw.VMs[byName["rtr-edge"].VMID]
	require.NotNil(t, rtr)
	// Management adapter first, data adapters shifted by one, same pool
	// bridge for the shared alias.
	assert.Regexp(t, `^model=vmxnet3,bridge=vmbr0,macaddr=1C:87:76:40:[0-9A-F:]+,link_down=1$`, rtr.Networks["net0"])
	assert.Regexp(t, `^model=vmxnet3,bridge=vmbr1000,macaddr=1C:87:76:40:[0-9A-F:]+$`, rtr.Networks["net1"])
	assert.Regexp(t, `^model=vmxnet3,bridge=vmbr2000,macaddr=1C:87:76:40:[0-9A-F:]+$`, rtr.Networks["net2"])
}

func TestDeployBalancedReplicatesPerNode(t *testing.T) {
	gw := cluster.NewFakeGateway("n1", "n2")
	seedTemplates(gw)
	o := newTestOrchestrator(t, gw)

	result, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve", "bob@pve"},
		Machines: standMachines(),
		Strategy: types.PlacementBalanced,
	})
	require.NoError(t, err)
	require.Len(t, result.Users, 2)

	assert.Equal(t, "n1", result.Users[0].Node)
	assert.Equal(t, "n2", result.Users[1].Node)

	// Both templates were replicated to n2, once each.
	assert.Equal(t, 2, gw.Calls["MigrateVM"])
	for _, tmpl := range []int{100, 101} {
		rep, ok := o.mappings.Get(types.ReplicaKey{TemplateID: tmpl, Node: "n2"})
		require.True(t, ok, "template %d should have an n2 replica", tmpl)
		assert.True(t, gw.VMs[rep.LocalID].IsTemplate)
	}

	// Bob's machines clone from the replicas, locally on n2.
	for _, machine := range result.Users[1].Machines {
		require.True(t, machine.OK(), machine.Error)
		assert.Equal(t, "n2", gw.VMs[machine.VMID].Node)
	}
}

func TestDeployConflictAbortsBeforeMutation(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	seedTemplates(gw)
	// Bob already has a pool holding a VM named like one we would create.
	require.NoError(t, gw.CreatePool(context.Background(), "bob"))
	gw.AddVM(500, "srv-hq", "n1", false)
	require.NoError(t, gw.AddVMToPool(context.Background(), "bob", 500))
	gw.Calls = map[string]int{}
	o := newTestOrchestrator(t, gw)

	_, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve", "bob@pve"},
		Machines: standMachines(),
	})

	require.ErrorIs(t, err, ErrConflict)
	assert.Zero(t, gw.Calls["CreateUser"], "no account may be created after a conflict")
	assert.Zero(t, gw.Calls["CloneVM"], "no VM may be cloned after a conflict")
	assert.Empty(t, gw.Users)
}

func TestDeployPoolInspectFailureAborts(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	seedTemplates(gw)
	gw.FailOn["PoolMembers"] = errors.New("500 Internal Server Error")
	o := newTestOrchestrator(t, gw)

	_, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve"},
		Machines: standMachines(),
	})

	// A server failure is not "pool does not exist"; the conflict check must
	// not be silently skipped.
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inspecting pool")
	assert.Zero(t, gw.Calls["CreateUser"])
	assert.Zero(t, gw.Calls["CloneVM"])
}

func TestDeployReplicationFailureAbortsRun(t *testing.T) {
	gw := cluster.NewFakeGateway("n1", "n2")
	seedTemplates(gw)
	gw.FailOn["MigrateVM"] = errors.New("cluster network down")
	o := newTestOrchestrator(t, gw)

	_, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve", "bob@pve"},
		Machines: standMachines(),
		Strategy: types.PlacementBalanced,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-replicating")
	assert.Zero(t, gw.Calls["CreateUser"], "no user may be touched when replication fails")
	assert.Empty(t, gw.Users)
}

func TestDeployUserFailureIsolated(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	seedTemplates(gw)
	gw.FailOnce["CreateUser"] = errors.New("realm rejected user")
	o := newTestOrchestrator(t, gw)

	result, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve", "bob@pve"},
		Machines: standMachines(),
	})
	require.NoError(t, err)
	require.Len(t, result.Users, 2)

	assert.NotEmpty(t, result.Users[0].Error)
	assert.Empty(t, result.Users[0].Machines, "a failed account gets no machines")

	assert.Empty(t, result.Users[1].Error)
	require.Len(t, result.Users[1].Machines, 2)
	assert.True(t, result.Users[1].Machines[0].OK())
}

func TestDeployMachineFailureIsolated(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	seedTemplates(gw)
	gw.FailOnce["CloneVM"] = errors.New("storage full")
	o := newTestOrchestrator(t, gw)

	result, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve"},
		Machines: standMachines(),
	})
	require.NoError(t, err)

	machines := result.Users[0].Machines
	require.Len(t, machines, 2)
	assert.False(t, machines[0].OK())
	assert.Contains(t, machines[0].Error, "storage full")
	assert.True(t, machines[1].OK(), "second machine must still be provisioned")
}

func TestResolveCloneSourceFallsBackToOriginal(t *testing.T) {
	gw := cluster.NewFakeGateway("n1", "n2")
	seedTemplates(gw)
	o := newTestOrchestrator(t, gw)

	// The mapping claims a replica on n2 that no longer exists.
	require.NoError(t, o.mappings.Put(&types.TemplateReplica{
		OriginalID: 100, LocalID: 900, Node: "n2", CreatedAt: time.Now(),
	}))

	spec := standMachines()[0]
	node, vmid, full := o.resolveCloneSource(context.Background(), "n2", spec)

	assert.Equal(t, "n1", node)
	assert.Equal(t, 100, vmid)
	assert.True(t, full, "fallback must force a full clone")

	// The stale entry was evicted along the way.
	_, ok := o.mappings.Get(types.ReplicaKey{TemplateID: 100, Node: "n2"})
	assert.False(t, ok)
}

func TestDestroyRemovesEverything(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	seedTemplates(gw)
	o := newTestOrchestrator(t, gw)

	_, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve"},
		Machines: standMachines(),
	})
	require.NoError(t, err)

	results := o.Destroy(context.Background(), []string{"alice@pve"})
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Error)
	assert.Len(t, results[0].Machines, 2)

	// VMs gone, pool gone, user gone, allocated bridges gone, vmbr0 kept.
	_, err = gw.PoolMembers(context.Background(), "alice")
	assert.ErrorIs(t, err, cluster.ErrNotFound)
	assert.Empty(t, gw.Users)
	for vmid, vm := range gw.VMs {
		assert.True(t, vm.IsTemplate, "non-template guest %d should be gone", vmid)
	}
	names, err := gw.Bridges(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vmbr0"}, names)
}

func TestDestroyKeepsBridgesOfSurvivingGuests(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	seedTemplates(gw)
	o := newTestOrchestrator(t, gw)

	_, err := o.Deploy(context.Background(), Request{
		Users:    []string{"alice@pve"},
		Machines: standMachines(),
	})
	require.NoError(t, err)

	// Guests refuse to die; their bridges must stay up.
	gw.FailOn["DeleteVM"] = errors.New("guest is locked")
	results := o.Destroy(context.Background(), []string{"alice@pve"})
	require.Len(t, results, 1)
	for _, machine := range results[0].Machines {
		assert.Contains(t, machine.Error, "guest is locked")
	}

	names, err := gw.Bridges(context.Background(), "n1")
	require.NoError(t, err)
	assert.Contains(t, names, "vmbr1000")
	assert.Contains(t, names, "vmbr2000")
}

func TestDestroyUnknownUserIsClean(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	o := newTestOrchestrator(t, gw)

	results := o.Destroy(context.Background(), []string{"ghost@pve"})
	require.Len(t, results, 1)
	assert.Zero(t, gw.Calls["DeleteVM"])
}
