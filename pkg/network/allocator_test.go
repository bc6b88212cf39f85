package network

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

func newTestAllocator(t *testing.T, gw cluster.Gateway) (*Allocator, store.Store) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel})

	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a := NewAllocator(gw, st)
	a.waiter = cluster.Waiter{Interval: time.Millisecond, Deadline: time.Second}
	return a, st
}

func TestResolveManagementBridgePassthrough(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, st := newTestAllocator(t, gw)

	bridge, err := a.Resolve(context.Background(), "n1", "alice", types.ParseNetworkAlias("vmbr0"))
	assert.NoError(t, err)
	assert.Equal(t, "vmbr0", bridge)

	// Nothing created, nothing recorded.
	assert.Zero(t, gw.Calls["CreateBridge"])
	recorded, err := st.ListBridges()
	assert.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestResolveReservedAliasPassthrough(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, _ := newTestAllocator(t, gw)

	bridge, err := a.Resolve(context.Background(), "n1", "alice", types.ParseNetworkAlias("**uplink**"))
	assert.NoError(t, err)
	assert.Equal(t, "uplink", bridge)
	assert.Zero(t, gw.Calls["CreateBridge"])
}

func TestResolveBridgeLiteralPassthrough(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, _ := newTestAllocator(t, gw)

	bridge, err := a.Resolve(context.Background(), "n1", "alice", types.ParseNetworkAlias("vmbr1234"))
	assert.NoError(t, err)
	assert.Equal(t, "vmbr1234", bridge)
	assert.Zero(t, gw.Calls["CreateBridge"])
}

func TestResolveAllocatesInAliasRange(t *testing.T) {
	tests := []struct {
		alias    string
		expected string
	}{
		{alias: "hq", expected: "vmbr1000"},
		{alias: "inet", expected: "vmbr2000"},
		{alias: "lab", expected: "vmbr9000"},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			gw := cluster.NewFakeGateway("n1")
			a, st := newTestAllocator(t, gw)

			bridge, err := a.Resolve(context.Background(), "n1", "alice", types.ParseNetworkAlias(tt.alias))
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, bridge)

			// The bridge exists on the node and the allocation is recorded.
			names, err := gw.Bridges(context.Background(), "n1")
			assert.NoError(t, err)
			assert.Contains(t, names, tt.expected)

			alloc, err := st.GetBridge(types.BridgeKey{Node: "n1", Pool: "alice", Alias: tt.alias})
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, alloc.Bridge)
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, _ := newTestAllocator(t, gw)

	spec := types.ParseNetworkAlias("hq")
	first, err := a.Resolve(context.Background(), "n1", "alice", spec)
	require.NoError(t, err)

	second, err := a.Resolve(context.Background(), "n1", "alice", spec)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, gw.Calls["CreateBridge"], "existing bridge must not be recreated")
}

func TestResolveSeparatesPools(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, _ := newTestAllocator(t, gw)

	spec := types.ParseNetworkAlias("hq")
	alice, err := a.Resolve(context.Background(), "n1", "alice", spec)
	require.NoError(t, err)
	bob, err := a.Resolve(context.Background(), "n1", "bob", spec)
	require.NoError(t, err)

	assert.NotEqual(t, alice, bob, "pools must not share a bridge for the same alias")
	assert.Equal(t, "vmbr1000", alice)
	assert.Equal(t, "vmbr1001", bob)
}

func TestResolveSkipsOccupiedNumbers(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	gw.BridgeMap["n1"] = []string{"vmbr0", "vmbr1000", "vmbr1001"}
	a, _ := newTestAllocator(t, gw)

	bridge, err := a.Resolve(context.Background(), "n1", "alice", types.ParseNetworkAlias("hq"))
	assert.NoError(t, err)
	assert.Equal(t, "vmbr1002", bridge)
}

func TestResolveNeverReturnsManagementBridge(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, _ := newTestAllocator(t, gw)

	pattern := regexp.MustCompile(`^vmbr\d{4}$`)
	for _, alias := range []string{"hq", "inet", "dmz", "office"} {
		bridge, err := a.Resolve(context.Background(), "n1", "alice", types.ParseNetworkAlias(alias))
		require.NoError(t, err)
		assert.NotEqual(t, types.ManagementBridge, bridge)
		assert.Regexp(t, pattern, bridge)
	}
}

func TestResolveVLANAwareBridge(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, st := newTestAllocator(t, gw)

	bridge, err := a.Resolve(context.Background(), "n1", "alice", types.ParseNetworkAlias("trunk.200"))
	require.NoError(t, err)
	assert.Equal(t, "vmbr9000", bridge)

	alloc, err := st.GetBridge(types.BridgeKey{Node: "n1", Pool: "alice", Alias: "trunk"})
	require.NoError(t, err)
	assert.True(t, alloc.VLANAware)
}

func TestResolveVLANAwareAcrossMachineSet(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, st := newTestAllocator(t, gw)

	a.PrimeVLANs([]types.MachineSpec{
		{Name: "srv-a", Networks: []types.NetworkSpec{types.ParseNetworkAlias("hq")}},
		{Name: "srv-b", Networks: []types.NetworkSpec{types.ParseNetworkAlias("hq.25")}},
	})

	// The untagged variant resolves first; the bridge must still carry tags
	// for the tagged sibling that follows.
	bridge, err := a.Resolve(context.Background(), "n1", "alice", types.ParseNetworkAlias("hq"))
	require.NoError(t, err)
	assert.Equal(t, "vmbr1000", bridge)
	assert.True(t, gw.VLANFlags["n1/vmbr1000"])

	alloc, err := st.GetBridge(types.BridgeKey{Node: "n1", Pool: "alice", Alias: "hq"})
	require.NoError(t, err)
	assert.True(t, alloc.VLANAware)

	tagged, err := a.Resolve(context.Background(), "n1", "alice", types.ParseNetworkAlias("hq.25"))
	require.NoError(t, err)
	assert.Equal(t, bridge, tagged)
	assert.Equal(t, 1, gw.Calls["CreateBridge"])
}

func TestCleanupRemovesOnlyUnreferenced(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, st := newTestAllocator(t, gw)

	ctx := context.Background()
	_, err := a.Resolve(ctx, "n1", "alice", types.ParseNetworkAlias("hq"))
	require.NoError(t, err)
	_, err = a.Resolve(ctx, "n1", "bob", types.ParseNetworkAlias("hq"))
	require.NoError(t, err)

	// Bob also records an allocation pointing at alice's bridge, as happens
	// when an operator wires two pools to one segment by hand.
	require.NoError(t, st.PutBridge(&types.BridgeAllocation{
		Node: "n1", Pool: "bob", Alias: "shared", Bridge: "vmbr1000",
	}))

	require.NoError(t, a.Cleanup(ctx, "n1", "alice"))

	names, err := gw.Bridges(ctx, "n1")
	require.NoError(t, err)
	assert.Contains(t, names, "vmbr0")
	assert.Contains(t, names, "vmbr1000", "bridge still referenced by bob must survive")
	assert.Contains(t, names, "vmbr1001")

	_, err = st.GetBridge(types.BridgeKey{Node: "n1", Pool: "alice", Alias: "hq"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, a.Cleanup(ctx, "n1", "bob"))
	names, err = gw.Bridges(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vmbr0"}, names, "only the management bridge survives full cleanup")
}

func TestCleanupKeepsBridgeWiredIntoGuest(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, st := newTestAllocator(t, gw)

	ctx := context.Background()
	bridge, err := a.Resolve(ctx, "n1", "alice", types.ParseNetworkAlias("hq"))
	require.NoError(t, err)

	// A guest outside the pool's bookkeeping still uses the bridge.
	vm := gw.AddVM(500, "stray", "n1", false)
	vm.Networks["net0"] = "model=virtio,bridge=" + bridge + ",firewall=1"

	require.NoError(t, a.Cleanup(ctx, "n1", "alice"))

	names, err := gw.Bridges(ctx, "n1")
	require.NoError(t, err)
	assert.Contains(t, names, bridge, "a bridge wired into a guest must survive cleanup")
	assert.Zero(t, gw.Calls["DeleteBridge"])

	// The pool's record is still dropped.
	_, err = st.GetBridge(types.BridgeKey{Node: "n1", Pool: "alice", Alias: "hq"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCleanupKeepsBridgesWhenGuestsUnreadable(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, _ := newTestAllocator(t, gw)

	ctx := context.Background()
	bridge, err := a.Resolve(ctx, "n1", "alice", types.ParseNetworkAlias("hq"))
	require.NoError(t, err)

	gw.FailOn["ListVMs"] = errors.New("node offline")
	require.NoError(t, a.Cleanup(ctx, "n1", "alice"))

	names, err := gw.Bridges(ctx, "n1")
	require.NoError(t, err)
	assert.Contains(t, names, bridge, "unreadable guest state must keep every bridge")
	assert.Zero(t, gw.Calls["DeleteBridge"])
}

func TestCleanupNeverTouchesManagementBridge(t *testing.T) {
	gw := cluster.NewFakeGateway("n1")
	a, st := newTestAllocator(t, gw)

	require.NoError(t, st.PutBridge(&types.BridgeAllocation{
		Node: "n1", Pool: "alice", Alias: "mgmt", Bridge: types.ManagementBridge,
	}))

	require.NoError(t, a.Cleanup(context.Background(), "n1", "alice"))

	names, err := gw.Bridges(context.Background(), "n1")
	require.NoError(t, err)
	assert.Contains(t, names, types.ManagementBridge)
	assert.Zero(t, gw.Calls["DeleteBridge"])
}

func TestEcoRouterMACFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^1C:87:76:40:[0-9A-F]{2}:[0-9A-F]{2}$`)
	for i := 0; i < 32; i++ {
		assert.Regexp(t, pattern, EcoRouterMAC())
	}
}
