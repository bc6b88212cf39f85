package cluster

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the cluster has no object with the requested id.
var ErrNotFound = errors.New("not found on cluster")

// StorageInfo describes one storage visible from a node.
type StorageInfo struct {
	Name    string
	Shared  bool
	Enabled bool
	Content []string
}

// HasContent reports whether the storage accepts the given content type
// ("images", "iso", ...).
func (s StorageInfo) HasContent(kind string) bool {
	for _, c := range s.Content {
		if c == kind {
			return true
		}
	}
	return false
}

// VMInfo is one row of the cluster VM inventory.
type VMInfo struct {
	VMID int
	Name string
	Node string
}

// VMConfig is the subset of a guest's configuration the orchestrator reads.
type VMConfig struct {
	Name       string
	IsTemplate bool
	// Networks maps interface name ("net0") to its raw config value
	// ("virtio,bridge=vmbr1000,firewall=1").
	Networks map[string]string
}

// PoolMember is one guest registered in a resource pool.
type PoolMember struct {
	VMID int
	Name string
}

// CloneRequest describes one clone operation.
type CloneRequest struct {
	SourceNode string
	SourceID   int
	TargetNode string
	NewID      int
	Name       string
	Pool       string
	Full       bool
	Storage    string
}

// Gateway is the contract this tool needs from the hypervisor cluster's
// management API. Operations that start a cluster-side task block until the
// task reaches a terminal state; a task that ends badly or times out is the
// operation's error. Implementations must be safe for sequential use only.
type Gateway interface {
	// Topology
	Nodes(ctx context.Context) ([]string, error)
	Storages(ctx context.Context, node string) ([]StorageInfo, error)

	// Guest inventory
	NextFreeVMID(ctx context.Context) (int, error)
	VMIDUnique(ctx context.Context, vmid int) (bool, error)
	ListVMs(ctx context.Context, node string) ([]VMInfo, error)
	VMConfig(ctx context.Context, node string, vmid int) (*VMConfig, error)

	// Guest lifecycle
	CloneVM(ctx context.Context, req CloneRequest) error
	ConvertToTemplate(ctx context.Context, node string, vmid int) error
	MigrateVM(ctx context.Context, node string, vmid int, targetNode string, online bool) error
	DeleteVM(ctx context.Context, node string, vmid int) error
	SetVMNetwork(ctx context.Context, node string, vmid int, iface, value string) error

	// Node networking
	Bridges(ctx context.Context, node string) ([]string, error)
	CreateBridge(ctx context.Context, node, name string, vlanAware bool) error
	DeleteBridge(ctx context.Context, node, name string) error
	ReloadNetwork(ctx context.Context, node string) error

	// Pools and access
	CreatePool(ctx context.Context, pool string) error
	DeletePool(ctx context.Context, pool string) error
	PoolMembers(ctx context.Context, pool string) ([]PoolMember, error)
	AddVMToPool(ctx context.Context, pool string, vmid int) error
	UserExists(ctx context.Context, userid string) (bool, error)
	CreateUser(ctx context.Context, userid, password string) error
	DeleteUser(ctx context.Context, userid string) error
	GrantPoolAccess(ctx context.Context, pool, userid, role string) error
}

// IsTemplateOn reports whether vmid exists on node and is flagged as a
// template. It is the existence check the replica table uses before trusting
// a cached entry.
func IsTemplateOn(ctx context.Context, gw Gateway, node string, vmid int) bool {
	cfg, err := gw.VMConfig(ctx, node, vmid)
	if err != nil {
		return false
	}
	return cfg.IsTemplate
}
