package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeviceClass selects how a machine's network adapters are modeled.
type DeviceClass string

const (
	// DeviceLinux is the generic machine class: virtio adapters with the
	// firewall enabled, no extra interfaces.
	DeviceLinux DeviceClass = "linux"

	// DeviceEcoRouter is the router appliance class. It gets a management
	// adapter on net0 (bridge vmbr0, link down) before its data adapters,
	// and all adapters use the vmxnet3 model with a vendor MAC prefix.
	DeviceEcoRouter DeviceClass = "ecorouter"
)

// ManagementBridge is the well-known bridge every node carries. It is never
// allocated, created, or deleted by this tool.
const ManagementBridge = "vmbr0"

// MachineSpec is the logical definition of one VM created per user. It is
// immutable once loaded from the stand configuration.
type MachineSpec struct {
	Name         string        `yaml:"name"`
	DeviceClass  DeviceClass   `yaml:"device_type"`
	TemplateID   int           `yaml:"template_vmid"`
	TemplateNode string        `yaml:"template_node"`
	Networks     []NetworkSpec `yaml:"networks"`
	FullClone    bool          `yaml:"full_clone"`
}

// NetworkSpec is one network attachment of a machine, identified by a logical
// alias. The raw alias form supports two decorations:
//
//	hq.25       alias "hq" carrying VLAN tag 25
//	**vmbr47**  reserved: the literal bridge name, never remapped
type NetworkSpec struct {
	Alias    string `yaml:"bridge"`
	VLAN     int    `yaml:"-"`
	Reserved bool   `yaml:"-"`
}

// ParseNetworkAlias splits a raw alias into its logical name, optional VLAN
// tag and reserved flag.
func ParseNetworkAlias(raw string) NetworkSpec {
	if strings.HasPrefix(raw, "**") {
		return NetworkSpec{Alias: strings.Trim(raw, "*"), Reserved: true}
	}
	if i := strings.LastIndex(raw, "."); i > 0 {
		if tag, err := strconv.Atoi(raw[i+1:]); err == nil {
			return NetworkSpec{Alias: raw[:i], VLAN: tag}
		}
	}
	return NetworkSpec{Alias: raw}
}

// ReplicaKey identifies a node-local copy of a template: the template as it
// was originally created, and the node the copy lives on.
type ReplicaKey struct {
	TemplateID int
	Node       string
}

// String renders the key in the persisted table format.
func (k ReplicaKey) String() string {
	return fmt.Sprintf("%d:%s", k.TemplateID, k.Node)
}

// ParseReplicaKey parses the persisted "vmid:node" form.
func ParseReplicaKey(s string) (ReplicaKey, error) {
	id, node, ok := strings.Cut(s, ":")
	if !ok {
		return ReplicaKey{}, fmt.Errorf("malformed replica key %q", s)
	}
	vmid, err := strconv.Atoi(id)
	if err != nil {
		return ReplicaKey{}, fmt.Errorf("malformed replica key %q: %w", s, err)
	}
	return ReplicaKey{TemplateID: vmid, Node: node}, nil
}

// TemplateReplica records a manufactured node-local template. An entry is
// only trustworthy while the referenced VM still exists on Node and is still
// flagged as a template; consumers must re-verify before cloning from it.
type TemplateReplica struct {
	OriginalID int       `json:"original_vmid"`
	LocalID    int       `json:"local_vmid"`
	Node       string    `json:"target_node"`
	CreatedAt  time.Time `json:"created_at"`
}

// Key returns the replica's table key.
func (r *TemplateReplica) Key() ReplicaKey {
	return ReplicaKey{TemplateID: r.OriginalID, Node: r.Node}
}

// BridgeKey identifies a bridge allocation: one alias of one pool on one node.
type BridgeKey struct {
	Node  string
	Pool  string
	Alias string
}

// String renders the key in the persisted table format.
func (k BridgeKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Node, k.Pool, k.Alias)
}

// BridgeAllocation maps a logical alias to the concrete bridge device backing
// it for one pool on one node. Allocations are stable for the lifetime of the
// pool so repeated deployments reuse the same topology.
type BridgeAllocation struct {
	Node      string `json:"node"`
	Pool      string `json:"pool"`
	Alias     string `json:"alias"`
	Bridge    string `json:"bridge"`
	VLANAware bool   `json:"vlan_aware,omitempty"`
}

// Key returns the allocation's table key.
func (a *BridgeAllocation) Key() BridgeKey {
	return BridgeKey{Node: a.Node, Pool: a.Pool, Alias: a.Alias}
}

// PlacementStrategy selects how users are spread across cluster nodes.
type PlacementStrategy string

const (
	// PlacementSingle is the forced mapping when the cluster has exactly
	// one node.
	PlacementSingle PlacementStrategy = "single"

	// PlacementExplicit places every user on a caller-supplied node.
	PlacementExplicit PlacementStrategy = "explicit"

	// PlacementBalanced assigns users round-robin over the node list in
	// deterministic order: users[i] lands on nodes[i mod len(nodes)].
	PlacementBalanced PlacementStrategy = "balanced"
)

// MachineResult is the per-machine outcome of one user's provisioning.
type MachineResult struct {
	Name  string `json:"name"`
	VMID  int    `json:"vmid,omitempty"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the machine was created.
func (m MachineResult) OK() bool { return m.Error == "" }

// UserResult is the per-user outcome of a deployment run.
type UserResult struct {
	User     string          `json:"user"`
	Pool     string          `json:"pool"`
	Node     string          `json:"node"`
	Password string          `json:"password,omitempty"`
	Error    string          `json:"error,omitempty"`
	Machines []MachineResult `json:"machines,omitempty"`
}

// DeploymentResult aggregates the whole run.
type DeploymentResult struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Users      []UserResult `json:"users"`
}

// PoolName derives the hypervisor pool from a user identifier: the part
// before the realm separator ("student7@pve" -> "student7").
func PoolName(user string) string {
	name, _, _ := strings.Cut(user, "@")
	return name
}
