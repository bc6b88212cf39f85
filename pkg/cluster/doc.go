// Package cluster talks to the Proxmox VE cluster.
//
// Gateway is the narrow contract the rest of the tool programs against:
// topology reads, guest lifecycle (clone, templatize, migrate, delete),
// node bridges, pools, and user accounts. ProxmoxGateway is the HTTP API
// implementation. Operations that start a cluster-side task block until
// the task finishes, so a returned nil means the cluster reached the
// requested state, not merely accepted the request.
//
// Waiter covers the gap the API leaves open: some state changes (a migrated
// template showing up in the target node's inventory, a deleted guest
// leaving it) land shortly after the task reports success. Steps that depend
// on such state poll it through Waiter with a fixed interval and an overall
// deadline; hitting the deadline fails the step.
package cluster
