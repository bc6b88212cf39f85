// Package replicate maintains per-node copies of VM templates.
//
// Proxmox linked clones only work on the node that holds the template's
// disks, so deploying a user's machines on another node needs a full
// replica of the template there first. The Replicator builds replicas on
// demand (full clone on the home node, convert, live-migrate) and the
// MappingStore remembers them, keyed by original template id and node, so
// the expensive copy happens once per node rather than once per machine.
package replicate
