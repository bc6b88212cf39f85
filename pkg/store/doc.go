/*
Package store provides BoltDB-backed persistence for standforge's
orchestration state.

Two tables are kept in a single database file (<dataDir>/standforge.db):

	template_replicas    "vmid:node"        -> TemplateReplica (JSON)
	bridge_allocations   "node:pool:alias"  -> BridgeAllocation (JSON)

Puts are upserts. The store never talks to the hypervisor: a replica entry is
a claim about remote state, and callers are responsible for verifying the
referenced VM still exists before acting on it.
*/
package store
