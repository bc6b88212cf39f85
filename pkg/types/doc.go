/*
Package types defines the shared data model for standforge.

It holds the stand configuration types (MachineSpec, NetworkSpec), the two
persisted tables' entry types (TemplateReplica keyed by ReplicaKey,
BridgeAllocation keyed by BridgeKey), placement strategies, and the
per-run result types.

Keys are value structs, not formatted strings; the String methods exist only
to produce the on-disk table encoding ("vmid:node" and "node:pool:alias").
*/
package types
