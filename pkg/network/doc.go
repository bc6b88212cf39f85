// Package network manages the Linux bridges that isolate one user's stand
// from another's. Machine specs name networks by alias ("hq", "inet"); the
// allocator turns an alias into a node-local bridge, one per pool, numbered
// inside the alias's range (hq from 1000, inet from 2000, everything else
// from 9000). vmbr0 is the management bridge and is never allocated,
// created, or deleted.
package network
