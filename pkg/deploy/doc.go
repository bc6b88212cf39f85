// Package deploy is the top-level coordinator for provisioning runs.
//
// A run walks four strictly ordered phases: place users on nodes, replicate
// every needed template to its target node, check target pools for name
// collisions, then provision user by user (account, pool, clones, network
// adapters, pool membership). The first two failure kinds abort the run
// before anything is created; once provisioning starts, failures are scoped
// to the machine or user they hit. State flushes to disk once, at the end.
//
// The package also owns the reverse path: Destroy tears a user's stand back
// down in the opposite order.
package deploy
