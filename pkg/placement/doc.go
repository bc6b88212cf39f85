// Package placement decides which cluster node hosts each user's machines.
// Assignments are pure functions of the request, so two operators running
// the same deployment get the same layout.
package placement
