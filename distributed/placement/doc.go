// Package placement validates team member node-affinity hints against the
// known and available node sets and computes member placement.
package placement
