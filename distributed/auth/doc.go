// Package auth signs and verifies node-to-node HTTP calls.
//
// Each request carries the caller node id and an HS256 token whose claims bind
// the HTTP method, path and the SHA-256 of the body. Keys are per node: either
// configured explicitly or derived from a shared secret. Verification checks
// the signature, the timestamp against a clock-skew window and the caller
// allow-list.
package auth
