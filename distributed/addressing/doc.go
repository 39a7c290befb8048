// Package addressing resolves node ids to callable base URLs for command
// dispatch and event uplink, including the bootstrap fallback and the
// loopback rewrite used when nodes register with local addresses.
package addressing
