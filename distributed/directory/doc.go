// Package directory holds the in-memory node directory: node id to base URL,
// health and execution capability. Discovery and heartbeat services populate it;
// placement and addressing read it.
package directory
