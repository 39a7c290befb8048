// Package events carries team execution events from worker nodes to the host.
//
// Workers publish RemoteExecutionEvents through HTTPUplink. The host's
// IngestService fences stale run versions, drops duplicate source events and
// hands the rest to the Aggregator, which assigns each run a gap-free sequence
// across local and remote origins before publishing to a Sink.
package events
