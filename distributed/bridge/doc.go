// Package bridge carries command envelopes between the host node that owns a
// team run and the worker nodes executing its members.
//
// HostClient wraps a Transport in the retry policy and de-duplicates concurrent
// sends of the same envelope. WorkerServer executes each envelope id at most
// once. HTTPTransport is the signed HTTP implementation of Transport.
package bridge
