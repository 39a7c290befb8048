// Package binding keeps the run-scoped team binding: for each team run, the
// snapshot of which concrete agent instances implement each member at the
// current run version. Bindings are replaced on rebind and cloned on read.
package binding
