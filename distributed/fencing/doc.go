// Package fencing drops commands and events that carry a run version older
// than the authoritative current version of their team run, or that belong to
// a run the host no longer knows.
package fencing
