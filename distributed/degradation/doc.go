// Package degradation decides when repeated dispatch failures degrade a team
// run and when a degraded run must be stopped automatically.
package degradation
