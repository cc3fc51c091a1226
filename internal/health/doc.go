// Package health serves the liveness and readiness endpoints of the ops
// listener.
//
// Readiness is the conjunction ([All]) of [Condition] probes: one failing
// while the policy table is not loaded and one flipped during shutdown drain.
package health
