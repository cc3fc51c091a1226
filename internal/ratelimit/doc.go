// Package ratelimit is per-ip token bucket middleware that feeds rate_limit
// events into the security tracker.
//
// # In-memory only, not shared between instances
//
// What this does:
//   - caps request rate per client ip and answers 429 once the bucket is empty
//   - reports one rate_limit event per denial run, so a client that keeps
//     hammering after the first 429 counts once until it backs off and
//     trips the limit again
//   - bounds the visitor table so a spray of unique source ips cannot grow it without limit
//
// What this does NOT do:
//   - coordinate limits across replicas
//   - stop distributed floods that stay under the per-ip rate
//   - block anyone. blocking is the tracker's decision, driven by the events reported here
package ratelimit
