// Package secevents tracks security-relevant events per client identifier,
// escalates bursts into alerts, and enforces temporary blocks.
//
// # Simple in-memory implementation, not shared between instances or persisted
//
// Each (identifier, kind) pair accumulates attempts inside the kind's window.
// Reaching the kind's threshold fires one alert and clears the attempts so the
// next window starts clean. High severity alerts also block the identifier for
// the configured block duration. Blocks expire lazily on read and are swept
// in the background together with idle attempt records.
//
// What this does NOT do:
//   - share state across replicas, every instance tracks and blocks on its own
//   - survive restarts, a restart clears all attempts and blocks
//   - decide what a blocked caller gets, that belongs to the HTTP layer (see Middleware)
package secevents
