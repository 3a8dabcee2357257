// Package lyra defines the shared contract of the lyra record store: the Backend
// capability interface the engine persists through, the coded Error type every
// operation surfaces, the retry policy used against throttling backends, and the
// logging glue that turns slog records into LogMessage callbacks.
//
// The engine gives each process exclusive, leased ownership of a record while it is
// loaded (package lock), commits single-key updates optimistically (package session),
// commits multi-key transactions as one logical unit (package transaction), splits
// oversized payloads into checksummed chunks (package shard), and upgrades stored
// shapes on load (package migration). Package store is the facade most callers use.
//
// Concrete backends live in subpackages: inmemory (test double), bolt (local file),
// redis, cassandra and aws_s3.
package lyra

// Consistency model
//
// A backend only offers single-key, last-write-wins writes guarded by a version token.
// Exclusivity of a record is established by writing a lease into the key's metadata
// with a conditional write, and every later write by the lease holder presents the
// token it last observed. A rejected write under a held lease therefore means another
// writer ignored the lease discipline; the engine reports it as a fatal consistency
// error instead of retrying. Multi-key atomicity rests on the same assumption: with
// every participant leased, no foreign writer can interleave, so a single pass of
// per-key conditional writes is treated as one unit. This is an assumption about the
// writers, not a guarantee against a byzantine backend.
