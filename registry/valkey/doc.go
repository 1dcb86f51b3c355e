// Package valkey provides a Valkey-backed implementation of the connection
// registry, so credential records survive process restarts.
//
// Records are stored as JSON under per-user keys with a TTL equal to the
// idle-eviction threshold; every lookup hit rewrites the record with a fresh
// TTL, so Valkey itself enforces idle eviction even when no sweep runs.
// Session bindings live under separate keys pointing at the owning user.
//
// The registry contract requires per-user mutual exclusion for
// read-modify-write operations such as token merges. This store serves a
// single-process deployment, so that exclusion is provided by in-process
// lock striping keyed by user ID, mirroring the in-memory backend.
package valkey
