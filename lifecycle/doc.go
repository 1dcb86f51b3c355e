// Package lifecycle coordinates graceful shutdown: it tracks in-flight
// operations, rejects new work once draining begins, waits for the in-flight
// count to reach zero bounded by a timeout, and then runs registered cleanup
// hooks. The coordinator moves linearly through running, draining, and
// stopped; a second shutdown signal is a no-op that observes the first one's
// completion.
package lifecycle
