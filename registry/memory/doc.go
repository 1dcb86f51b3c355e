// Package memory provides an in-memory implementation of the connection
// registry. It is suitable for development, testing, and single-instance
// deployments; credentials are lost on process restart, which is a documented
// limitation of this backend.
//
// The store stripes its credential map by user ID so that operations for
// different users never contend on a single global lock, while operations for
// the same user remain mutually exclusive.
package memory
