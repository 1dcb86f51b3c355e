// Package registry defines the connection registry contract: the process-wide
// store mapping users and sessions to their single active credential record.
// It supports in-memory and durable backend implementations behind the same
// interface.
package registry
