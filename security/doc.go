// Package security provides security primitives for the connector: credential
// encryption at rest, per-identifier rate limiting, audit logging with PII
// protection, request ID propagation, and clock-skew tolerant expiry checks.
package security
