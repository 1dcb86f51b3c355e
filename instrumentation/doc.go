// Package instrumentation provides OpenTelemetry metrics and tracing for the
// connector. When disabled it wires no-op providers so instrumented code paths
// carry zero overhead, which keeps call sites free of nil checks.
package instrumentation
