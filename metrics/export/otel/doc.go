// Package otel publishes engine counters and the Authenticate latency
// histogram through an OpenTelemetry Meter supplied by the caller.
package otel
