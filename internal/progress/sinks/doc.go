// Package sinks implements progress consumers: Prometheus counters and
// structured logs.
package sinks
