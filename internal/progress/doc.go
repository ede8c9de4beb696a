// Package progress carries fetch lifecycle events from the engine and batch
// coordinator to pluggable sinks. Emitters never block: events are buffered,
// batched on a background goroutine and dropped under backpressure.
package progress
