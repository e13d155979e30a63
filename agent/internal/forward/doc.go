// Package forward ships emitted points to an external broker.
//
// Forwarder is a source.Sink that never blocks the poll: batches are queued
// in a bounded buffer (oldest evicted when full) and drained by Run, which
// retries with backoff while the broker is unreachable.
package forward
