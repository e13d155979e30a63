// Package source drives the Kwollect poll cycle.
//
// A Source owns the watermark (the upper bound of the last window whose
// points were emitted), asks a Fetcher for the records of
// [watermark, now), converts them to types.Point and hands them to a Sink.
// The watermark only moves after the sink accepted the batch, so a failed
// poll is retried over the same window by the next one. Records already
// emitted for their series are skipped, which makes overlapping windows safe.
//
// Records are converted one by one: a record missing its timestamp,
// metric_id or value, or whose metric id is not allowed, is counted as
// rejected and skipped without failing the poll.
//
// Failures are reported as *PollError with a Kind (transient, auth, decode,
// transport, sink, canceled, busy). The Source never decides to give up;
// escalation of repeated failures is left to the host.
package source
