package source

import (
	"maps"
	"time"
)

// uptimeWindow is the number of recent poll outcomes tracked for UptimePct.
const uptimeWindow = 20

// Stats is a point-in-time copy of a Source's counters.
type Stats struct {
	Polls      uint64
	Succeeded  uint64
	Failures   map[Kind]uint64
	Emitted    uint64
	Duplicates uint64
	// Rejected counts skipped records by the field that failed validation.
	Rejected map[string]uint64

	// ConsecutiveFailures resets to zero on the first successful poll.
	ConsecutiveFailures int
	// UptimePct is the share of successful polls among the last 20.
	UptimePct float64

	LastKind    Kind
	LastError   string
	LastSuccess time.Time
	Watermark   time.Time
}

// RejectedTotal sums Rejected over all fields.
func (s Stats) RejectedTotal() uint64 {
	var n uint64
	for _, v := range s.Rejected {
		n += v
	}
	return n
}

// counters is the mutable state behind Stats. Callers hold Source.mu.
type counters struct {
	polls       uint64
	succeeded   uint64
	failures    map[Kind]uint64
	emitted     uint64
	duplicates  uint64
	rejected    map[string]uint64
	consecutive int
	history     []bool // poll outcomes, newest last
	lastKind    Kind
	lastError   string
	lastSuccess time.Time
}

func newCounters() counters {
	return counters{
		failures: make(map[Kind]uint64),
		rejected: make(map[string]uint64),
	}
}

func (c *counters) recordSuccess(res *PollResult, at time.Time) {
	c.polls++
	c.succeeded++
	c.emitted += uint64(res.Emitted)
	c.duplicates += uint64(res.Duplicates)
	for field, n := range res.Rejected {
		c.rejected[field] += uint64(n)
	}
	c.consecutive = 0
	c.lastKind = ""
	c.lastError = ""
	c.lastSuccess = at
	c.recordOutcome(true)
}

func (c *counters) recordFailure(pe *PollError) {
	c.polls++
	c.failures[pe.Kind]++
	c.consecutive++
	c.lastKind = pe.Kind
	c.lastError = pe.Err.Error()
	c.recordOutcome(false)
}

func (c *counters) recordOutcome(success bool) {
	if len(c.history) >= uptimeWindow {
		c.history = c.history[1:]
	}
	c.history = append(c.history, success)
}

func (c *counters) uptimePct() float64 {
	if len(c.history) == 0 {
		return 100 // assume up before the first poll
	}
	var ok int
	for _, s := range c.history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(c.history)) * 100
}

func (c *counters) snapshot(watermark time.Time) Stats {
	return Stats{
		Polls:               c.polls,
		Succeeded:           c.succeeded,
		Failures:            maps.Clone(c.failures),
		Emitted:             c.emitted,
		Duplicates:          c.duplicates,
		Rejected:            maps.Clone(c.rejected),
		ConsecutiveFailures: c.consecutive,
		UptimePct:           c.uptimePct(),
		LastKind:            c.lastKind,
		LastError:           c.lastError,
		LastSuccess:         c.lastSuccess,
		Watermark:           watermark,
	}
}
