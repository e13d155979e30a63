package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/millillitre/alumet/agent/internal/backoff"
	"github.com/millillitre/alumet/agent/internal/config"
	"github.com/millillitre/alumet/agent/internal/kwollect"
	"github.com/millillitre/alumet/pkg/types"
)

const (
	// retryInitial is the first wait between in-poll retries.
	retryInitial = 250 * time.Millisecond
	// seenHorizon is how far behind the window start a series' last-seen
	// timestamp is kept. The API never returns records that old for the
	// window, so older entries cannot match.
	seenHorizon = time.Minute
)

// Fetcher returns the raw records of the window [from, to).
// *kwollect.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, from, to time.Time) ([]json.RawMessage, error)
}

// Window is the half-open query interval [From, To) of one poll.
type Window struct {
	From time.Time
	To   time.Time
}

// PollResult describes one successful poll.
type PollResult struct {
	ID     string
	Window Window
	// Fetched is the number of records the API returned.
	Fetched int
	// Emitted is the number of points handed to the sink.
	Emitted int
	// Duplicates were already emitted by an earlier poll.
	Duplicates int
	// Rejected counts invalid records by offending field.
	Rejected map[string]int
	Duration time.Duration
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateStarted
	stateStopped
)

// Source polls one Kwollect node and emits normalized points to a Sink.
//
// The host calls Start once, Poll on its own schedule, and Stop on shutdown.
// At most one poll runs at a time; a Poll issued while another is in flight
// returns a KindBusy error immediately. Watermark and Stats are safe to call
// from any goroutine.
type Source struct {
	cfg     config.Plugin
	fetcher Fetcher
	sink    Sink
	parser  parser
	logger  *slog.Logger
	now     func() time.Time
	resume  time.Time

	busy atomic.Bool

	mu         sync.Mutex
	state      lifecycle
	watermark  time.Time
	lastSeen   map[string]time.Time // by series key
	stats      counters
	stopCtx    context.Context
	stopCancel context.CancelFunc
	inflight   sync.WaitGroup
}

// Option customizes a Source.
type Option func(*Source)

// WithLogger sets the logger the Source reports through. By default the
// Source logs nothing; reporting failures is the host's job.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithResume makes Start use t as the initial watermark instead of
// now minus the configured backfill.
func WithResume(t time.Time) Option {
	return func(s *Source) { s.resume = t }
}

// New returns a Source for cfg that fetches through f and emits into sink.
func New(cfg config.Plugin, f Fetcher, sink Sink, opts ...Option) *Source {
	s := &Source{
		cfg:      cfg,
		fetcher:  f,
		sink:     sink,
		parser:   newParser(cfg.Hostname, cfg.Allowed()),
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
		stats:    newCounters(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes the watermark. It must be called once before Poll.
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateStarted:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	if !s.resume.IsZero() {
		s.watermark = s.resume
	} else {
		s.watermark = s.now().Add(-s.cfg.Backfill)
	}
	s.stopCtx, s.stopCancel = context.WithCancel(context.Background())
	s.state = stateStarted

	s.logger.Info("source: started",
		"site", s.cfg.Site, "hostname", s.cfg.Hostname,
		"metrics", s.cfg.Metrics, "watermark", s.watermark)
	return nil
}

// Stop aborts an in-flight poll and waits for it to return, bounded by ctx.
// An aborted poll discards its results and leaves the watermark unchanged.
// Stop is idempotent.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	s.state = stateStopped
	cancel := s.stopCancel
	s.mu.Unlock()

	if prev != stateStarted {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("source: stopped", "hostname", s.cfg.Hostname)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("source: stop: %w", ctx.Err())
	}
}

// Watermark returns the upper bound of the last successfully emitted window.
func (s *Source) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Stats returns a copy of the Source's counters.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.snapshot(s.watermark)
}

// Poll runs one fetch-parse-emit cycle over [watermark, now).
//
// On success the watermark advances to the window's upper bound, even when
// no record was returned. On failure it returns a *PollError and the
// watermark is left untouched, so the next poll asks for the same window.
func (s *Source) Poll(ctx context.Context) (*PollResult, error) {
	id := uuid.NewString()

	if !s.busy.CompareAndSwap(false, true) {
		return nil, &PollError{PollID: id, Kind: KindBusy, Err: ErrPollInProgress}
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	switch s.state {
	case stateNew:
		s.mu.Unlock()
		return nil, ErrNotStarted
	case stateStopped:
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.inflight.Add(1)
	from := s.watermark
	stopCtx := s.stopCtx
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(stopCtx, cancel)
	defer unhook()

	start := s.now()
	to := start
	if to.Before(from) {
		// Local clock went backwards: query an empty window rather than
		// moving the watermark back.
		to = from
	}
	w := Window{From: from, To: to}

	records, err := s.fetch(ctx, w)
	if err != nil {
		return nil, s.fail(&PollError{PollID: id, Kind: classify(ctx, err), Window: w, Err: err})
	}

	res := &PollResult{ID: id, Window: w, Fetched: len(records), Rejected: map[string]int{}}
	points, seen := s.convert(records, w, res)

	if err := ctx.Err(); err != nil {
		return nil, s.fail(&PollError{PollID: id, Kind: KindCanceled, Window: w, Err: err})
	}

	if len(points) > 0 {
		if err := s.sink.Emit(ctx, points); err != nil {
			kind := KindSink
			if ctx.Err() != nil {
				kind = KindCanceled
			}
			return nil, s.fail(&PollError{PollID: id, Kind: kind, Window: w, Err: fmt.Errorf("emit: %w", err)})
		}
	}
	res.Emitted = len(points)
	res.Duration = s.now().Sub(start)

	s.mu.Lock()
	if w.To.After(s.watermark) {
		s.watermark = w.To
	}
	for key, ts := range seen {
		s.lastSeen[key] = ts
	}
	cutoff := w.From.Add(-seenHorizon)
	for key, ts := range s.lastSeen {
		switch {
		case ts.Before(cutoff):
			delete(s.lastSeen, key)
		case ts.After(s.watermark):
			s.lastSeen[key] = s.watermark
		}
	}
	s.stats.recordSuccess(res, start)
	s.mu.Unlock()

	s.logger.Debug("source: poll done",
		"poll_id", id, "from", w.From, "to", w.To,
		"fetched", res.Fetched, "emitted", res.Emitted,
		"duplicates", res.Duplicates, "rejected", res.Rejected)
	return res, nil
}

// fetch calls the Fetcher, retrying transient failures up to MaxRetries
// times with backoff capped at RetryCeiling.
func (s *Source) fetch(ctx context.Context, w Window) ([]json.RawMessage, error) {
	var bo *backoff.Backoff
	for attempt := 0; ; attempt++ {
		records, err := s.fetcher.Fetch(ctx, w.From, w.To)
		if err == nil {
			return records, nil
		}
		if attempt >= s.cfg.MaxRetries || !kwollect.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		if bo == nil {
			bo = backoff.New(min(retryInitial, s.cfg.RetryCeiling), s.cfg.RetryCeiling)
		}
		wait := bo.Next()
		s.logger.Debug("source: transient fetch failure, retrying",
			"attempt", attempt+1, "retry_in", wait, "err", err)
		if serr := backoff.Sleep(ctx, wait); serr != nil {
			return nil, err
		}
	}
}

// convert parses records in order, dropping rejected records and records
// already emitted for their series. It returns the points to emit and the
// newest timestamp per series among them, capped at w.To so a record dated
// in the future cannot mask later readings; lastSeen is only updated once
// the sink has accepted the batch.
func (s *Source) convert(records []json.RawMessage, w Window, res *PollResult) ([]types.Point, map[string]time.Time) {
	s.mu.Lock()
	prev := make(map[string]time.Time, len(s.lastSeen))
	for k, v := range s.lastSeen {
		prev[k] = v
	}
	s.mu.Unlock()

	points := make([]types.Point, 0, len(records))
	seen := make(map[string]time.Time)
	for i, raw := range records {
		pt, rej := s.parser.parse(raw)
		if rej != nil {
			res.Rejected[rej.Field]++
			s.logger.Debug("source: record rejected", "index", i, "field", rej.Field, "reason", rej.Reason)
			continue
		}
		key := pt.SeriesKey()
		if last, ok := prev[key]; ok && !pt.Timestamp.After(last) {
			res.Duplicates++
			continue
		}
		ts := pt.Timestamp
		if ts.After(w.To) {
			ts = w.To
		}
		if cur, ok := seen[key]; !ok || ts.After(cur) {
			seen[key] = ts
		}
		points = append(points, pt)
	}
	return points, seen
}

// fail records a failed poll and returns pe.
func (s *Source) fail(pe *PollError) error {
	s.mu.Lock()
	s.stats.recordFailure(pe)
	s.mu.Unlock()

	s.logger.Warn("source: poll failed",
		"poll_id", pe.PollID, "kind", pe.Kind,
		"from", pe.Window.From, "to", pe.Window.To, "err", pe.Err)
	return pe
}
