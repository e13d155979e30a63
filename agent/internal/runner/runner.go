package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/millillitre/alumet/agent/internal/config"
	"github.com/millillitre/alumet/agent/internal/kwollect"
	"github.com/millillitre/alumet/agent/internal/source"
)

const defaultStopTimeout = 5 * time.Second

// Factory builds an unstarted Source for cfg. A non-zero resume is the
// watermark the Source must start from.
type Factory func(cfg config.Plugin, resume time.Time) (*source.Source, error)

// KwollectFactory returns a Factory building Sources that fetch from the
// Kwollect API and emit into sink.
func KwollectFactory(sink source.Sink, logger *slog.Logger) Factory {
	return func(cfg config.Plugin, resume time.Time) (*source.Source, error) {
		client, err := kwollect.New(cfg)
		if err != nil {
			return nil, err
		}
		opts := []source.Option{source.WithLogger(logger)}
		if !resume.IsZero() {
			opts = append(opts, source.WithResume(resume))
		}
		return source.New(cfg, client, sink, opts...), nil
	}
}

// Runner polls the current Source every PollInterval.
type Runner struct {
	factory     Factory
	reload      chan config.Plugin
	stopTimeout time.Duration
	log         failureLog

	mu  sync.Mutex
	cfg config.Plugin
	src *source.Source
}

// New returns a Runner for cfg. Nothing happens until Run is called.
func New(cfg config.Plugin, factory Factory) *Runner {
	return &Runner{
		factory:     factory,
		reload:      make(chan config.Plugin, 1),
		stopTimeout: defaultStopTimeout,
		cfg:         cfg,
	}
}

// Run starts the Source, polls once immediately and then on every tick,
// until ctx is cancelled. The Source is stopped before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	src, err := r.build(ctx, cfg, time.Time{})
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	r.swap(cfg, src)
	defer func() { r.stop(r.current()) }()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.poll(ctx)
		case next := <-r.reload:
			if r.apply(ctx, next) {
				ticker.Reset(next.PollInterval)
			}
		}
	}
}

// Reload queues cfg to replace the running configuration. Only the latest
// queued configuration is applied.
func (r *Runner) Reload(cfg config.Plugin) {
	for {
		select {
		case r.reload <- cfg:
			return
		default:
		}
		select {
		case <-r.reload:
		default:
		}
	}
}

// Stats returns the counters of the current Source. Counters restart when a
// reload rebuilds the Source.
func (r *Runner) Stats() source.Stats {
	if src := r.current(); src != nil {
		return src.Stats()
	}
	return source.Stats{UptimePct: 100}
}

// Watermark returns the current Source's watermark, or the zero time
// before the first Source is started.
func (r *Runner) Watermark() time.Time {
	if src := r.current(); src != nil {
		return src.Watermark()
	}
	return time.Time{}
}

func (r *Runner) current() *source.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src
}

func (r *Runner) swap(cfg config.Plugin, src *source.Source) *source.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.src
	r.cfg, r.src = cfg, src
	return old
}

func (r *Runner) build(ctx context.Context, cfg config.Plugin, resume time.Time) (*source.Source, error) {
	src, err := r.factory(cfg, resume)
	if err != nil {
		return nil, fmt.Errorf("build source: %w", err)
	}
	if err := src.Start(ctx); err != nil {
		return nil, fmt.Errorf("start source: %w", err)
	}
	return src, nil
}

func (r *Runner) poll(ctx context.Context) {
	src := r.current()
	res, err := src.Poll(ctx)
	if err != nil {
		r.log.failure(err)
		return
	}
	r.log.success()
	slog.Debug("runner: poll ok",
		"poll_id", res.ID, "emitted", res.Emitted,
		"duplicates", res.Duplicates, "duration", res.Duration)
}

// apply swaps in a Source built from next. It reports whether the
// configuration changed.
func (r *Runner) apply(ctx context.Context, next config.Plugin) bool {
	r.mu.Lock()
	prev, old := r.cfg, r.src
	r.mu.Unlock()

	if reflect.DeepEqual(prev, next) {
		return false
	}

	var resume time.Time
	if next.SameTarget(prev) {
		resume = old.Watermark()
	}
	src, err := r.build(ctx, next, resume)
	if err != nil {
		slog.Error("runner: reload rejected, keeping previous source", "err", err)
		return false
	}
	r.stop(r.swap(next, src))
	r.log.reset()

	slog.Info("runner: source reloaded",
		"site", next.Site, "hostname", next.Hostname,
		"resumed", !resume.IsZero(), "watermark", src.Watermark())
	return true
}

func (r *Runner) stop(src *source.Source) {
	if src == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
	defer cancel()
	if err := src.Stop(ctx); err != nil {
		slog.Warn("runner: source did not stop in time", "err", err)
	}
}

// repeatEvery is how often a repeated failure of the same kind is logged
// at full level.
const repeatEvery = 10

// failureLog keeps a failing poll loop from flooding the log: the first
// failure of a kind is logged, repeats are logged every repeatEvery polls,
// and recovery is logged once.
type failureLog struct {
	kind  source.Kind
	count int
}

func (f *failureLog) failure(err error) {
	kind := source.KindOf(err)
	switch {
	case kind == source.KindCanceled, errors.Is(err, source.ErrStopped):
		slog.Debug("runner: poll aborted", "err", err)
		return
	case kind == source.KindBusy:
		slog.Debug("runner: poll skipped, previous poll still running")
		return
	}

	if kind != f.kind {
		f.kind, f.count = kind, 0
	}
	f.count++
	if f.count > 1 && f.count%repeatEvery != 0 {
		slog.Debug("runner: poll failed", "kind", kind, "consecutive", f.count, "err", err)
		return
	}

	level := slog.LevelWarn
	if kind == source.KindAuth {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "runner: poll failed",
		"kind", kind, "consecutive", f.count, "err", err)
}

func (f *failureLog) success() {
	if f.count > 0 {
		slog.Info("runner: polling recovered", "after_failures", f.count, "kind", f.kind)
	}
	f.reset()
}

func (f *failureLog) reset() {
	f.kind, f.count = "", 0
}
