package scrape

import (
	"context"
	"sync"
	"time"

	sferrors "github.com/vnykmshr/scrapeflow/pkg/common/errors"
	"github.com/vnykmshr/scrapeflow/pkg/common/sleep"
)

// Scheduler drives repeated scrape cycles over a paginated source. It
// owns the global context and the per-flow worker contexts; all user
// callbacks receive the global context first and the flow context
// second.
//
// At most one cycle is in flight per Scheduler.
type Scheduler struct {
	cfg config
	log logSink
	hub *eventHub

	mu            sync.Mutex
	running       bool
	forced        bool
	this          any
	flowsContexts []any
	firstCycle    bool
	runCancel     context.CancelFunc
	cycleCancel   context.CancelFunc
	loopDone      chan struct{}
}

// New validates opts and returns a Scheduler. It fails on a missing
// FetchHandler, a missing pagination resolver, conflicting flow-context
// initializers, or an InitThisContext that errors or returns nil. Every
// other invalid field is replaced by its default and reported as a
// validation warning.
func New(opts Options) (*Scheduler, error) {
	cfg, warns, err := validateOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg: cfg,
		log: newLogSink(cfg.name, cfg.log, opts.Logger),
		hub: newEventHub(),
	}

	if cfg.initThis != nil {
		this, err := s.callInitThis()
		if err != nil {
			return nil, sferrors.NewOperationError(moduleName, "InitThisContext", err)
		}
		if this == nil {
			return nil, sferrors.NewValidationError(moduleName, "InitThisContext", nil, "must return a non-nil context")
		}
		s.this = this
	}

	for _, w := range warns {
		s.log.warning(w.field, w.msg)
		s.hub.emitWarning(w.field, w.msg)
	}

	return s, nil
}

// Start launches the cycle loop. It returns false when the scheduler is
// already running. The started event fires from the loop goroutine,
// after IsRunning observes true.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.forced = false
	s.runCancel = cancel
	s.loopDone = make(chan struct{})
	s.firstCycle = true

	go s.runLoop(ctx)
	return true
}

// StartOnce starts the scheduler and immediately requests a graceful
// stop, so exactly one cycle runs. The returned channel closes when the
// loop has exited.
func (s *Scheduler) StartOnce() <-chan struct{} {
	s.Start()
	return s.Stop(false)
}

// Stop requests a stop and returns a channel that closes when the cycle
// loop has fully exited. A graceful stop (forced=false) lets the active
// cycle finish; a forced stop also aborts the active cycle. Calling
// Stop(true) after a graceful request escalates it. Stop on an idle
// scheduler returns an already-closed channel.
func (s *Scheduler) Stop(forced bool) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		if s.loopDone != nil {
			return s.loopDone
		}
		closed := make(chan struct{})
		close(closed)
		return closed
	}

	if forced && !s.forced {
		s.forced = true
		if s.cycleCancel != nil {
			s.cycleCancel()
		}
	}
	s.runCancel()
	return s.loopDone
}

// IsRunning reports whether the cycle loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Options returns the validated options with every default filled in.
func (s *Scheduler) Options() Options {
	return s.cfg.normalized()
}

// This returns the global context passed to user callbacks.
func (s *Scheduler) This() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.this
}

// FlowsContexts returns a copy of the current worker-context list.
func (s *Scheduler) FlowsContexts() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any{}, s.flowsContexts...)
}

// OnStarted registers a callback for the started event.
func (s *Scheduler) OnStarted(fn func()) { s.hub.onStarted(fn) }

// OnStopped registers a callback for the stopped event.
func (s *Scheduler) OnStopped(fn func()) { s.hub.onStopped(fn) }

// OnCycleSummary registers a callback invoked with every cycle summary.
func (s *Scheduler) OnCycleSummary(fn func(CycleSummary)) { s.hub.onSummary(fn) }

// OnValidationWarning registers a callback for rejected option fields.
// Option validation runs inside New, which prints and emits its
// warnings before returning, so a callback registered here receives
// none of them.
func (s *Scheduler) OnValidationWarning(fn func(key, msg string)) { s.hub.onWarning(fn) }

// OnError registers a callback for one error category.
func (s *Scheduler) OnError(c Category, fn func(error)) { s.hub.onError(c, fn) }

// runLoop is the cycle loop. The first cycle always runs, even when a
// graceful stop arrives before it starts; afterwards the loop exits as
// soon as the stop is observed, either right after the summary or from
// the cancelled pacing sleep.
func (s *Scheduler) runLoop(ctx context.Context) {
	s.hub.emitStarted()

	for {
		if err := s.prepareCycle(); err != nil {
			s.fatal(err)
			break
		}

		cycleCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cycleCancel = cancel
		if s.forced {
			cancel()
		}
		s.mu.Unlock()

		s.cfg.metrics.CyclesStarted.WithLabelValues(s.cfg.name).Inc()
		summary := s.runCycle(cycleCtx)
		cancel()

		s.mu.Lock()
		s.cycleCancel = nil
		s.firstCycle = false
		s.mu.Unlock()

		s.cfg.metrics.CycleDuration.WithLabelValues(s.cfg.name).Observe(summary.Stats.Timings.Total.Seconds())
		if summary.Completed {
			s.cfg.metrics.CyclesCompleted.WithLabelValues(s.cfg.name).Inc()
		}

		if s.cfg.summaryHandler != nil {
			if err := s.callSummaryHandler(summary); err != nil {
				s.reportError(CategorySummaryHandleError, err)
			}
		}
		s.hub.emitSummary(summary)

		if ctx.Err() != nil {
			break
		}
		if cancelled := s.paceCycles(ctx, summary.Stats.Timings.StartedAt); cancelled {
			break
		}
	}

	s.mu.Lock()
	s.running = false
	done := s.loopDone
	s.mu.Unlock()

	close(done)
	s.hub.emitStopped()
}

// prepareCycle resets the global context when configured and runs the
// flow-context updater for the cycle start.
func (s *Scheduler) prepareCycle() error {
	s.mu.Lock()
	first := s.firstCycle
	s.mu.Unlock()

	if s.cfg.resetThis && !first && s.cfg.initThis != nil {
		this, err := s.callInitThis()
		if err != nil {
			return sferrors.NewOperationError(moduleName, "InitThisContext", err)
		}
		if this == nil {
			return sferrors.NewValidationError(moduleName, "InitThisContext", nil, "must return a non-nil context")
		}
		s.mu.Lock()
		s.this = this
		s.mu.Unlock()
	}

	return s.refreshFlowContexts(true)
}

// paceCycles sleeps between cycles, honoring the cron schedule when one
// is configured. It returns true when the sleep was cancelled.
func (s *Scheduler) paceCycles(ctx context.Context, cycleStartedAt time.Time) bool {
	var wait time.Duration
	if s.cfg.cycleSchedule != nil {
		wait = time.Until(s.cfg.cycleSchedule.Next(time.Now()))
	} else {
		iv := s.cfg.cycleInterval
		if iv == nil {
			iv = s.cfg.interval
		}
		wait = computeInterval(iv, s.This(), nil, func(err error) {
			s.reportError(CategoryGeneralError, err)
		})
		if s.cfg.cycleIntervalStrategy == StrategyDynamic {
			wait -= time.Since(cycleStartedAt)
		}
	}
	return sleep.Sleep(ctx, wait)
}

// runCycle builds the driver for the configured pagination kind and
// runs one cycle under cycleCtx.
func (s *Scheduler) runCycle(ctx context.Context) CycleSummary {
	acc := newAccumulator()
	fails := newFailCounter(s.cfg.skipPageIfPossible, s.cfg.maxTotalFails, s.cfg.maxConsecFails)

	switch p := s.cfg.pagination.(type) {
	case TotalPages:
		d := &totalPagesDriver{s: s, p: p, acc: acc, fails: fails, nextPage: s.cfg.paginationStart}
		return d.run(ctx)
	case HasMore:
		d := &hasMoreDriver{s: s, p: p, acc: acc, fails: fails, nextPage: s.cfg.paginationStart}
		return d.run(ctx)
	case Cursor:
		d := &cursorDriver{s: s, p: p, acc: acc, nextPageNum: 1}
		return d.run(ctx)
	case List:
		d := &listDriver{s: s, p: p, acc: acc, fails: fails}
		return d.run(ctx)
	default:
		d := &noneDriver{s: s, acc: acc}
		return d.run(ctx)
	}
}

// fatal forces a stop after an unrecoverable runtime error.
func (s *Scheduler) fatal(err error) {
	s.reportError(CategoryGeneralError, err)
	s.mu.Lock()
	s.forced = true
	if s.cycleCancel != nil {
		s.cycleCancel()
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()
}

// reportError prints and emits an error under its category. Must not be
// called with the scheduler lock held.
func (s *Scheduler) reportError(c Category, err error) {
	s.log.error(c, err)
	s.hub.emitError(c, err)
}
