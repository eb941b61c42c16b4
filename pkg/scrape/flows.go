package scrape

import (
	"context"
	"time"

	"github.com/vnykmshr/scrapeflow/pkg/common/sleep"
)

// executorFunc runs one unit of work on a flow. attemptsLeft is the
// number of retries remaining after this attempt; done marks the
// pagination finished and is idempotent; payload is nil for a fresh
// task and the carried retry payload otherwise. A (next, true) return
// re-queues the unit with payload next; (_, false) means the unit
// finished, successfully or terminally. Executors never panic: drivers
// wrap every user callback.
type executorFunc func(flow any, attemptsLeft int, done func(), payload any) (any, bool)

// pendingRetry is a failed unit waiting for another attempt.
type pendingRetry struct {
	payload      any
	attempted    map[int]struct{}
	attemptsLeft int
	inFlight     bool
}

// cycleRun schedules one cycle: it admits fresh and retried units onto
// free flows up to the effective concurrency, paces each flow by the
// interval strategy, and resolves exactly once when the executor has
// signalled done and no work remains, or when the cycle context aborts
// and the last in-flight unit returns.
type cycleRun struct {
	s    *Scheduler
	ctx  context.Context
	exec executorFunc

	// guarded by s.mu
	inUse          map[int]struct{}
	pending        []*pendingRetry
	lastExec       map[int]time.Time
	firstPageReady bool
	executorDone   bool
	resolved       bool

	doneCh chan struct{}
}

func (s *Scheduler) newCycleRun(ctx context.Context, exec executorFunc) *cycleRun {
	return &cycleRun{
		s:        s,
		ctx:      ctx,
		exec:     exec,
		inUse:    make(map[int]struct{}),
		lastExec: make(map[int]time.Time),
		doneCh:   make(chan struct{}),
	}
}

// run blocks until the cycle resolves.
func (c *cycleRun) run() {
	go func() {
		select {
		case <-c.ctx.Done():
			c.dispatch()
		case <-c.doneCh:
		}
	}()

	c.dispatch()
	<-c.doneCh
}

// done is the executor's termination signal.
func (c *cycleRun) done() {
	c.s.mu.Lock()
	c.executorDone = true
	c.s.mu.Unlock()
}

// dispatch admits work onto free flows. It is invoked once at cycle
// start and again after every worker returns; each worker runs on its
// own goroutine, so re-entry never deepens the stack.
func (c *cycleRun) dispatch() {
	s := c.s

	if c.ctx.Err() == nil {
		if err := s.topUpFlows(); err != nil {
			s.fatal(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.resolved {
		return
	}
	aborted := c.ctx.Err() != nil
	if len(c.inUse) == 0 && (aborted || (c.executorDone && len(c.pending) == 0)) {
		c.resolveLocked()
		return
	}
	if aborted {
		return
	}

	conc := c.effectiveConcurrencyLocked()
	if conc-len(c.inUse) <= 0 {
		return
	}
	var freeIdx []int
	for i := 0; i < conc && i < len(s.flowsContexts); i++ {
		if _, busy := c.inUse[i]; !busy {
			freeIdx = append(freeIdx, i)
		}
	}
	if len(freeIdx) == 0 {
		return
	}

	assigned := c.assignRetriesLocked(freeIdx, conc)
	taken := make(map[int]struct{}, len(assigned))
	for _, a := range assigned {
		taken[a.idx] = struct{}{}
		c.startFlowLocked(a.idx, a.r)
	}

	if c.executorDone {
		return
	}
	for _, idx := range freeIdx {
		if _, ok := taken[idx]; ok {
			continue
		}
		c.startFlowLocked(idx, nil)
	}
}

// effectiveConcurrencyLocked computes the admission bound for this
// tick. None and Cursor always run on one flow. Otherwise a fixed
// context list pins concurrency to its length, and TotalPages without
// prefetch stays at one flow until the first page has resolved the
// total.
func (c *cycleRun) effectiveConcurrencyLocked() int {
	s := c.s
	if s.cfg.kind == kindNone || s.cfg.kind == kindCursor {
		return 1
	}
	if s.cfg.initFlows != nil {
		return len(s.flowsContexts)
	}
	switch s.cfg.kind {
	case kindTotalPages:
		if !s.cfg.prefetch && !c.firstPageReady {
			return 1
		}
	}
	conc := s.cfg.concurrency
	if conc > len(s.flowsContexts) {
		conc = len(s.flowsContexts)
	}
	return conc
}

type assignment struct {
	idx int
	r   *pendingRetry
}

// assignRetriesLocked matches queued retries to free flows. Under the
// distinct-flows policy each retry is placed on a flow it has not
// visited; a later retry may take a claimed flow only when the earlier
// claimant still has an unclaimed alternative. A retry that has visited
// every flow within the current concurrency bound starts over with an
// unrestricted set. Without the policy, retries go out FIFO.
func (c *cycleRun) assignRetriesLocked(freeIdx []int, conc int) []assignment {
	if len(c.pending) == 0 {
		return nil
	}

	if !c.s.cfg.retryDistinctFlows {
		out := make([]assignment, 0, len(freeIdx))
		i := 0
		for _, idx := range freeIdx {
			for i < len(c.pending) && c.pending[i].inFlight {
				i++
			}
			if i >= len(c.pending) {
				break
			}
			out = append(out, assignment{idx: idx, r: c.pending[i]})
			i++
		}
		return out
	}

	claim := make(map[int]*pendingRetry)
	claimedAt := make(map[*pendingRetry]int)
	var order []*pendingRetry

	availableFor := func(r *pendingRetry) []int {
		var avail []int
		for _, idx := range freeIdx {
			if _, visited := r.attempted[idx]; !visited {
				avail = append(avail, idx)
			}
		}
		return avail
	}

	for _, r := range c.pending {
		if r.inFlight {
			continue
		}
		if len(order) >= len(freeIdx) {
			break
		}
		if coversAll(r.attempted, conc) {
			r.attempted = make(map[int]struct{})
		}
		avail := availableFor(r)
		chosen := -1
		for _, idx := range avail {
			if _, held := claim[idx]; !held {
				chosen = idx
				break
			}
		}
		if chosen == -1 {
			for _, idx := range avail {
				donor := claim[idx]
				for _, alt := range availableFor(donor) {
					if alt == idx {
						continue
					}
					if _, held := claim[alt]; held {
						continue
					}
					claim[alt] = donor
					claimedAt[donor] = alt
					chosen = idx
					break
				}
				if chosen != -1 {
					break
				}
			}
		}
		if chosen == -1 {
			continue // stays queued for a later tick
		}
		claim[chosen] = r
		claimedAt[r] = chosen
		order = append(order, r)
	}

	out := make([]assignment, 0, len(order))
	for _, r := range order {
		out = append(out, assignment{idx: claimedAt[r], r: r})
	}
	return out
}

// coversAll reports whether attempted contains every flow index the
// scheduler may dispatch on under the current concurrency bound.
func coversAll(attempted map[int]struct{}, conc int) bool {
	if conc <= 0 {
		return false
	}
	for i := 0; i < conc; i++ {
		if _, ok := attempted[i]; !ok {
			return false
		}
	}
	return true
}

func (c *cycleRun) startFlowLocked(idx int, r *pendingRetry) {
	c.inUse[idx] = struct{}{}
	if r != nil {
		r.inFlight = true
		c.s.cfg.metrics.PageRetries.WithLabelValues(c.s.cfg.name).Inc()
	}
	c.updateGaugesLocked()
	go c.runFlow(idx, r)
}

// runFlow executes one unit: pace, run the executor, record the
// outcome, release the flow, and re-enter dispatch.
func (c *cycleRun) runFlow(idx int, r *pendingRetry) {
	s := c.s

	s.mu.Lock()
	var flow any
	if idx < len(s.flowsContexts) {
		flow = s.flowsContexts[idx]
	}
	this := s.this
	last, paced := c.lastExec[idx]
	s.mu.Unlock()

	if paced {
		iv := computeInterval(s.cfg.interval, this, flow, func(err error) {
			s.reportError(CategoryGeneralError, err)
		})
		wait := iv
		if s.cfg.intervalStrategy == StrategyDynamic {
			wait = iv - time.Since(last)
		}
		cancelled := sleep.Sleep(c.ctx, wait)

		s.mu.Lock()
		if cancelled || (c.executorDone && r == nil) {
			c.releaseLocked(idx, r)
			s.mu.Unlock()
			c.dispatch()
			return
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	c.lastExec[idx] = time.Now()
	attempts := s.cfg.retryLimit
	var payload any
	if r != nil {
		attempts = r.attemptsLeft
		payload = r.payload
	}
	s.mu.Unlock()

	next, retry := c.exec(flow, attempts, c.done, payload)

	s.mu.Lock()
	switch {
	case !retry:
		c.firstPageReady = true
		if r != nil {
			c.removeRetryLocked(r)
		}
	case attempts > 0:
		if r == nil {
			r = &pendingRetry{attempted: make(map[int]struct{})}
			c.pending = append(c.pending, r)
		}
		r.payload = next
		r.attemptsLeft = attempts - 1
		r.attempted[idx] = struct{}{}
	default:
		// Out of attempts; the driver has already recorded the failure.
		if r != nil {
			c.removeRetryLocked(r)
		}
	}
	c.releaseLocked(idx, r)
	s.mu.Unlock()

	c.dispatch()
}

func (c *cycleRun) releaseLocked(idx int, r *pendingRetry) {
	delete(c.inUse, idx)
	if r != nil {
		r.inFlight = false
	}
	c.updateGaugesLocked()
}

func (c *cycleRun) removeRetryLocked(r *pendingRetry) {
	for i, p := range c.pending {
		if p == r {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *cycleRun) resolveLocked() {
	if c.resolved {
		return
	}
	c.resolved = true
	c.updateGaugesLocked()
	close(c.doneCh)
}

func (c *cycleRun) updateGaugesLocked() {
	m := c.s.cfg.metrics
	m.ActiveFlows.WithLabelValues(c.s.cfg.name).Set(float64(len(c.inUse)))
	m.PendingRetry.WithLabelValues(c.s.cfg.name).Set(float64(len(c.pending)))
}
