package scrape

import (
	"context"
	"fmt"
	"sync"
	"time"

	sferrors "github.com/vnykmshr/scrapeflow/pkg/common/errors"
)

// The pagination drivers. Each driver owns the private state of one
// cycle, translates its page-identifier stream into the generic
// executor consumed by cycleRun, and assembles the cycle summary.
// Executors catch every user error themselves; nothing propagates to
// the scheduler.

// recordAttempt reports the timing and metrics of one page attempt.
func (s *Scheduler) recordAttempt(acc *accumulator, start time.Time, success bool) {
	d := time.Since(start)
	acc.addTiming(d, success)
	result := "success"
	if !success {
		result = "failure"
	}
	s.cfg.metrics.PagesFetched.WithLabelValues(s.cfg.name, result).Inc()
	s.cfg.metrics.PageFetchDuration.WithLabelValues(s.cfg.name).Observe(d.Seconds())
}

func (s *Scheduler) recordPageFailure(acc *accumulator, page int) {
	acc.addFailedPage(page)
	s.cfg.metrics.PageFailures.WithLabelValues(s.cfg.name).Inc()
}

func fetchError(err error, args FetchArgs) error {
	return sferrors.NewOperationError(moduleName, "FetchHandler", err).
		WithContext(fmt.Sprintf("page %d", args.Page))
}

func resolveError(op string, err error, page int) error {
	return sferrors.NewOperationError(moduleName, op, err).
		WithContext(fmt.Sprintf("page %d", page))
}

// noneDriver fetches a single page per cycle.
type noneDriver struct {
	s   *Scheduler
	acc *accumulator

	mu        sync.Mutex
	succeeded bool
}

func (d *noneDriver) run(ctx context.Context) CycleSummary {
	c := d.s.newCycleRun(ctx, d.execute)
	c.run()

	d.acc.setTotalPageCount(1)
	d.mu.Lock()
	d.acc.setCompleted(d.succeeded)
	d.mu.Unlock()
	return d.acc.summarize()
}

func (d *noneDriver) execute(flow any, attemptsLeft int, done func(), payload any) (any, bool) {
	if payload == nil {
		// The one and only page; nothing follows it.
		done()
	}

	this := d.s.This()
	args := FetchArgs{Page: 1}
	start := time.Now()
	resp, err := d.s.callFetch(this, flow, args)
	if err != nil {
		d.s.recordAttempt(d.acc, start, false)
		d.acc.addError()
		d.s.reportError(CategoryFetchError, fetchError(err, args))
		if attemptsLeft > 0 {
			return 1, true
		}
		d.s.recordPageFailure(d.acc, 1)
		return nil, false
	}

	d.s.recordAttempt(d.acc, start, true)
	d.mu.Lock()
	d.succeeded = true
	d.mu.Unlock()
	d.s.dispatchResponseHandler(this, flow, resp)
	return nil, false
}

// totalPagesDriver enumerates pages until the total resolved from the
// responses is reached. Without PaginationPrefetch the scheduler keeps
// concurrency at one flow until the first page has resolved the total.
type totalPagesDriver struct {
	s     *Scheduler
	p     TotalPages
	acc   *accumulator
	fails *failCounter

	mu          sync.Mutex
	nextPage    int
	lastPage    int // 0 until resolved
	sawLastPage bool
}

func (d *totalPagesDriver) run(ctx context.Context) CycleSummary {
	c := d.s.newCycleRun(ctx, d.execute)
	c.run()

	d.mu.Lock()
	lastPage := d.lastPage
	saw := d.sawLastPage
	issued := d.nextPage - d.s.cfg.paginationStart
	d.mu.Unlock()

	if lastPage == 0 {
		if issued < 0 {
			issued = 0
		}
		d.acc.setTotalPageCount(issued)
	}
	d.acc.setCompleted(saw && ctx.Err() == nil && d.fails.complete(lastPage))
	return d.acc.summarize()
}

func (d *totalPagesDriver) execute(flow any, attemptsLeft int, done func(), payload any) (any, bool) {
	var page int
	if payload == nil {
		d.mu.Lock()
		page = d.nextPage
		d.nextPage++
		if d.lastPage > 0 && page >= d.lastPage {
			// The final page is being dispatched; stop producing.
			d.sawLastPage = true
			overshoot := page > d.lastPage
			d.mu.Unlock()
			done()
			if overshoot {
				return nil, false
			}
		} else {
			d.mu.Unlock()
		}
	} else {
		page = payload.(int)
	}

	this := d.s.This()
	args := FetchArgs{Page: page}
	start := time.Now()
	resp, err := d.s.callFetch(this, flow, args)
	category := CategoryFetchError
	var reported error
	if err != nil {
		reported = fetchError(err, args)
	} else {
		var n int
		n, err = d.s.callResolveTotalPages(d.p, this, flow, resp)
		if err != nil {
			category = CategoryResolveError
			reported = resolveError("ResolveTotalPages", err, page)
		} else if n > 0 {
			d.mu.Lock()
			d.lastPage = n
			d.mu.Unlock()
			d.acc.setTotalPageCount(n)
		}
	}

	if err != nil {
		d.s.recordAttempt(d.acc, start, false)
		d.acc.addError()
		d.s.reportError(category, reported)
		if attemptsLeft > 0 {
			return page, true
		}
		d.s.recordPageFailure(d.acc, page)
		d.mu.Lock()
		cannotSkip := d.fails.fail(page)
		d.mu.Unlock()
		if cannotSkip {
			done()
		}
		return nil, false
	}

	d.s.recordAttempt(d.acc, start, true)
	d.mu.Lock()
	d.fails.success()
	d.mu.Unlock()
	d.s.dispatchResponseHandler(this, flow, resp)
	return nil, false
}

// hasMoreDriver enumerates pages until a response reports there is no
// next page. Flows racing past the true last page are discarded.
type hasMoreDriver struct {
	s     *Scheduler
	p     HasMore
	acc   *accumulator
	fails *failCounter

	mu       sync.Mutex
	nextPage int
	lastPage int // 0 until the end was seen
	sawEnd   bool
}

func (d *hasMoreDriver) run(ctx context.Context) CycleSummary {
	c := d.s.newCycleRun(ctx, d.execute)
	c.run()

	d.mu.Lock()
	lastPage := d.lastPage
	sawEnd := d.sawEnd
	issued := d.nextPage - d.s.cfg.paginationStart
	d.mu.Unlock()

	if sawEnd {
		d.acc.setTotalPageCount(lastPage)
	} else {
		if issued < 0 {
			issued = 0
		}
		d.acc.setTotalPageCount(issued)
	}
	d.acc.setCompleted(sawEnd && ctx.Err() == nil && d.fails.complete(lastPage))
	return d.acc.summarize()
}

func (d *hasMoreDriver) execute(flow any, attemptsLeft int, done func(), payload any) (any, bool) {
	var page int
	if payload == nil {
		d.mu.Lock()
		page = d.nextPage
		d.nextPage++
		past := d.lastPage > 0 && page > d.lastPage
		d.mu.Unlock()
		if past {
			return nil, false
		}
	} else {
		page = payload.(int)
		d.mu.Lock()
		past := d.lastPage > 0 && page > d.lastPage
		d.mu.Unlock()
		if past {
			// The end was discovered while this retry waited; its page
			// does not exist anymore.
			d.s.log.debug().Int("page", page).Msg("dropping retry beyond discovered last page")
			return nil, false
		}
	}

	this := d.s.This()
	args := FetchArgs{Page: page}
	start := time.Now()
	resp, err := d.s.callFetch(this, flow, args)
	category := CategoryFetchError
	var reported error
	more := true
	if err != nil {
		reported = fetchError(err, args)
	} else {
		more, err = d.s.callResolveHasMore(d.p, this, flow, resp)
		if err != nil {
			category = CategoryResolveError
			reported = resolveError("ResolveHasMore", err, page)
		}
	}

	if err != nil {
		d.s.recordAttempt(d.acc, start, false)
		d.acc.addError()
		d.s.reportError(category, reported)
		if attemptsLeft > 0 {
			return page, true
		}
		d.s.recordPageFailure(d.acc, page)
		d.mu.Lock()
		cannotSkip := d.fails.fail(page)
		d.mu.Unlock()
		if cannotSkip {
			done()
		}
		return nil, false
	}

	d.s.recordAttempt(d.acc, start, true)
	d.mu.Lock()
	d.fails.success()
	if !more {
		d.sawEnd = true
		// A later page may have reported the end first; keep the lowest.
		if d.lastPage == 0 || page < d.lastPage {
			d.lastPage = page
		}
	}
	end := !more
	d.mu.Unlock()
	if end {
		done()
	}
	d.s.dispatchResponseHandler(this, flow, resp)
	return nil, false
}

// cursorDriver follows continuation tokens strictly sequentially: no
// page can be issued before the previous one resolved its cursor.
type cursorDriver struct {
	s   *Scheduler
	p   Cursor
	acc *accumulator

	mu          sync.Mutex
	nextCursor  any
	nextPageNum int
	sawEnd      bool
	failed      bool
}

type cursorPayload struct {
	page   int
	cursor any
}

func (d *cursorDriver) run(ctx context.Context) CycleSummary {
	c := d.s.newCycleRun(ctx, d.execute)
	c.run()

	d.mu.Lock()
	d.acc.setTotalPageCount(d.nextPageNum - 1)
	d.acc.setCompleted(d.sawEnd && !d.failed && ctx.Err() == nil)
	d.mu.Unlock()
	return d.acc.summarize()
}

func (d *cursorDriver) execute(flow any, attemptsLeft int, done func(), payload any) (any, bool) {
	var page int
	var cursor any
	if payload == nil {
		d.mu.Lock()
		page = d.nextPageNum
		cursor = d.nextCursor
		d.nextPageNum++
		d.mu.Unlock()
	} else {
		pl := payload.(cursorPayload)
		page, cursor = pl.page, pl.cursor
	}

	this := d.s.This()
	args := FetchArgs{Page: page, Cursor: cursor}
	start := time.Now()
	resp, err := d.s.callFetch(this, flow, args)
	category := CategoryFetchError
	var reported error
	var next any
	if err != nil {
		reported = fetchError(err, args)
	} else {
		next, err = d.s.callResolveCursor(d.p, this, flow, resp)
		if err != nil {
			category = CategoryResolveError
			reported = resolveError("ResolveCursor", err, page)
		}
	}

	if err != nil {
		d.s.recordAttempt(d.acc, start, false)
		d.acc.addError()
		d.s.reportError(category, reported)
		if attemptsLeft > 0 {
			return cursorPayload{page: page, cursor: cursor}, true
		}
		// Without the cursor there is no way to continue.
		d.s.recordPageFailure(d.acc, page)
		d.mu.Lock()
		d.failed = true
		d.mu.Unlock()
		done()
		return nil, false
	}

	d.s.recordAttempt(d.acc, start, true)
	d.mu.Lock()
	if next == nil {
		d.sawEnd = true
	} else {
		d.nextCursor = next
	}
	end := next == nil
	d.mu.Unlock()
	if end {
		done()
	}
	d.s.dispatchResponseHandler(this, flow, resp)
	return nil, false
}

// listDriver fetches a fixed item list resolved once at cycle start.
type listDriver struct {
	s     *Scheduler
	p     List
	acc   *accumulator
	fails *failCounter

	mu        sync.Mutex
	items     []any
	nextIndex int
	exhausted bool
}

type listPayload struct {
	index int
}

func (d *listDriver) run(ctx context.Context) CycleSummary {
	items, err := d.s.callResolveList(d.p, d.s.This())
	if err == nil && len(items) == 0 {
		err = fmt.Errorf("ResolveList returned no items")
	}
	if err != nil {
		d.s.reportError(CategoryResolveError, sferrors.NewOperationError(moduleName, "ResolveList", err))
		return d.acc.summarize()
	}
	d.items = items

	c := d.s.newCycleRun(ctx, d.execute)
	c.run()

	d.mu.Lock()
	d.acc.setTotalPageCount(d.nextIndex)
	d.acc.setCompleted(d.exhausted && ctx.Err() == nil && d.fails.complete(0))
	d.mu.Unlock()
	return d.acc.summarize()
}

func (d *listDriver) execute(flow any, attemptsLeft int, done func(), payload any) (any, bool) {
	var index int
	if payload == nil {
		d.mu.Lock()
		if d.nextIndex >= len(d.items) {
			d.mu.Unlock()
			done()
			return nil, false
		}
		index = d.nextIndex
		d.nextIndex++
		if d.nextIndex >= len(d.items) {
			d.exhausted = true
			d.mu.Unlock()
			done()
		} else {
			d.mu.Unlock()
		}
	} else {
		index = payload.(listPayload).index
		if index < 0 || index >= len(d.items) {
			return nil, false
		}
	}

	this := d.s.This()
	args := FetchArgs{Page: index + 1, Item: d.items[index], Index: index}
	start := time.Now()
	resp, err := d.s.callFetch(this, flow, args)
	if err != nil {
		d.s.recordAttempt(d.acc, start, false)
		d.acc.addError()
		d.s.reportError(CategoryFetchError, fetchError(err, args))
		if attemptsLeft > 0 {
			return listPayload{index: index}, true
		}
		d.s.recordPageFailure(d.acc, index+1)
		d.mu.Lock()
		cannotSkip := d.fails.fail(0)
		d.mu.Unlock()
		if cannotSkip {
			done()
		}
		return nil, false
	}

	d.s.recordAttempt(d.acc, start, true)
	d.mu.Lock()
	d.fails.success()
	d.mu.Unlock()
	d.s.dispatchResponseHandler(this, flow, resp)
	return nil, false
}
