package scrape

import (
	"fmt"
	"runtime/debug"
)

// User callbacks are contractually never allowed to take the engine
// down: every call site recovers panics and converts them to errors.

func recoverAs(errp *error, what string) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("%s panicked: %v\n%s", what, r, debug.Stack())
	}
}

func (s *Scheduler) callInitThis() (this any, err error) {
	defer recoverAs(&err, "InitThisContext")
	return s.cfg.initThis()
}

func (s *Scheduler) callInitFlow(this, prev any) (flow any, err error) {
	defer recoverAs(&err, "InitFlowContext")
	if s.cfg.initFlow == nil {
		// Built-in initializer: keep the previous context, or give the
		// slot an empty one.
		if prev != nil {
			return prev, nil
		}
		return struct{}{}, nil
	}
	return s.cfg.initFlow(this, prev)
}

func (s *Scheduler) callInitFlows(this any) (flows []any, err error) {
	defer recoverAs(&err, "InitFlowContexts")
	return s.cfg.initFlows(this)
}

func (s *Scheduler) callFetch(this, flow any, args FetchArgs) (resp any, err error) {
	defer recoverAs(&err, "FetchHandler")
	return s.cfg.fetch(this, flow, args)
}

func (s *Scheduler) callResolveTotalPages(p TotalPages, this, flow, resp any) (n int, err error) {
	defer recoverAs(&err, "ResolveTotalPages")
	return p.ResolveTotalPages(this, flow, resp)
}

func (s *Scheduler) callResolveHasMore(p HasMore, this, flow, resp any) (more bool, err error) {
	defer recoverAs(&err, "ResolveHasMore")
	return p.ResolveHasMore(this, flow, resp)
}

func (s *Scheduler) callResolveCursor(p Cursor, this, flow, resp any) (cursor any, err error) {
	defer recoverAs(&err, "ResolveCursor")
	return p.ResolveCursor(this, flow, resp)
}

func (s *Scheduler) callResolveList(p List, this any) (items []any, err error) {
	defer recoverAs(&err, "ResolveList")
	return p.ResolveList(this)
}

func (s *Scheduler) callSummaryHandler(summary CycleSummary) (err error) {
	defer recoverAs(&err, "SummaryHandler")
	return s.cfg.summaryHandler(s.This(), summary)
}

// dispatchResponseHandler hands a successful response to the user's
// handler on its own goroutine. The driver never waits for it; a slow
// handler cannot stall pagination. The flow context value is captured
// here, so a context reset in a later cycle does not race the handler.
func (s *Scheduler) dispatchResponseHandler(this, flow, resp any) {
	if s.cfg.responseHandler == nil {
		return
	}
	go func() {
		var err error
		func() {
			defer recoverAs(&err, "ResponseHandler")
			err = s.cfg.responseHandler(this, flow, resp)
		}()
		if err != nil {
			s.reportError(CategoryResponseHandleError, err)
		}
	}()
}
