package scrape

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnykmshr/scrapeflow/internal/testutil"
)

// runOnce drives exactly one cycle and returns its summary.
func runOnce(t *testing.T, opts Options) CycleSummary {
	t.Helper()
	if opts.Interval == nil {
		opts.Interval = Every(0)
	}

	s, err := New(opts)
	testutil.AssertNoError(t, err)

	summaries := make(chan CycleSummary, 1)
	s.OnCycleSummary(func(cs CycleSummary) { summaries <- cs })

	select {
	case <-s.StartOnce():
	case <-time.After(testutil.TestTimeout):
		t.Fatal("scheduler did not stop in time")
	}

	select {
	case cs := <-summaries:
		return cs
	default:
		t.Fatal("no cycle summary emitted")
		return CycleSummary{}
	}
}

// pageLog records fetch invocations across flows.
type pageLog struct {
	mu    sync.Mutex
	pages []int
	flows []any
}

func (l *pageLog) add(page int, flow any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pages = append(l.pages, page)
	l.flows = append(l.flows, flow)
}

func (l *pageLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pages)
}

func (l *pageLog) sortedPages() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]int{}, l.pages...)
	sort.Ints(out)
	return out
}

func assertInts(t *testing.T, got, want []int) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNoneSuccess(t *testing.T) {
	var log pageLog
	summary := runOnce(t, Options{
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			log.add(args.Page, flow)
			return "x", nil
		},
	})

	if !summary.Completed {
		t.Error("Completed = false, want true")
	}
	testutil.AssertEqual(t, summary.Stats.TotalPageCount, 1)
	testutil.AssertEqual(t, summary.Stats.TotalErrorCount, 0)
	testutil.AssertEqual(t, len(summary.Stats.FailedPageList), 0)
	testutil.AssertEqual(t, log.count(), 1)
}

func TestTotalPagesAllSucceed(t *testing.T) {
	var log pageLog
	summary := runOnce(t, Options{
		Pagination: TotalPages{
			ResolveTotalPages: func(this, flow any, resp any) (int, error) { return 5, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			log.add(args.Page, flow)
			return "page", nil
		},
		Concurrency: 3,
	})

	if !summary.Completed {
		t.Error("Completed = false, want true")
	}
	testutil.AssertEqual(t, summary.Stats.TotalPageCount, 5)
	testutil.AssertEqual(t, summary.Stats.TotalErrorCount, 0)
	testutil.AssertEqual(t, len(summary.Stats.FailedPageList), 0)
	testutil.AssertEqual(t, log.count(), 5)
	assertInts(t, log.sortedPages(), []int{1, 2, 3, 4, 5})
}

func TestHasMoreStopsAtLastPage(t *testing.T) {
	var log pageLog
	summary := runOnce(t, Options{
		Pagination: HasMore{
			ResolveHasMore: func(this, flow any, resp any) (bool, error) {
				return resp.(int) < 4, nil
			},
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			log.add(args.Page, flow)
			return args.Page, nil
		},
		Concurrency: 2,
	})

	if !summary.Completed {
		t.Error("Completed = false, want true")
	}
	testutil.AssertEqual(t, summary.Stats.TotalPageCount, 4)
	testutil.AssertEqual(t, summary.Stats.TotalErrorCount, 0)
	testutil.AssertEqual(t, len(summary.Stats.FailedPageList), 0)

	// Pages 1..4 must all have been fetched; a prefetched overshoot page
	// may appear but is discarded without error.
	pages := log.sortedPages()
	seen := make(map[int]bool, len(pages))
	for _, p := range pages {
		seen[p] = true
	}
	for want := 1; want <= 4; want++ {
		if !seen[want] {
			t.Errorf("fetched pages %v, missing page %d", pages, want)
		}
	}
}

func TestTotalPagesDistinctFlowRetries(t *testing.T) {
	var log pageLog
	var page2Flows sync.Map
	var page2Attempts int32

	summary := runOnce(t, Options{
		Pagination: TotalPages{
			ResolveTotalPages: func(this, flow any, resp any) (int, error) { return 5, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			log.add(args.Page, flow)
			if args.Page == 2 {
				atomic.AddInt32(&page2Attempts, 1)
				page2Flows.Store(flow, true)
				return nil, errors.New("page 2 is cursed")
			}
			return "page", nil
		},
		InitFlowContext: func(this, prev any) (any, error) {
			return new(int), nil // unique pointer per slot
		},
		Concurrency: 3,
		RetryLimit:  Int(2),
	})

	testutil.AssertEqual(t, atomic.LoadInt32(&page2Attempts), int32(3))

	distinct := 0
	page2Flows.Range(func(_, _ any) bool { distinct++; return true })
	testutil.AssertEqual(t, distinct, 3)

	assertInts(t, summary.Stats.FailedPageList, []int{2})
	testutil.AssertEqual(t, summary.Stats.TotalErrorCount, 3)
	if summary.Completed {
		t.Error("Completed = true, want false with skipping disabled")
	}
}

func TestCursorSequential(t *testing.T) {
	var mu sync.Mutex
	var cursors []any

	summary := runOnce(t, Options{
		Pagination: Cursor{
			ResolveCursor: func(this, flow any, resp any) (any, error) {
				switch resp.(int) {
				case 1:
					return "a", nil
				case 2:
					return "b", nil
				default:
					return nil, nil
				}
			},
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			mu.Lock()
			cursors = append(cursors, args.Cursor)
			mu.Unlock()
			return args.Page, nil
		},
	})

	if !summary.Completed {
		t.Error("Completed = false, want true")
	}
	testutil.AssertEqual(t, summary.Stats.TotalPageCount, 3)

	mu.Lock()
	defer mu.Unlock()
	testutil.AssertEqual(t, len(cursors), 3)
	if cursors[0] != nil {
		t.Errorf("first cursor = %v, want nil", cursors[0])
	}
	testutil.AssertEqual(t, cursors[1].(string), "a")
	testutil.AssertEqual(t, cursors[2].(string), "b")
}

func TestListRetriesTransientFailure(t *testing.T) {
	var fetches int32
	var vFailed int32

	summary := runOnce(t, Options{
		Pagination: List{
			ResolveList: func(this any) ([]any, error) {
				return []any{"u", "v", "w"}, nil
			},
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			atomic.AddInt32(&fetches, 1)
			if args.Item == "v" && atomic.CompareAndSwapInt32(&vFailed, 0, 1) {
				return nil, errors.New("transient")
			}
			return args.Item, nil
		},
		RetryLimit: Int(1),
	})

	if !summary.Completed {
		t.Error("Completed = false, want true")
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&fetches), int32(4))
	testutil.AssertEqual(t, summary.Stats.TotalPageCount, 3)
	testutil.AssertEqual(t, summary.Stats.TotalErrorCount, 1)
	testutil.AssertEqual(t, len(summary.Stats.FailedPageList), 0)
}

func TestListEmptyResolve(t *testing.T) {
	var resolveErrs int32
	opts := Options{
		Pagination: List{
			ResolveList: func(this any) ([]any, error) { return nil, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			t.Error("fetch must not run for an empty list")
			return nil, nil
		},
		Interval: Every(0),
		Log:      LogNone(),
	}

	s, err := New(opts)
	testutil.AssertNoError(t, err)
	s.OnError(CategoryResolveError, func(error) { atomic.AddInt32(&resolveErrs, 1) })

	summaries := make(chan CycleSummary, 1)
	s.OnCycleSummary(func(cs CycleSummary) { summaries <- cs })
	<-s.StartOnce()

	summary := <-summaries
	if summary.Completed {
		t.Error("Completed = true, want false")
	}
	testutil.AssertEqual(t, summary.Stats.TotalPageCount, 0)
	testutil.AssertEqual(t, atomic.LoadInt32(&resolveErrs), int32(1))
}

func TestRetryLimitZeroFailsImmediately(t *testing.T) {
	var fetches int32
	summary := runOnce(t, Options{
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			atomic.AddInt32(&fetches, 1)
			return nil, errors.New("always down")
		},
		RetryLimit: Int(0),
		Log:        LogNone(),
	})

	testutil.AssertEqual(t, atomic.LoadInt32(&fetches), int32(1))
	assertInts(t, summary.Stats.FailedPageList, []int{1})
	testutil.AssertEqual(t, summary.Stats.TotalErrorCount, 1)
	if summary.Completed {
		t.Error("Completed = true, want false")
	}
}

func TestMaxTotalFailsZeroEndsCycle(t *testing.T) {
	var log pageLog
	summary := runOnce(t, Options{
		Pagination: TotalPages{
			ResolveTotalPages: func(this, flow any, resp any) (int, error) { return 100, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			log.add(args.Page, flow)
			if args.Page == 2 {
				return nil, errors.New("down")
			}
			return "page", nil
		},
		SkipPageIfPossible: true,
		MaxTotalPageFails:  Int(0),
		RetryLimit:         Int(0),
		Concurrency:        1,
		Log:                LogNone(),
	})

	assertInts(t, summary.Stats.FailedPageList, []int{2})
	if summary.Completed {
		t.Error("Completed = true, want false")
	}
	if log.count() >= 100 {
		t.Errorf("fetched %d pages; the first failure should have ended the cycle", log.count())
	}
}

func TestPaginationStartVerbatim(t *testing.T) {
	var log pageLog
	summary := runOnce(t, Options{
		Pagination: HasMore{
			ResolveHasMore: func(this, flow any, resp any) (bool, error) {
				return resp.(int) < 2, nil
			},
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			log.add(args.Page, flow)
			return args.Page, nil
		},
		PaginationStart: Int(0),
	})

	if !summary.Completed {
		t.Error("Completed = false, want true")
	}
	pages := log.sortedPages()
	if pages[0] != 0 {
		t.Errorf("first page = %d, want 0", pages[0])
	}
}

func TestFixedFlowContextsPinConcurrency(t *testing.T) {
	var active, maxActive int32

	summary := runOnce(t, Options{
		Pagination: TotalPages{
			ResolveTotalPages: func(this, flow any, resp any) (int, error) { return 6, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			cur := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return "page", nil
		},
		InitFlowContexts: func(this any) ([]any, error) {
			return []any{new(int), new(int)}, nil
		},
		Concurrency: 5,
	})

	if !summary.Completed {
		t.Error("Completed = false, want true")
	}
	if got := atomic.LoadInt32(&maxActive); got > 2 {
		t.Errorf("max concurrent fetches = %d, want <= 2", got)
	}
}

func TestConcurrencyBound(t *testing.T) {
	var active, maxActive int32

	runOnce(t, Options{
		Pagination: TotalPages{
			ResolveTotalPages: func(this, flow any, resp any) (int, error) { return 8, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			cur := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return "page", nil
		},
		Concurrency: 2,
	})

	if got := atomic.LoadInt32(&maxActive); got > 2 {
		t.Errorf("max concurrent fetches = %d, want <= 2", got)
	}
}

func TestStartTwice(t *testing.T) {
	s, err := New(Options{
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) { return "x", nil },
		Interval:     Every(0),
	})
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, s.Start(), true)
	testutil.AssertEqual(t, s.Start(), false)
	<-s.Stop(true)
}

func TestStopIdle(t *testing.T) {
	s, err := New(Options{
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) { return "x", nil },
	})
	testutil.AssertNoError(t, err)

	var stopped int32
	s.OnStopped(func() { atomic.AddInt32(&stopped, 1) })

	select {
	case <-s.Stop(false):
	case <-time.After(time.Second):
		t.Fatal("Stop on an idle scheduler must resolve immediately")
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&stopped), int32(0))
}

func TestStartOnceRunsExactlyOneCycle(t *testing.T) {
	var cycles int32
	s, err := New(Options{
		FetchHandler:  func(this, flow any, args FetchArgs) (any, error) { return "x", nil },
		Interval:      Every(0),
		CycleInterval: Every(0),
	})
	testutil.AssertNoError(t, err)
	s.OnCycleSummary(func(CycleSummary) { atomic.AddInt32(&cycles, 1) })

	select {
	case <-s.StartOnce():
	case <-time.After(testutil.TestTimeout):
		t.Fatal("StartOnce did not finish")
	}

	time.Sleep(50 * time.Millisecond)
	testutil.AssertEqual(t, atomic.LoadInt32(&cycles), int32(1))
	testutil.AssertEqual(t, s.IsRunning(), false)
}

func TestForcedStopAbortsCycle(t *testing.T) {
	var fetches int32
	s, err := New(Options{
		Pagination: HasMore{
			// Never ends on its own.
			ResolveHasMore: func(this, flow any, resp any) (bool, error) { return true, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			atomic.AddInt32(&fetches, 1)
			return args.Page, nil
		},
		Interval:    Every(time.Millisecond),
		Concurrency: 2,
	})
	testutil.AssertNoError(t, err)

	summaries := make(chan CycleSummary, 1)
	s.OnCycleSummary(func(cs CycleSummary) { summaries <- cs })

	s.Start()
	testutil.Eventually(t, func() bool {
		return atomic.LoadInt32(&fetches) >= 3
	}, testutil.TestTimeout, time.Millisecond)

	select {
	case <-s.Stop(true):
	case <-time.After(testutil.TestTimeout):
		t.Fatal("forced stop did not resolve")
	}

	summary := <-summaries
	if summary.Completed {
		t.Error("an aborted cycle must not count as completed")
	}
	testutil.AssertEqual(t, s.IsRunning(), false)
}

func TestGracefulStopEscalatesToForced(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	s, err := New(Options{
		Pagination: HasMore{
			ResolveHasMore: func(this, flow any, resp any) (bool, error) { return true, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			once.Do(func() { close(release) })
			return args.Page, nil
		},
		Interval: Every(time.Millisecond),
	})
	testutil.AssertNoError(t, err)

	s.Start()
	<-release

	graceful := s.Stop(false)
	forced := s.Stop(true)

	select {
	case <-forced:
	case <-time.After(testutil.TestTimeout):
		t.Fatal("escalated stop did not resolve")
	}
	select {
	case <-graceful:
	default:
		t.Error("both stop futures must resolve together")
	}
}

func TestStartedAndStoppedEvents(t *testing.T) {
	s, err := New(Options{
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) { return "x", nil },
		Interval:     Every(0),
	})
	testutil.AssertNoError(t, err)

	started := make(chan bool, 1)
	stopped := make(chan bool, 1)
	s.OnStarted(func() { started <- s.IsRunning() })
	s.OnStopped(func() { stopped <- s.IsRunning() })

	<-s.StartOnce()

	select {
	case running := <-started:
		testutil.AssertEqual(t, running, true)
	case <-time.After(time.Second):
		t.Fatal("started event not emitted")
	}
	select {
	case running := <-stopped:
		testutil.AssertEqual(t, running, false)
	case <-time.After(time.Second):
		t.Fatal("stopped event not emitted")
	}
}

func TestResponseHandlerFireAndForget(t *testing.T) {
	handled := make(chan any, 8)
	errs := make(chan error, 8)

	s, err := New(Options{
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) { return "body", nil },
		ResponseHandler: func(this, flow any, resp any) error {
			handled <- resp
			return fmt.Errorf("handler choked on %v", resp)
		},
		Interval: Every(0),
		Log:      LogNone(),
	})
	testutil.AssertNoError(t, err)
	s.OnError(CategoryResponseHandleError, func(err error) { errs <- err })

	<-s.StartOnce()

	select {
	case resp := <-handled:
		testutil.AssertEqual(t, resp.(string), "body")
	case <-time.After(time.Second):
		t.Fatal("response handler not invoked")
	}
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("responseHandleError not emitted")
	}
}

func TestSummaryHandlerErrorDoesNotFailCycle(t *testing.T) {
	errs := make(chan error, 1)
	s, err := New(Options{
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) { return "x", nil },
		SummaryHandler: func(this any, summary CycleSummary) error {
			return errors.New("summary sink offline")
		},
		Interval: Every(0),
		Log:      LogNone(),
	})
	testutil.AssertNoError(t, err)
	s.OnError(CategorySummaryHandleError, func(e error) { errs <- e })

	summaries := make(chan CycleSummary, 1)
	s.OnCycleSummary(func(cs CycleSummary) { summaries <- cs })

	<-s.StartOnce()

	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("summaryHandleError not emitted")
	}
	summary := <-summaries
	if !summary.Completed {
		t.Error("a summary handler error must not fail the cycle")
	}
}

func TestGlobalContextThreadedThroughCallbacks(t *testing.T) {
	type session struct{ id string }

	var got any
	var mu sync.Mutex
	s, err := New(Options{
		InitThisContext: func() (any, error) { return &session{id: "s1"}, nil },
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			mu.Lock()
			got = this
			mu.Unlock()
			return "x", nil
		},
		Interval: Every(0),
	})
	testutil.AssertNoError(t, err)

	if sess, ok := s.This().(*session); !ok || sess.id != "s1" {
		t.Fatalf("This() = %v, want the initialized session", s.This())
	}

	<-s.StartOnce()

	mu.Lock()
	defer mu.Unlock()
	if got != s.This() {
		t.Error("fetch did not receive the global context")
	}
}

func TestInitThisContextErrors(t *testing.T) {
	_, err := New(Options{
		InitThisContext: func() (any, error) { return nil, errors.New("no session") },
		FetchHandler:    func(this, flow any, args FetchArgs) (any, error) { return nil, nil },
	})
	testutil.AssertError(t, err)

	_, err = New(Options{
		InitThisContext: func() (any, error) { return nil, nil },
		FetchHandler:    func(this, flow any, args FetchArgs) (any, error) { return nil, nil },
	})
	testutil.AssertError(t, err)
}

func TestFlowContextFatalForcesStop(t *testing.T) {
	errs := make(chan error, 1)
	s, err := New(Options{
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) { return "x", nil },
		InitFlowContexts: func(this any) ([]any, error) {
			return nil, nil // empty list is fatal
		},
		Interval: Every(0),
		Log:      LogNone(),
	})
	testutil.AssertNoError(t, err)
	s.OnError(CategoryGeneralError, func(e error) { errs <- e })

	s.Start()

	select {
	case <-errs:
	case <-time.After(testutil.TestTimeout):
		t.Fatal("generalError not emitted for a fatal flow-context failure")
	}
	testutil.Eventually(t, func() bool { return !s.IsRunning() }, testutil.TestTimeout, time.Millisecond)
}

func TestFlowContextMigration(t *testing.T) {
	type worker struct{ generation int }

	var mu sync.Mutex
	migrated := false

	s, err := New(Options{
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) { return "x", nil },
		InitFlowContext: func(this, prev any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			if w, ok := prev.(*worker); ok {
				migrated = true
				return &worker{generation: w.generation + 1}, nil
			}
			return &worker{}, nil
		},
		ResetFlowContext: true,
		Interval:         Every(0),
		CycleInterval:    Every(time.Millisecond),
	})
	testutil.AssertNoError(t, err)

	var cycles int32
	s.OnCycleSummary(func(CycleSummary) { atomic.AddInt32(&cycles, 1) })

	s.Start()
	testutil.Eventually(t, func() bool { return atomic.LoadInt32(&cycles) >= 2 }, testutil.TestTimeout, time.Millisecond)
	<-s.Stop(true)

	mu.Lock()
	defer mu.Unlock()
	if !migrated {
		t.Error("second cycle should have received the previous flow context")
	}
}

func TestTimingInvariants(t *testing.T) {
	summary := runOnce(t, Options{
		Pagination: TotalPages{
			ResolveTotalPages: func(this, flow any, resp any) (int, error) { return 3, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			time.Sleep(2 * time.Millisecond)
			return "page", nil
		},
		Concurrency: 1,
	})

	tm := summary.Stats.Timings
	if tm.Total < tm.Avg.All || tm.Total < tm.Avg.Successful || tm.Total < tm.Avg.Failed {
		t.Errorf("Total %v smaller than an average %+v", tm.Total, tm.Avg)
	}
	if tm.StartedAt.After(time.Now()) {
		t.Error("StartedAt in the future")
	}
	if summary.Stats.TotalPageCount < len(summary.Stats.FailedPageList) {
		t.Error("TotalPageCount < |FailedPageList|")
	}
}

func TestFixedIntervalPacesFlows(t *testing.T) {
	start := time.Now()
	runOnce(t, Options{
		Pagination: TotalPages{
			ResolveTotalPages: func(this, flow any, resp any) (int, error) { return 3, nil },
		},
		FetchHandler: func(this, flow any, args FetchArgs) (any, error) {
			return "page", nil
		},
		Interval:         Every(20 * time.Millisecond),
		IntervalStrategy: StrategyFixed,
		Concurrency:      1,
	})

	// Three pages on one flow means two paced waits.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("cycle took %v, want at least 40ms of pacing", elapsed)
	}
}
