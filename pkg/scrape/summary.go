package scrape

import (
	"sort"
	"sync"
	"time"
)

// CycleSummary is the immutable result of one cycle.
type CycleSummary struct {
	// Completed reports whether the cycle reached the end of its
	// pagination within the failure budgets.
	Completed bool

	Stats CycleStats
}

// CycleStats holds the counters and timings of one cycle.
type CycleStats struct {
	// TotalPageCount is the number of pages the cycle covered: the
	// resolved total for TotalPages, the discovered last page for
	// HasMore, and otherwise the number of distinct pages or items
	// issued (retries are not counted).
	TotalPageCount int

	// FailedPageList holds the page identifiers that exhausted their
	// retries, sorted and deduplicated.
	FailedPageList []int

	// TotalErrorCount counts every fetch and resolve failure, including
	// intermediate attempts.
	TotalErrorCount int

	Timings CycleTimings
}

// CycleTimings holds the wall-clock measurements of one cycle.
type CycleTimings struct {
	StartedAt time.Time
	Total     time.Duration
	Avg       AvgTimings
}

// AvgTimings are arithmetic means of page-attempt durations. A category
// with no samples reports zero.
type AvgTimings struct {
	All        time.Duration
	Successful time.Duration
	Failed     time.Duration
}

// accumulator collects the running totals of one cycle and finalizes
// them into a CycleSummary.
type accumulator struct {
	mu sync.Mutex

	startedAt       time.Time
	total           time.Duration
	totalPageCount  int
	failedPages     map[int]struct{}
	totalErrorCount int
	completed       bool

	allSum, okSum, failSum time.Duration
	allN, okN, failN       int
}

func newAccumulator() *accumulator {
	return &accumulator{
		startedAt:   time.Now(),
		failedPages: make(map[int]struct{}),
	}
}

// addTiming records one page-attempt duration.
func (a *accumulator) addTiming(d time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allSum += d
	a.allN++
	if success {
		a.okSum += d
		a.okN++
	} else {
		a.failSum += d
		a.failN++
	}
}

func (a *accumulator) addError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalErrorCount++
}

func (a *accumulator) addFailedPage(page int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failedPages[page] = struct{}{}
}

func (a *accumulator) setTotalPageCount(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalPageCount = n
}

func (a *accumulator) setCompleted(completed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = completed
}

// summarize finalizes the totals and returns the summary value. The
// returned slices are freshly allocated; mutating them does not affect
// the accumulator.
func (a *accumulator) summarize() CycleSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.total == 0 {
		a.total = time.Since(a.startedAt)
	}

	failed := make([]int, 0, len(a.failedPages))
	for page := range a.failedPages {
		failed = append(failed, page)
	}
	sort.Ints(failed)

	avg := func(sum time.Duration, n int) time.Duration {
		if n == 0 {
			return 0
		}
		return sum / time.Duration(n)
	}

	return CycleSummary{
		Completed: a.completed,
		Stats: CycleStats{
			TotalPageCount:  a.totalPageCount,
			FailedPageList:  failed,
			TotalErrorCount: a.totalErrorCount,
			Timings: CycleTimings{
				StartedAt: a.startedAt,
				Total:     a.total,
				Avg: AvgTimings{
					All:        avg(a.allSum, a.allN),
					Successful: avg(a.okSum, a.okN),
					Failed:     avg(a.failSum, a.failN),
				},
			},
		},
	}
}
