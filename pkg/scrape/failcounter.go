package scrape

import "math"

// timelineSeparator marks the boundary between two failure runs. Page
// identifiers in the timeline are otherwise positive, or zero for
// anonymous failures (List pagination).
const timelineSeparator = math.MinInt

// failCounter records the per-page failure timeline of one cycle and
// answers the skip-budget questions. Callers serialize access; the
// drivers hold their own lock around every call.
type failCounter struct {
	skip           bool
	maxTotal       int
	maxConsecutive int

	timeline         []int
	totalFails       int
	consecutiveFails int
}

func newFailCounter(skip bool, maxTotal, maxConsecutive int) *failCounter {
	return &failCounter{
		skip:           skip,
		maxTotal:       maxTotal,
		maxConsecutive: maxConsecutive,
	}
}

// success resets the consecutive streak and closes the current failure
// run in the timeline.
func (f *failCounter) success() {
	f.consecutiveFails = 0
	if n := len(f.timeline); n > 0 && f.timeline[n-1] != timelineSeparator {
		f.timeline = append(f.timeline, timelineSeparator)
	}
}

// fail records a terminal page failure. page is zero for pagination
// kinds without page identity. It returns true when the cycle may not
// skip this failure: either skipping is disabled or a budget is spent.
func (f *failCounter) fail(page int) bool {
	f.timeline = append(f.timeline, page)
	f.totalFails++
	f.consecutiveFails++
	return !(f.skip && f.totalFails <= f.maxTotal && f.consecutiveFails <= f.maxConsecutive)
}

// complete re-applies the skip-budget check over the recorded timeline,
// restricted to pages at or before lastPage when lastPage is positive,
// so that overshoot pages beyond the discovered end do not count. A
// cycle with no counted failures always passes; one with failures
// passes only when skipping was allowed and stayed within budget.
func (f *failCounter) complete(lastPage int) bool {
	total := 0
	maxRun := 0
	run := 0
	for _, page := range f.timeline {
		if page == timelineSeparator {
			run = 0
			continue
		}
		if lastPage > 0 && page > lastPage {
			continue
		}
		total++
		run++
		if run > maxRun {
			maxRun = run
		}
	}
	if total == 0 {
		return true
	}
	return f.skip && total <= f.maxTotal && maxRun <= f.maxConsecutive
}
