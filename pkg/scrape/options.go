package scrape

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/scrapeflow/pkg/metrics"
)

// Pagination selects the page-enumeration protocol for a scheduler.
// Exactly one of the five variants is supplied in Options.
type Pagination interface {
	kind() paginationKind
}

type paginationKind int

const (
	kindNone paginationKind = iota
	kindTotalPages
	kindHasMore
	kindCursor
	kindList
)

func (k paginationKind) String() string {
	switch k {
	case kindNone:
		return "none"
	case kindTotalPages:
		return "totalPages"
	case kindHasMore:
		return "hasMore"
	case kindCursor:
		return "cursor"
	case kindList:
		return "list"
	}
	return "unknown"
}

// None fetches exactly one page per cycle.
type None struct{}

// TotalPages drives sources that report their total page count.
type TotalPages struct {
	// ResolveTotalPages extracts the total page count from a response.
	// Required.
	ResolveTotalPages func(this, flow any, resp any) (int, error)
}

// HasMore drives sources that report whether another page exists.
type HasMore struct {
	// ResolveHasMore reports whether a page after the fetched one exists.
	// Required.
	ResolveHasMore func(this, flow any, resp any) (bool, error)
}

// Cursor drives sources paginated by an opaque continuation token.
// Execution is strictly sequential.
type Cursor struct {
	// ResolveCursor extracts the next cursor from a response. A nil
	// cursor ends the cycle. Required.
	ResolveCursor func(this, flow any, resp any) (any, error)
}

// List drives a fixed set of items resolved once per cycle.
type List struct {
	// ResolveList produces the items to fetch. Required.
	ResolveList func(this any) ([]any, error)
}

func (None) kind() paginationKind       { return kindNone }
func (TotalPages) kind() paginationKind { return kindTotalPages }
func (HasMore) kind() paginationKind    { return kindHasMore }
func (Cursor) kind() paginationKind     { return kindCursor }
func (List) kind() paginationKind       { return kindList }

// FetchArgs carries the pagination state for one fetch.
type FetchArgs struct {
	// Page is the page number. TotalPages and HasMore count from
	// PaginationStart (1 by default); None and Cursor count from 1. For
	// List pagination it is the 1-based position of the item.
	Page int

	// Cursor is the continuation token for Cursor pagination; nil on
	// the first page.
	Cursor any

	// Item is the list element for List pagination.
	Item any

	// Index is the 0-based list position for List pagination.
	Index int
}

// Interval describes how long a flow waits between executions. Use
// Every, Between, or an IntervalFunc.
type Interval interface {
	isInterval()
}

type fixedInterval time.Duration

type rangeInterval struct {
	min, max time.Duration
}

// IntervalFunc computes the interval before each execution. The flow
// argument is nil when pacing cycles. Errors (and panics) fall back to
// the default interval and are reported as generalError.
type IntervalFunc func(this, flow any) (time.Duration, error)

func (fixedInterval) isInterval() {}
func (rangeInterval) isInterval() {}
func (IntervalFunc) isInterval()  {}

// Every returns a constant interval.
func Every(d time.Duration) Interval { return fixedInterval(d) }

// Between returns an interval drawn uniformly from [min, max] before
// each execution.
func Between(min, max time.Duration) Interval { return rangeInterval{min: min, max: max} }

// IntervalStrategy selects how an interval translates into a wait.
type IntervalStrategy string

const (
	// StrategyDynamic sleeps the interval minus the time already spent
	// since the previous execution.
	StrategyDynamic IntervalStrategy = "dynamic"

	// StrategyFixed sleeps the full interval before every execution.
	StrategyFixed IntervalStrategy = "fixed"
)

// Category identifies an engine log/event channel.
type Category string

const (
	CategoryValidationWarning   Category = "validationWarning"
	CategoryGeneralError        Category = "generalError"
	CategoryFetchError          Category = "fetchError"
	CategoryResolveError        Category = "resolveError"
	CategoryResponseHandleError Category = "responseHandleError"
	CategorySummaryHandleError  Category = "summaryHandleError"
)

// LogPolicy controls which categories the scheduler prints. Events fire
// regardless of the policy. The zero value prints validationWarning and
// generalError.
type LogPolicy struct {
	all        bool
	none       bool
	categories map[Category]struct{}
}

// LogAll prints every category.
func LogAll() LogPolicy { return LogPolicy{all: true} }

// LogNone disables printing entirely.
func LogNone() LogPolicy { return LogPolicy{none: true} }

// LogOnly prints the listed categories only.
func LogOnly(cats ...Category) LogPolicy {
	set := make(map[Category]struct{}, len(cats))
	for _, c := range cats {
		set[c] = struct{}{}
	}
	return LogPolicy{categories: set}
}

func (p LogPolicy) enabled(c Category) bool {
	switch {
	case p.all:
		return true
	case p.none:
		return false
	case p.categories != nil:
		_, ok := p.categories[c]
		return ok
	}
	// zero value: the default policy
	return c == CategoryValidationWarning || c == CategoryGeneralError
}

// Options configures a Scheduler. FetchHandler and the resolver of the
// chosen Pagination variant are required; everything else has the
// defaults documented per field. Optional numeric fields use pointers
// so that explicit zero values survive validation; the Int and Bool
// helpers build them inline.
type Options struct {
	// Name labels metrics and log lines for this scheduler.
	// Defaults to "scraper".
	Name string

	// Pagination selects the page-enumeration protocol.
	// Defaults to None{}.
	Pagination Pagination

	// FetchHandler performs one page fetch. Required. The first
	// argument is the global context, the second the flow context of
	// the worker executing the fetch.
	FetchHandler func(this, flow any, args FetchArgs) (any, error)

	// ResponseHandler receives every successful response. It runs
	// fire-and-forget on its own goroutine; errors surface as
	// responseHandleError events and never fail the page.
	ResponseHandler func(this, flow any, resp any) error

	// SummaryHandler receives the summary of every finished cycle.
	// Errors surface as summaryHandleError events and never fail the
	// cycle.
	SummaryHandler func(this any, summary CycleSummary) error

	// InitThisContext constructs the global context passed to every
	// callback. Called once by New, and again at each cycle start when
	// ResetThisContext is set. Returning nil or an error from New is a
	// construction error; mid-run it forces a stop.
	InitThisContext func() (any, error)

	// ResetThisContext rebuilds the global context at each cycle start.
	ResetThisContext bool

	// InitFlowContext constructs one worker context per flow slot.
	// prev carries the slot's previous context, nil for a new slot.
	// Mutually exclusive with InitFlowContexts.
	InitFlowContext func(this, prev any) (any, error)

	// InitFlowContexts constructs the whole worker-context list at
	// once, pinning concurrency to its length regardless of
	// Concurrency; None and Cursor pagination still run one flow at a
	// time. Returning an empty list forces a stop.
	InitFlowContexts func(this any) ([]any, error)

	// ResetFlowContext rebuilds all flow contexts at each cycle start.
	ResetFlowContext bool

	// Interval paces executions on each flow.
	// Defaults to Between(1s, 2s).
	Interval Interval

	// IntervalStrategy defaults to StrategyDynamic.
	IntervalStrategy IntervalStrategy

	// CycleInterval paces cycles; falls back to Interval when nil.
	CycleInterval Interval

	// CycleIntervalStrategy defaults to StrategyFixed.
	CycleIntervalStrategy IntervalStrategy

	// CycleCron paces cycles on a cron schedule instead of
	// CycleInterval. Invalid expressions are rejected with a warning.
	CycleCron string

	// Concurrency is the number of flow slots. Only meaningful for
	// TotalPages, HasMore, and List pagination. Defaults to 1.
	Concurrency int

	// RemoveContextForRedundantFlows trims surplus flow contexts from
	// previous cycles. Defaults to true.
	RemoveContextForRedundantFlows *bool

	// RetryLimit is the number of retries after the first attempt of a
	// page. Defaults to 2.
	RetryLimit *int

	// RetryDistinctFlows dispatches each retry of a page onto a flow it
	// has not visited yet, until all flows have been tried.
	// Defaults to true.
	RetryDistinctFlows *bool

	// SkipPageIfPossible continues the cycle past terminally failed
	// pages while the failure budgets below permit.
	SkipPageIfPossible bool

	// MaxTotalPageFails bounds terminally failed pages per cycle.
	// Defaults to unlimited. Zero and negative values are honored
	// verbatim: the first failed page ends the cycle.
	MaxTotalPageFails *int

	// MaxConsecutivePageFails bounds consecutive terminally failed
	// pages per cycle. Defaults to unlimited.
	MaxConsecutivePageFails *int

	// PaginationStart is the first page number. Defaults to 1 and is
	// accepted verbatim, including zero and negative values.
	PaginationStart *int

	// PaginationPrefetch allows TotalPages pagination to fan out before
	// the first page has resolved the total. Defaults to false.
	PaginationPrefetch bool

	// Log controls which categories are printed. Events always fire.
	Log LogPolicy

	// Logger overrides the scheduler's zerolog logger.
	Logger *zerolog.Logger

	// Metrics is the Prometheus registry the engine records into.
	// Defaults to metrics.DefaultRegistry.
	Metrics *metrics.Registry
}

// Int returns a pointer to v, for the optional numeric Options fields.
func Int(v int) *int { return &v }

// Bool returns a pointer to v, for the optional boolean Options fields.
func Bool(v bool) *bool { return &v }
