package scrape

import (
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"

	sferrors "github.com/vnykmshr/scrapeflow/pkg/common/errors"
	"github.com/vnykmshr/scrapeflow/pkg/metrics"
)

const moduleName = "scrape"

// defaultInterval is the fallback pacing used for unset or rejected
// interval fields and for interval-function failures.
var defaultInterval = Between(time.Second, 2*time.Second)

// warning is one rejected field, reported via the validationWarning
// channel with its substituted default already applied.
type warning struct {
	field string
	msg   string
}

// config is the validated, defaulted form of Options. All optional
// fields are resolved; unlimited budgets are math.MaxInt.
type config struct {
	name       string
	pagination Pagination
	kind       paginationKind

	fetch           func(this, flow any, args FetchArgs) (any, error)
	responseHandler func(this, flow any, resp any) error
	summaryHandler  func(this any, summary CycleSummary) error

	initThis  func() (any, error)
	resetThis bool
	initFlow  func(this, prev any) (any, error)
	initFlows func(this any) ([]any, error)
	resetFlow bool

	interval              Interval
	intervalStrategy      IntervalStrategy
	cycleInterval         Interval // nil means fall back to interval
	cycleIntervalStrategy IntervalStrategy
	cycleCron             string
	cycleSchedule         cron.Schedule // nil unless CycleCron was valid

	concurrency     int
	removeRedundant bool

	retryLimit         int
	retryDistinctFlows bool
	skipPageIfPossible bool
	maxTotalFails      int
	maxConsecFails     int
	paginationStart    int
	prefetch           bool

	log     LogPolicy
	metrics *metrics.Registry
}

// cronParser matches the field layout used across the corpus: seconds
// are part of the expression.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateOptions maps raw user options to a config. Hard errors are
// returned; every other rejected field is substituted with its default
// and reported as a warning.
func validateOptions(opts Options) (config, []warning, error) {
	var warns []warning
	warn := func(field, format string, args ...any) {
		warns = append(warns, warning{field: field, msg: fmt.Sprintf(format, args...)})
	}

	cfg := config{
		name:               opts.Name,
		pagination:         opts.Pagination,
		fetch:              opts.FetchHandler,
		responseHandler:    opts.ResponseHandler,
		summaryHandler:     opts.SummaryHandler,
		initThis:           opts.InitThisContext,
		resetThis:          opts.ResetThisContext,
		initFlow:           opts.InitFlowContext,
		initFlows:          opts.InitFlowContexts,
		resetFlow:          opts.ResetFlowContext,
		skipPageIfPossible: opts.SkipPageIfPossible,
		prefetch:           opts.PaginationPrefetch,
		log:                opts.Log,
		metrics:            opts.Metrics,
	}

	if cfg.name == "" {
		cfg.name = "scraper"
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.DefaultRegistry
	}
	if cfg.pagination == nil {
		cfg.pagination = None{}
	}
	cfg.kind = cfg.pagination.kind()

	if cfg.fetch == nil {
		return config{}, nil, fmt.Errorf("%w: FetchHandler", sferrors.ErrMissingCallback)
	}
	switch p := cfg.pagination.(type) {
	case TotalPages:
		if p.ResolveTotalPages == nil {
			return config{}, nil, fmt.Errorf("%w: TotalPages.ResolveTotalPages", sferrors.ErrMissingCallback)
		}
	case HasMore:
		if p.ResolveHasMore == nil {
			return config{}, nil, fmt.Errorf("%w: HasMore.ResolveHasMore", sferrors.ErrMissingCallback)
		}
	case Cursor:
		if p.ResolveCursor == nil {
			return config{}, nil, fmt.Errorf("%w: Cursor.ResolveCursor", sferrors.ErrMissingCallback)
		}
	case List:
		if p.ResolveList == nil {
			return config{}, nil, fmt.Errorf("%w: List.ResolveList", sferrors.ErrMissingCallback)
		}
	}
	if cfg.initFlow != nil && cfg.initFlows != nil {
		return config{}, nil, sferrors.NewValidationError(moduleName, "InitFlowContexts", "both set", "mutually exclusive with InitFlowContext").
			WithHint("supply one initializer only")
	}

	cfg.interval = validateInterval(opts.Interval, "Interval", warn)
	cfg.intervalStrategy = validateStrategy(opts.IntervalStrategy, "IntervalStrategy", StrategyDynamic, warn)
	if opts.CycleInterval != nil {
		cfg.cycleInterval = validateIntervalSet(opts.CycleInterval, "CycleInterval", warn)
	}
	cfg.cycleIntervalStrategy = validateStrategy(opts.CycleIntervalStrategy, "CycleIntervalStrategy", StrategyFixed, warn)

	if opts.CycleCron != "" {
		schedule, err := cronParser.Parse(opts.CycleCron)
		if err != nil {
			warn("CycleCron", "invalid cron expression %q: %v; falling back to CycleInterval", opts.CycleCron, err)
		} else {
			cfg.cycleCron = opts.CycleCron
			cfg.cycleSchedule = schedule
		}
	}

	cfg.concurrency = 1
	switch {
	case opts.Concurrency < 0:
		warn("Concurrency", "must be at least 1, got %d; using 1", opts.Concurrency)
	case opts.Concurrency > 1 && (cfg.kind == kindNone || cfg.kind == kindCursor):
		warn("Concurrency", "%s pagination is sequential; ignoring concurrency %d", cfg.kind, opts.Concurrency)
	case opts.Concurrency > 0:
		cfg.concurrency = opts.Concurrency
	}

	cfg.removeRedundant = true
	if opts.RemoveContextForRedundantFlows != nil {
		cfg.removeRedundant = *opts.RemoveContextForRedundantFlows
	}

	cfg.retryLimit = 2
	if opts.RetryLimit != nil {
		if *opts.RetryLimit < 0 {
			warn("RetryLimit", "cannot be negative, got %d; using 2", *opts.RetryLimit)
		} else {
			cfg.retryLimit = *opts.RetryLimit
		}
	}

	cfg.retryDistinctFlows = true
	if opts.RetryDistinctFlows != nil {
		cfg.retryDistinctFlows = *opts.RetryDistinctFlows
	}

	// Fail budgets and the pagination start are honored verbatim,
	// including zero and negative values.
	cfg.maxTotalFails = math.MaxInt
	if opts.MaxTotalPageFails != nil {
		cfg.maxTotalFails = *opts.MaxTotalPageFails
	}
	cfg.maxConsecFails = math.MaxInt
	if opts.MaxConsecutivePageFails != nil {
		cfg.maxConsecFails = *opts.MaxConsecutivePageFails
	}
	cfg.paginationStart = 1
	if opts.PaginationStart != nil {
		cfg.paginationStart = *opts.PaginationStart
	}

	if cfg.prefetch && cfg.kind != kindTotalPages {
		warn("PaginationPrefetch", "only meaningful for TotalPages pagination; ignoring")
		cfg.prefetch = false
	}

	return cfg, warns, nil
}

func validateInterval(iv Interval, field string, warn func(string, string, ...any)) Interval {
	if iv == nil {
		return defaultInterval
	}
	return validateIntervalSet(iv, field, warn)
}

func validateIntervalSet(iv Interval, field string, warn func(string, string, ...any)) Interval {
	switch v := iv.(type) {
	case fixedInterval:
		if v < 0 {
			warn(field, "cannot be negative, got %v; using default", time.Duration(v))
			return defaultInterval
		}
	case rangeInterval:
		if v.min < 0 || v.max < v.min {
			warn(field, "invalid range [%v, %v]; using default", v.min, v.max)
			return defaultInterval
		}
	case IntervalFunc:
		if v == nil {
			warn(field, "nil interval function; using default")
			return defaultInterval
		}
	}
	return iv
}

func validateStrategy(s IntervalStrategy, field string, def IntervalStrategy, warn func(string, string, ...any)) IntervalStrategy {
	switch s {
	case "":
		return def
	case StrategyDynamic, StrategyFixed:
		return s
	}
	warn(field, "unknown strategy %q; using %q", s, def)
	return def
}

// normalized rebuilds a public Options view with every default filled,
// so Scheduler.Options is stable under re-validation.
func (c config) normalized() Options {
	removeRedundant := c.removeRedundant
	retryLimit := c.retryLimit
	distinct := c.retryDistinctFlows
	start := c.paginationStart

	opts := Options{
		Name:                           c.name,
		Pagination:                     c.pagination,
		FetchHandler:                   c.fetch,
		ResponseHandler:                c.responseHandler,
		SummaryHandler:                 c.summaryHandler,
		InitThisContext:                c.initThis,
		ResetThisContext:               c.resetThis,
		InitFlowContext:                c.initFlow,
		InitFlowContexts:               c.initFlows,
		ResetFlowContext:               c.resetFlow,
		Interval:                       c.interval,
		IntervalStrategy:               c.intervalStrategy,
		CycleInterval:                  c.cycleInterval,
		CycleIntervalStrategy:          c.cycleIntervalStrategy,
		CycleCron:                      c.cycleCron,
		Concurrency:                    c.concurrency,
		RemoveContextForRedundantFlows: &removeRedundant,
		RetryLimit:                     &retryLimit,
		RetryDistinctFlows:             &distinct,
		SkipPageIfPossible:             c.skipPageIfPossible,
		PaginationStart:                &start,
		PaginationPrefetch:             c.prefetch,
		Log:                            c.log,
		Metrics:                        c.metrics,
	}
	if c.maxTotalFails != math.MaxInt {
		v := c.maxTotalFails
		opts.MaxTotalPageFails = &v
	}
	if c.maxConsecFails != math.MaxInt {
		v := c.maxConsecFails
		opts.MaxConsecutivePageFails = &v
	}
	return opts
}
