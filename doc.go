/*
Package scrapeflow provides a Go library for orchestrating paginated
scraping: cycle scheduling, worker flows, retry policies, and pacing.

Scraping Engine (pkg/scrape):
  - scrape: the scheduler — pagination drivers, flow pool, retry
    distribution, interval pacing, cycle summaries

Shared (pkg/common):
  - errors: sentinel errors and validation/operation error types
  - sleep: cancellable delay primitive

Telemetry (pkg/metrics):
  - metrics: Prometheus instrumentation for the engine

Example usage:

	import "github.com/vnykmshr/scrapeflow/pkg/scrape"

	sched, err := scrape.New(scrape.Options{
		Pagination: scrape.TotalPages{
			ResolveTotalPages: func(this, flow any, resp any) (int, error) {
				return resp.(page).TotalPages, nil
			},
		},
		FetchHandler: func(this, flow any, args scrape.FetchArgs) (any, error) {
			return fetchPage(args.Page)
		},
		Concurrency: 3,
	})
	if err != nil {
		log.Fatal(err)
	}

	sched.OnCycleSummary(func(s scrape.CycleSummary) {
		log.Printf("cycle done: %d pages", s.Stats.TotalPageCount)
	})
	sched.Start()
*/
package scrapeflow
