// Package metrics provides Prometheus instrumentation for scrapeflow schedulers.
//
// The scrape engine records its own operation into a Registry: cycle
// starts/completions and durations, page attempts and failures, retry
// dispatches, and the number of in-flight flows. All metrics carry a
// scheduler_name label so several schedulers can share one registry.
//
// # Quick Start
//
// Schedulers record into DefaultRegistry (backed by
// prometheus.DefaultRegisterer) unless told otherwise:
//
//	sched, _ := scrape.New(scrape.Options{Name: "products", ...})
//
//	http.Handle("/metrics", promhttp.Handler())
//	log.Fatal(http.ListenAndServe(":8080", nil))
//
// # Custom Registry
//
// Use a custom Prometheus registry for isolation:
//
//	registry := prometheus.NewRegistry()
//	sched, _ := scrape.New(scrape.Options{
//		Name:    "products",
//		Metrics: metrics.NewRegistry(registry),
//		...
//	})
//
// # Available Metrics
//
//   - scrapeflow_cycle_started_total: Cycles started
//   - scrapeflow_cycle_completed_total: Cycles that finished within policy limits
//   - scrapeflow_cycle_duration_seconds: Wall-clock cycle duration
//   - scrapeflow_page_fetched_total: Page attempts, labelled by result (success|failure)
//   - scrapeflow_page_failures_total: Pages that exhausted their retry budget
//   - scrapeflow_page_retries_total: Retry dispatches
//   - scrapeflow_page_fetch_duration_seconds: Duration of a single page attempt
//   - scrapeflow_flows_active: Flows with an outstanding executor invocation
//   - scrapeflow_flows_pending_retries: Queued retry records
package metrics
