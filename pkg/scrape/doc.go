// Package scrape implements a reusable scraping orchestrator: a
// scheduler that repeatedly runs a user-supplied fetch over a paginated
// source, distributing pages across a pool of stateful worker flows,
// pacing every flow by an interval strategy, and retrying failures
// under a configurable policy.
//
// The engine is transport- and parser-agnostic. Users supply a
// FetchHandler plus the resolver of one of five pagination protocols
// (None, TotalPages, HasMore, Cursor, List); the scheduler owns the
// sequencing and produces an immutable CycleSummary per cycle.
//
// All user callbacks receive the scheduler's global context as their
// first argument and the executing flow's context as their second;
// both are constructed by the Init callbacks in Options and owned by
// the engine. Callbacks run outside the engine's internal lock, but a
// context initializer must not block on the scheduler's own methods
// while a cycle is being prepared.
//
// Cancellation has two levels: Stop(false) lets the active cycle
// finish and starts no new one; Stop(true) additionally aborts the
// active cycle as soon as its in-flight fetches return. In-flight user
// callbacks are never interrupted.
package scrape
