// Package scheduler triggers named jobs on cron expressions or fixed
// intervals.
//
// Every job has skip-if-running semantics: a trigger that fires while the
// previous run of the same job is still in flight is dropped and reported,
// never queued.
package scheduler
