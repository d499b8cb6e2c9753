// Package scheduler owns the polling engine: topic and account tasks, the
// reference-counted registries that share them between subscribers, and the
// Service that ties them to the budget, the admission gates and cron.
//
// Tasks are cron jobs. A tick checks connectivity, takes a gate slot, spends
// one budget ticket per outbound feed call, merges the results, delivers them
// to every subscriber and hands watermark writes to the worker pool.
package scheduler
