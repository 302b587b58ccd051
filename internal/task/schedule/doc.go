// Package schedule computes fire times for task schedules.
//
// A Schedule is one of three kinds (Cron, Interval, Once). Compile validates
// it once and returns a Calculator whose Next is pure and safe for concurrent use.
package schedule
