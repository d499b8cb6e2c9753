package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxInitialDelay = 60 * time.Second

// initialDelay draws whole seconds uniformly from [1, min(60, period/2)].
func initialDelay(period time.Duration, intN func(n int) int) time.Duration {
	hi := int(min(maxInitialDelay, period/2) / time.Second)
	if hi < 1 {
		hi = 1
	}
	if intN == nil {
		intN = rand.IntN
	}
	return time.Duration(1+intN(hi)) * time.Second
}

// delayedSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type delayedSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// jitteredEvery fires first at now+delay (plus one period when deferFirst)
// and then every period.
func jitteredEvery(period time.Duration, now time.Time, deferFirst bool, intN func(n int) int) (cron.Schedule, time.Duration) {
	delay := initialDelay(period, intN)
	first := now.Add(delay)
	if deferFirst {
		first = first.Add(period)
	}
	return &delayedSchedule{base: cron.Every(period), first: first}, delay
}
