package usecase

import "time"

// Timer is a pending scheduled task
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Tests substitute a manual implementation.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemScheduler schedules on the wall clock
var SystemScheduler Scheduler = systemScheduler{}
