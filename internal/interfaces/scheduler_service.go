package interfaces

// SchedulerService runs the periodic maintenance sweep that removes jobs
// whose destruction time has passed
type SchedulerService interface {
	// Start begins the scheduler with the given cron expression
	Start(cronExpr string) error

	// Stop halts the scheduler
	Stop() error

	// IsRunning returns true if the scheduler is active
	IsRunning() bool

	// SweepNow runs one maintenance sweep immediately and reports how many
	// jobs were removed
	SweepNow() (int, error)
}
