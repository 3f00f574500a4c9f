package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Target receives the scheduler's triggers.
type Target interface {
	ScheduleUpdateFromServer(userTriggered bool)
	SyncSettings()
}

// Scheduler polls the server periodically and when the application is activated.
type Scheduler struct {
	target   Target
	interval time.Duration
	logger   *zap.Logger
	activate chan struct{}
}

func NewScheduler(target Target, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		target:   target,
		interval: interval,
		logger:   logger,
		activate: make(chan struct{}, 1),
	}
}

// Activate requests an update check and a sync. It never blocks.
func (s *Scheduler) Activate() {
	select {
	case s.activate <- struct{}{}:
	default:
	}
}

// Run triggers the target until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.logger.Debug("periodic update check")
			s.target.ScheduleUpdateFromServer(false)
		case <-s.activate:
			s.logger.Debug("activated")
			s.target.ScheduleUpdateFromServer(false)
			s.target.SyncSettings()
		}
	}
}
