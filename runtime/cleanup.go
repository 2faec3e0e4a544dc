package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sweetpotato0/agentstep/session"
)

// Janitor periodically removes finished sessions from a store. A tick is
// skipped while the previous one is still running.
type Janitor struct {
	sessions  *session.Manager
	olderThan time.Duration
	logger    *slog.Logger

	lock   sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewJanitor schedules cleanup of sessions that finished more than olderThan
// ago. schedule is a five-field cron expression or a descriptor such as
// "@hourly".
func NewJanitor(sessions *session.Manager, schedule string, olderThan time.Duration, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{sessions: sessions, olderThan: olderThan, logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	j.cron = cron.New(cron.WithParser(parser))
	if _, err := j.cron.AddFunc(schedule, func() { j.tick(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("cleanup: invalid schedule %q: %w", schedule, err)
	}
	j.cancel = cancel
	return j, nil
}

// Start begins running the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("session cleanup scheduled", "older_than", j.olderThan)
}

// Sweep removes finished sessions once and reports how many were deleted.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	return j.sessions.CleanupFinished(ctx, j.olderThan)
}

func (j *Janitor) tick(ctx context.Context) {
	if !j.lock.TryLock() {
		j.logger.Warn("session cleanup still running, skipping tick")
		return
	}
	defer j.lock.Unlock()

	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Error("session cleanup failed", "error", err)
	}
}

// Stop halts the schedule and waits for a running sweep to return.
func (j *Janitor) Stop(ctx context.Context) error {
	j.cancel()
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
