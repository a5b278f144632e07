package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

// sweepTimeout bounds a single scheduled sweep.
const sweepTimeout = 30 * time.Second

// SweepResult reports what a sweep changed.
type SweepResult struct {
	WentOffline   int
	TypingExpired int
}

// Sweep marks users idle past the presence timeout offline and purges
// typing signals older than the typing window. It is idempotent.
func (r *Registry) Sweep(ctx context.Context) (SweepResult, error) {
	now := r.Now()
	var res SweepResult

	n, err := r.backend.MarkIdleOffline(ctx, now.Add(-r.presenceTimeout))
	if err != nil {
		return res, fmt.Errorf("sweep presence: %w", err)
	}
	res.WentOffline = n

	n, err = r.backend.PurgeTyping(ctx, now.Add(-r.typingWindow))
	if err != nil {
		return res, fmt.Errorf("sweep typing: %w", err)
	}
	res.TypingExpired = n
	return res, nil
}

// Start schedules the sweep. It is a no-op when the schedule is empty or
// the sweep is already scheduled.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil || r.sweepSchedule == "" {
		return nil
	}

	logger := cronLogger{r.log.Named("cron")}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(r.sweepSchedule, r.runSweep); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", r.sweepSchedule, err)
	}
	c.Start()
	r.cron = c
	r.log.Info("sweep scheduled", "schedule", r.sweepSchedule)
	return nil
}

func (r *Registry) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	res, err := r.Sweep(ctx)
	if err != nil {
		r.log.Error("sweep failed", "error", err)
		return
	}
	if res.WentOffline > 0 || res.TypingExpired > 0 {
		r.log.Debug("sweep", "offline", res.WentOffline, "typing_expired", res.TypingExpired)
	}
}

// Close stops the sweep, waiting for a running one to finish, and closes
// the backend. Only the first call has any effect.
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		c := r.cron
		r.cron = nil
		r.mu.Unlock()
		if c != nil {
			<-c.Stop().Done()
		}
		err = r.backend.Close()
	})
	return err
}

// cronLogger routes scheduler output to hclog.
type cronLogger struct {
	log hclog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
