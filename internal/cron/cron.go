// Package cron turns scheduled jobs into synthetic inbound messages.
// Each firing routes through the same binding cascade and agent loop as
// any client-sent message.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hearth-ai/hearth/internal/config"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// runTimeout bounds one synthetic turn.
const runTimeout = 5 * time.Minute

// Runner executes one synthetic inbound turn for a fired job.
type Runner func(ctx context.Context, job config.CronJob) error

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	logger *slog.Logger
	runner Runner
	cron   *cron.Cron

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// NewScheduler creates a stopped scheduler. Jobs fire runner when due.
func NewScheduler(logger *slog.Logger, runner Runner) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger,
		runner:  runner,
		cron:    cron.New(cron.WithParser(cronParser)),
		lastRun: make(map[string]time.Time),
	}
}

// AddJobs validates and registers the configured jobs.
func (s *Scheduler) AddJobs(jobs []config.CronJob) error {
	for i, job := range jobs {
		job := job
		if strings.TrimSpace(job.Schedule) == "" {
			return fmt.Errorf("cron: job %d (%s) has no schedule", i, job.Name)
		}
		if strings.TrimSpace(job.Text) == "" {
			return fmt.Errorf("cron: job %d (%s) has no text", i, job.Name)
		}
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.fire(job) }); err != nil {
			return fmt.Errorf("cron: job %q schedule %q: %w", job.Name, job.Schedule, err)
		}
	}
	return nil
}

func (s *Scheduler) fire(job config.CronJob) {
	s.mu.Lock()
	s.lastRun[job.Name] = time.Now()
	s.mu.Unlock()

	if s.runner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	start := time.Now()
	if err := s.runner(ctx, job); err != nil {
		s.logger.Error("cron job failed",
			"job", job.Name,
			"duration", time.Since(start),
			"error", err)
		return
	}
	s.logger.Info("cron job completed", "job", job.Name, "duration", time.Since(start))
}

// Start begins firing jobs. Safe to call once.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// LastRun reports when the named job last fired.
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastRun[name]
	return at, ok
}

// ValidateSchedule checks a cron expression without registering it.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
