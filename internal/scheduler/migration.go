// Package scheduler re-runs the migration on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one migration run.
type Job func(ctx context.Context) error

// ValidateSchedule checks a five-field cron expression or an @descriptor.
func ValidateSchedule(schedule string) error {
	_, err := parser.Parse(schedule)
	return err
}

// NextRunTime returns when schedule fires next after from.
func NextRunTime(schedule string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// MigrationScheduler runs a job immediately and then on every tick of its
// schedule. A tick that arrives while a run is in progress is skipped.
type MigrationScheduler struct {
	schedule string
	job      Job

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	running bool
	runs    int
	skipped int
}

func NewMigrationScheduler(schedule string, job Job) *MigrationScheduler {
	return &MigrationScheduler{
		schedule: schedule,
		job:      job,
		cron:     cron.New(cron.WithParser(parser)),
	}
}

// Run blocks until ctx is cancelled, then waits for an in-flight run.
func (s *MigrationScheduler) Run(ctx context.Context) error {
	if err := ValidateSchedule(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule '%s': %w", s.schedule, err)
	}

	entryID, err := s.cron.AddFunc(s.schedule, func() { s.runJob(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule migration: %w", err)
	}
	s.entryID = entryID

	s.runJob(ctx)
	if ctx.Err() != nil {
		return nil
	}

	s.cron.Start()
	if next := s.NextRun(); next != nil {
		log.Printf("Migration scheduler: started with schedule '%s'. Next run: %v", s.schedule, next.Format(time.RFC3339))
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	log.Printf("Migration scheduler: stopped after %d runs (%d skipped)", s.Runs(), s.Skipped())
	return nil
}

// NextRun returns when the next run will start, or nil when not scheduled.
func (s *MigrationScheduler) NextRun() *time.Time {
	for _, entry := range s.cron.Entries() {
		if entry.ID == s.entryID && !entry.Next.IsZero() {
			t := entry.Next
			return &t
		}
	}
	return nil
}

func (s *MigrationScheduler) runJob(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.skipped++
		s.mu.Unlock()
		log.Printf("Migration scheduler: skipped (previous run still in progress)")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.runs++
		s.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := s.job(ctx); err != nil {
		log.Errorf("Migration scheduler: run failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
		return
	}
	log.Printf("Migration scheduler: run finished in %v", time.Since(start).Round(time.Millisecond))
}

// Runs reports how many runs have finished.
func (s *MigrationScheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Skipped reports how many ticks were dropped because a run was in progress.
func (s *MigrationScheduler) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}
