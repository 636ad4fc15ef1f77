package evbx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of work triggered periodically by the Scheduler.
type Job interface {
	Name() string
	Execute(ctx context.Context) error
}

type scheduledJob struct {
	job      Job
	interval time.Duration
	lockTTL  time.Duration
}

// Scheduler runs jobs on a fixed interval. Runs of one job never overlap in
// the process; with a Locker they do not overlap across processes either.
type Scheduler struct {
	id     uuid.UUID
	locker Locker
	logger Logger
	jobs   []scheduledJob
}

var _ Loggable = (*Scheduler)(nil)

func NewScheduler(locker Locker) *Scheduler {
	return &Scheduler{
		id:     uuid.New(),
		locker: locker,
		logger: &NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Scheduler) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

// Schedule registers a job. It must be called before Run.
func (s *Scheduler) Schedule(job Job, interval, lockTTL time.Duration) {
	if interval <= 0 {
		interval = defaultPollingInterval
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	s.jobs = append(s.jobs, scheduledJob{job: job, interval: interval, lockTTL: lockTTL})
}

// Run executes the scheduled jobs until ctx is done and waits for the
// in-flight runs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sj := range s.jobs {
		wg.Add(1)
		go func(sj scheduledJob) {
			defer wg.Done()
			s.loop(ctx, sj)
		}(sj)
	}
	wg.Wait()
	s.logger.Debug(fmt.Sprintf("scheduler '%s' stopped", s.id))
}

func (s *Scheduler) loop(ctx context.Context, sj scheduledJob) {
	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()
	for {
		s.runOnce(ctx, sj)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, sj scheduledJob) {
	if ctx.Err() != nil {
		return
	}
	name := sj.job.Name()
	if s.locker != nil {
		acquired, err := s.locker.AcquireLock(ctx, name, s.id, sj.lockTTL)
		if err != nil {
			s.logger.Error(fmt.Sprintf("unable to get the lock for job '%s'", name), err)
			return
		}
		if !acquired {
			s.logger.Debug(fmt.Sprintf("job '%s' is running somewhere else", name))
			return
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), name, s.id); err != nil {
				s.logger.Error(fmt.Sprintf("releasing the lock for job '%s'", name), err)
			}
		}()
	}

	if err := sj.job.Execute(ctx); err != nil {
		s.logger.Error(fmt.Sprintf("job '%s' failed", name), err)
	}
}
