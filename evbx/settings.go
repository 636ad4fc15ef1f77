package evbx

import (
	"time"
)

const (
	defaultBatchSize       int           = 20
	defaultPollingInterval time.Duration = time.Second * 10
	defaultLockTTL         time.Duration = time.Second * 30
)

// MaxBatchSize bounds BatchSize. Marking a batch as processed binds three
// parameters per message and PostgreSQL accepts at most 65535 per statement.
const MaxBatchSize = 10000

// JobSettings holds the configuration of one processing job.
type JobSettings struct {
	Enabled         bool          // runs the job from Eventbox.Start
	BatchSize       int           // maximum number of messages locked and processed per run
	PollingInterval time.Duration // interval between runs
	LockTTL         time.Duration // expiration of the distributed lock held during a run
}

// Settings holds the general Eventbox module configuration.
type Settings struct {
	Outbox JobSettings
	Inbox  JobSettings
}

// validateSettings sets defaults where needed in the settings of the enabled jobs.
func validateSettings(s *Settings) {
	validateJobSettings(&s.Outbox)
	validateJobSettings(&s.Inbox)
}

func validateJobSettings(s *JobSettings) {
	if !s.Enabled {
		return
	}
	s.BatchSize = normalizeBatchSize(s.BatchSize)
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.LockTTL <= 0 {
		s.LockTTL = defaultLockTTL
	}
}

func normalizeBatchSize(n int) int {
	switch {
	case n <= 0:
		return defaultBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	default:
		return n
	}
}
