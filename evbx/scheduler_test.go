package evbx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name    string
	runs    atomic.Int32
	running atomic.Int32
	overlap atomic.Bool
	err     error
	ran     chan struct{}
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Execute(context.Context) error {
	if j.running.Add(1) > 1 {
		j.overlap.Store(true)
	}
	defer j.running.Add(-1)
	time.Sleep(2 * time.Millisecond)
	j.runs.Add(1)
	select {
	case j.ran <- struct{}{}:
	default:
	}
	return j.err
}

type fakeLocker struct {
	mu       sync.Mutex
	granted  bool
	err      error
	acquired []string
	released []string
	owners   map[uuid.UUID]bool
}

func (l *fakeLocker) AcquireLock(_ context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners == nil {
		l.owners = map[uuid.UUID]bool{}
	}
	l.owners[owner] = true
	if l.err != nil {
		return false, l.err
	}
	if l.granted {
		l.acquired = append(l.acquired, name)
	}
	return l.granted, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, name string, _ uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, name)
	return nil
}

func waitRuns(t *testing.T, j *countingJob, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-j.ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("job '%s' ran %d times, expected %d", j.name, j.runs.Load(), n)
		}
	}
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	outbox := &countingJob{name: "outbox", ran: make(chan struct{}, 10), err: errors.New("boom")}
	inbox := &countingJob{name: "inbox", ran: make(chan struct{}, 10)}

	s := NewScheduler(nil)
	s.Schedule(outbox, time.Millisecond, 0)
	s.Schedule(inbox, time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitRuns(t, outbox, 3)
	waitRuns(t, inbox, 3)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, outbox.overlap.Load())
	assert.False(t, inbox.overlap.Load())
}

func TestSchedulerLocking(t *testing.T) {
	testcases := []struct {
		name         string
		locker       *fakeLocker
		wantExecuted bool
	}{
		{
			name:         "lock granted",
			locker:       &fakeLocker{granted: true},
			wantExecuted: true,
		},
		{
			name:         "lock held elsewhere",
			locker:       &fakeLocker{granted: false},
			wantExecuted: false,
		},
		{
			name:         "locker failure",
			locker:       &fakeLocker{err: errors.New("redis down")},
			wantExecuted: false,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			j := &countingJob{name: "job", ran: make(chan struct{}, 1)}
			s := NewScheduler(tc.locker)
			s.Schedule(j, time.Hour, time.Minute)

			s.runOnce(context.Background(), s.jobs[0])

			assert.Equal(t, tc.wantExecuted, j.runs.Load() == 1)
			if tc.wantExecuted {
				assert.Equal(t, []string{"job"}, tc.locker.acquired)
				assert.Equal(t, []string{"job"}, tc.locker.released)
			} else {
				assert.Empty(t, tc.locker.released)
			}
			require.Len(t, tc.locker.owners, 1)
			assert.True(t, tc.locker.owners[s.id])
		})
	}
}

func TestScheduleDefaults(t *testing.T) {
	s := NewScheduler(nil)
	s.Schedule(&countingJob{name: "job"}, 0, -1)
	require.Len(t, s.jobs, 1)
	assert.Equal(t, defaultPollingInterval, s.jobs[0].interval)
	assert.Equal(t, defaultLockTTL, s.jobs[0].lockTTL)
}
