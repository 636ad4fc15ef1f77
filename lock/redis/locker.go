package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	goredislib "github.com/redis/go-redis/v9"
)

const keyPrefix = "eventbox:lock:"

// Locker implements evbx.Locker with the RedLock algorithm. The owner id is
// stored as the lock value, so any instance built with the same owner can
// release it.
type Locker struct {
	redsync *redsync.Redsync
	logger  evbx.Logger
}

var _ evbx.Locker = (*Locker)(nil)
var _ evbx.Loggable = (*Locker)(nil)

func New(client goredislib.UniversalClient) *Locker {
	if client == nil {
		panic("redis client is mandatory")
	}
	return &Locker{
		redsync: redsync.New(goredis.NewPool(client)),
		logger:  &evbx.NopLogger{},
	}
}

func (l *Locker) SetLogger(lg evbx.Logger) {
	if lg != nil {
		l.logger = lg
	}
}

func (l *Locker) mutex(name string, owner uuid.UUID, ttl time.Duration) *redsync.Mutex {
	opts := []redsync.Option{
		redsync.WithTries(1),
		redsync.WithValue(owner.String()),
	}
	if ttl > 0 {
		opts = append(opts, redsync.WithExpiry(ttl))
	}
	return l.redsync.NewMutex(keyPrefix+name, opts...)
}

// AcquireLock tries once to take the named lock for ttl. A lock held by
// someone else returns false without error.
func (l *Locker) AcquireLock(ctx context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error) {
	if err := l.mutex(name, owner, ttl).LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			l.logger.Debug(fmt.Sprintf("the lock '%s' is held by another process", name))
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire the lock '%s': %w", name, err)
	}
	l.logger.Debug(fmt.Sprintf("the lock '%s' was acquired by %s", name, owner))
	return true, nil
}

// ReleaseLock releases the named lock if it is still held by owner.
func (l *Locker) ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error {
	ok, err := l.mutex(name, owner, 0).UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to release the lock '%s': %w", name, err)
	}
	if !ok {
		return fmt.Errorf("the lock '%s' is not held by %s", name, owner)
	}
	l.logger.Debug(fmt.Sprintf("the lock '%s' was released by %s", name, owner))
	return nil
}
