package evbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TxKey is the context key under which repositories expect the current
// transaction.
type TxKey any

// Tx is a transaction started by a Transactor.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transactor starts transactions. The returned context carries the
// transaction so the other repository operations join it.
type Transactor interface {
	BeginTx(ctx context.Context) (context.Context, Tx, error)
}

// ConsumerRepository manages the idempotency markers of one message family.
// Both operations use their own connection and never join the transaction of
// the processing job.
type ConsumerRepository interface {

	// ConsumerExists tells in a single round trip whether the marker exists.
	ConsumerExists(ctx context.Context, c MessageConsumer) (bool, error)

	// InsertConsumer persists the marker. Implementations must return an error
	// wrapping ErrDuplicateMessage when the marker already exists.
	InsertConsumer(ctx context.Context, c MessageConsumer) error
}

// OutboxRepository manages outbox messages persistent operations.
type OutboxRepository interface {
	Transactor
	ConsumerRepository

	// Save persists outbox messages in the existing business transaction
	// provided in the context.
	Save(ctx context.Context, msgs ...*OutboxMessage) error

	// FindUnprocessed selects up to batchSize unprocessed messages, oldest
	// first, locking them until the transaction in the context ends. Rows
	// locked by another transaction block the call.
	FindUnprocessed(ctx context.Context, batchSize int) ([]*OutboxMessage, error)

	// MarkProcessed stamps every message with processedAt and its Error in one
	// update pass, inside the transaction provided in the context.
	MarkProcessed(ctx context.Context, processedAt time.Time, msgs []*OutboxMessage) error
}

// InboxRepository manages inbox messages persistent operations.
type InboxRepository interface {
	Transactor
	ConsumerRepository

	// Save persists an inbox message in its own transaction. Implementations
	// must return an error wrapping ErrDuplicateMessage when a message with
	// the same id already exists.
	Save(ctx context.Context, msg *InboxMessage) error

	// FindUnprocessed selects up to batchSize unprocessed messages, oldest
	// first, locking them until the transaction in the context ends. Rows
	// locked by another transaction are skipped.
	FindUnprocessed(ctx context.Context, batchSize int) ([]*InboxMessage, error)

	// MarkProcessed stamps every message with processedAt and its Error in one
	// update pass, inside the transaction provided in the context.
	MarkProcessed(ctx context.Context, processedAt time.Time, msgs []*InboxMessage) error
}

// Locker grants named locks across processes. It is used by the Scheduler to
// avoid overlapping runs of the same job.
type Locker interface {
	AcquireLock(ctx context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error
}
