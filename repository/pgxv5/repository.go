package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	ensureJobLockSql  = "INSERT INTO job_lock (name, locked, version) VALUES ($1, false, 1) ON CONFLICT (name) DO NOTHING"
	getJobLockSql     = "SELECT name, locked, locked_by, locked_at, locked_until, version FROM job_lock WHERE name = $1"
	acquireJobLockSql = "UPDATE job_lock SET locked=true, locked_by=$1, locked_at=$2, locked_until=$3, version=$4 WHERE name=$5 AND version=$6"
	releaseJobLockSql = "UPDATE job_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null, version=version+1 WHERE name=$1 AND locked_by=$2"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository gives access to the eventbox tables through a pgx pool. The
// business and processing transactions are pgx.Tx values stored in the
// context under txKey.
type Repository struct {
	txKey  evbx.TxKey
	db     dbpool
	logger evbx.Logger
	now    func() time.Time
}

var _ evbx.Loggable = (*Repository)(nil)
var _ evbx.Locker = (*Repository)(nil)

func New(txKey evbx.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &evbx.NopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l evbx.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Outbox returns the outbox view of the repository.
func (r *Repository) Outbox() *OutboxRepository {
	return &OutboxRepository{family{Repository: r, t: outboxTables}}
}

// Inbox returns the inbox view of the repository.
func (r *Repository) Inbox() *InboxRepository {
	return &InboxRepository{family{Repository: r, t: inboxTables}}
}

// BeginTx starts a transaction on the pool and stores it in the returned
// context.
func (r *Repository) BeginTx(ctx context.Context) (context.Context, evbx.Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, r.txKey, tx), tx, nil
}

func (r *Repository) tx(ctx context.Context) (pgx.Tx, error) {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("a pgx.Tx was expected: %w", evbx.ErrTxRequired)
	}
	return tx, nil
}

// AcquireLock obtains the named job lock using optimistic locking over the
// 'job_lock' table. A lock held by another owner that has not expired yet, or
// a concurrent acquisition, returns false.
func (r *Repository) AcquireLock(ctx context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error) {
	if _, err := r.db.Exec(ctx, ensureJobLockSql, name); err != nil {
		return false, err
	}
	lock, err := r.getJobLock(ctx, name)
	if err != nil {
		return false, err
	}
	lockedAt := r.now()
	if lock.locked && lock.lockedUntil.Time.After(lockedAt) {
		return false, nil
	}
	lockedUntil := lockedAt.Add(ttl)
	ct, err := r.db.Exec(ctx, acquireJobLockSql, owner, lockedAt, lockedUntil, lock.version+1, name, lock.version)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		r.logger.Debug(fmt.Sprintf("race condition detected acquiring the lock '%s'", name))
		return false, nil
	}
	r.logger.Debug(fmt.Sprintf("the lock '%s' was acquired by %s", name, owner))
	return true, nil
}

// ReleaseLock releases the named job lock if it is held by owner.
func (r *Repository) ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error {
	ct, err := r.db.Exec(ctx, releaseJobLockSql, name, owner)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("the lock '%s' is not held by %s", name, owner)
	}
	r.logger.Debug(fmt.Sprintf("the lock '%s' was released by %s", name, owner))
	return nil
}

func (r *Repository) getJobLock(ctx context.Context, name string) (*jobLock, error) {
	row := r.db.QueryRow(ctx, getJobLockSql, name)
	var lock jobLock
	err := row.Scan(&lock.name, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// family implements the operations shared by the outbox and the inbox.
type family struct {
	*Repository
	t tables
}

// ConsumerExists tells whether the handler already completed the message.
func (f family) ConsumerExists(ctx context.Context, c evbx.MessageConsumer) (bool, error) {
	var exists bool
	if err := f.db.QueryRow(ctx, f.t.consumerExistsSql(), c.MessageId, c.Name).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// InsertConsumer records that the handler completed the message. It runs on
// the pool, outside of any processing transaction.
func (f family) InsertConsumer(ctx context.Context, c evbx.MessageConsumer) error {
	if _, err := f.db.Exec(ctx, f.t.insertConsumerSql(), c.MessageId, c.Name); err != nil {
		return mapError(err)
	}
	return nil
}

type scanned struct {
	id          uuid.UUID
	typ         string
	content     []byte
	occurredAt  time.Time
	processedAt *time.Time
	err         *string
}

func (f family) findUnprocessed(ctx context.Context, batchSize int) ([]scanned, error) {
	tx, err := f.tx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, f.t.selectUnprocessedSql(), batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []scanned
	for rows.Next() {
		var s scanned
		if err := rows.Scan(&s.id, &s.typ, &s.content, &s.occurredAt, &s.processedAt, &s.err); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (f family) markProcessed(ctx context.Context, processedAt time.Time, ids []string, errs []*string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := f.tx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, f.t.markProcessedSql(), processedAt, ids, errs)
	return err
}

// OutboxRepository implements evbx.OutboxRepository.
type OutboxRepository struct {
	family
}

var _ evbx.OutboxRepository = (*OutboxRepository)(nil)

// Save persists the outbox messages in the business transaction present in
// the context.
func (o *OutboxRepository) Save(ctx context.Context, msgs ...*evbx.OutboxMessage) error {
	tx, err := o.tx(ctx)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		_, err := tx.Exec(ctx, o.t.insertMessageSql(), m.Id, m.Type, m.Content, m.OccurredAtUtc)
		if err != nil {
			return fmt.Errorf("could not persist the outbox message: %w", mapError(err))
		}
	}
	return nil
}

func (o *OutboxRepository) FindUnprocessed(ctx context.Context, batchSize int) ([]*evbx.OutboxMessage, error) {
	rows, err := o.findUnprocessed(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	msgs := make([]*evbx.OutboxMessage, len(rows))
	for i, s := range rows {
		msgs[i] = &evbx.OutboxMessage{
			Id:             s.id,
			Type:           s.typ,
			Content:        s.content,
			OccurredAtUtc:  s.occurredAt,
			ProcessedAtUtc: s.processedAt,
			Error:          s.err,
		}
	}
	return msgs, nil
}

func (o *OutboxRepository) MarkProcessed(ctx context.Context, processedAt time.Time, msgs []*evbx.OutboxMessage) error {
	ids := make([]string, len(msgs))
	errs := make([]*string, len(msgs))
	for i, m := range msgs {
		ids[i], errs[i] = m.Id.String(), m.Error
	}
	return o.markProcessed(ctx, processedAt, ids, errs)
}

// InboxRepository implements evbx.InboxRepository.
type InboxRepository struct {
	family
}

var _ evbx.InboxRepository = (*InboxRepository)(nil)

// Save persists the inbox message on the pool in its own implicit
// transaction.
func (in *InboxRepository) Save(ctx context.Context, m *evbx.InboxMessage) error {
	_, err := in.db.Exec(ctx, in.t.insertMessageSql(), m.Id, m.Type, m.Content, m.OccurredAtUtc)
	if err != nil {
		return fmt.Errorf("could not persist the inbox message: %w", mapError(err))
	}
	return nil
}

func (in *InboxRepository) FindUnprocessed(ctx context.Context, batchSize int) ([]*evbx.InboxMessage, error) {
	rows, err := in.findUnprocessed(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	msgs := make([]*evbx.InboxMessage, len(rows))
	for i, s := range rows {
		msgs[i] = &evbx.InboxMessage{
			Id:             s.id,
			Type:           s.typ,
			Content:        s.content,
			OccurredAtUtc:  s.occurredAt,
			ProcessedAtUtc: s.processedAt,
			Error:          s.err,
		}
	}
	return msgs, nil
}

func (in *InboxRepository) MarkProcessed(ctx context.Context, processedAt time.Time, msgs []*evbx.InboxMessage) error {
	ids := make([]string, len(msgs))
	errs := make([]*string, len(msgs))
	for i, m := range msgs {
		ids[i], errs[i] = m.Id.String(), m.Error
	}
	return in.markProcessed(ctx, processedAt, ids, errs)
}

// mapError translates unique violations into evbx.ErrDuplicateMessage.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", evbx.ErrDuplicateMessage, pgErr.ConstraintName)
	}
	return err
}
