package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const raNotSupported string = "RowsAffected not supported"

const (
	ensureJobLockSql  = "INSERT INTO job_lock (name, locked, version) VALUES (?, false, 1) ON CONFLICT (name) DO NOTHING"
	getJobLockSql     = "SELECT name, locked, locked_by, locked_at, locked_until, version FROM job_lock WHERE name = ?"
	acquireJobLockSql = "UPDATE job_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE name=? AND version=?"
	releaseJobLockSql = "UPDATE job_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null, version=version+1 WHERE name=? AND locked_by=?"
)

// Repository gives access to the eventbox tables through database/sql. The
// transactions are *sql.Tx values stored in the context under txKey.
type Repository struct {
	txKey     evbx.TxKey
	db        *sql.DB
	useDollar bool
	logger    evbx.Logger
	now       func() time.Time
}

var _ evbx.Loggable = (*Repository)(nil)
var _ evbx.Locker = (*Repository)(nil)

// New creates a repository. useDollar converts the '?' placeholders into
// '$n' ones, as expected by PostgreSQL drivers.
func New(txKey evbx.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:     txKey,
		db:        db,
		useDollar: useDollar,
		logger:    &evbx.NopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l evbx.Logger) {
	if l != nil {
		r.logger = l
	}
}

func (r *Repository) Outbox() *OutboxRepository {
	return &OutboxRepository{family{Repository: r, t: outboxTables}}
}

func (r *Repository) Inbox() *InboxRepository {
	return &InboxRepository{family{Repository: r, t: inboxTables}}
}

func (r *Repository) query(q string) string {
	if r.useDollar {
		return convertToDollarPlaceholder(q)
	}
	return q
}

// BeginTx starts a transaction and stores the *sql.Tx in the returned context.
func (r *Repository) BeginTx(ctx context.Context) (context.Context, evbx.Tx, error) {
	t, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, r.txKey, t), tx{t}, nil
}

func (r *Repository) tx(ctx context.Context) (*sql.Tx, error) {
	t, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("an *sql.Tx transaction was expected: %w", evbx.ErrTxRequired)
	}
	return t, nil
}

// AcquireLock obtains the named job lock using optimistic locking over the
// 'job_lock' table.
func (r *Repository) AcquireLock(ctx context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error) {
	if _, err := r.db.ExecContext(ctx, r.query(ensureJobLockSql), name); err != nil {
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
	res, err := r.db.ExecContext(ctx, r.query(acquireJobLockSql), owner, lockedAt, lockedUntil, lock.version+1, name, lock.version)
	if err != nil {
		return false, err
	}

	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	if ra == 0 {
		r.logger.Debug(fmt.Sprintf("race condition detected acquiring the lock '%s'", name))
		return false, nil
	}
	r.logger.Debug(fmt.Sprintf("the lock '%s' was acquired by %s", name, owner))
	return true, nil
}

// ReleaseLock releases the named job lock if it is held by owner.
func (r *Repository) ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, r.query(releaseJobLockSql), name, owner)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return fmt.Errorf("the lock '%s' is not held by %s", name, owner)
	}
	r.logger.Debug(fmt.Sprintf("the lock '%s' was released by %s", name, owner))
	return nil
}

func (r *Repository) getJobLock(ctx context.Context, name string) (*jobLock, error) {
	row := r.db.QueryRowContext(ctx, r.query(getJobLockSql), name)
	var lock jobLock
	err := row.Scan(&lock.name, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

type family struct {
	*Repository
	t tables
}

func (f family) ConsumerExists(ctx context.Context, c evbx.MessageConsumer) (bool, error) {
	var exists bool
	err := f.db.QueryRowContext(ctx, f.query(f.t.consumerExistsSql()), c.MessageId, c.Name).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (f family) InsertConsumer(ctx context.Context, c evbx.MessageConsumer) error {
	if _, err := f.db.ExecContext(ctx, f.query(f.t.insertConsumerSql()), c.MessageId, c.Name); err != nil {
		return mapError(err)
	}
	return nil
}

type scanned struct {
	id          uuid.UUID
	typ         string
	content     []byte
	occurredAt  time.Time
	processedAt sql.NullTime
	err         sql.NullString
}

func (s scanned) processedAtPtr() *time.Time {
	if !s.processedAt.Valid {
		return nil
	}
	return &s.processedAt.Time
}

func (s scanned) errPtr() *string {
	if !s.err.Valid {
		return nil
	}
	return &s.err.String
}

func (f family) findUnprocessed(ctx context.Context, batchSize int) ([]scanned, error) {
	t, err := f.tx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := t.QueryContext(ctx, f.query(f.t.selectUnprocessedSql()), batchSize)
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

func (f family) markProcessed(ctx context.Context, processedAt time.Time, ids []uuid.UUID, errs []*string) error {
	if len(ids) == 0 {
		return nil
	}
	t, err := f.tx(ctx)
	if err != nil {
		return err
	}
	args := make([]interface{}, 0, 1+3*len(ids))
	args = append(args, processedAt)
	for i, id := range ids {
		args = append(args, id, errs[i])
	}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = t.ExecContext(ctx, f.query(f.t.markProcessedSql(len(ids))), args...)
	return err
}

// OutboxRepository implements evbx.OutboxRepository.
type OutboxRepository struct {
	family
}

var _ evbx.OutboxRepository = (*OutboxRepository)(nil)

// Save persists the outbox messages in the business transaction present in
// the context. The expected transaction should be a pointer to an instance of
// sql.Tx.
func (o *OutboxRepository) Save(ctx context.Context, msgs ...*evbx.OutboxMessage) error {
	t, err := o.tx(ctx)
	if err != nil {
		return err
	}
	q := o.query(o.t.insertMessageSql())
	for _, m := range msgs {
		if _, err := t.ExecContext(ctx, q, m.Id, m.Type, m.Content, m.OccurredAtUtc); err != nil {
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
			ProcessedAtUtc: s.processedAtPtr(),
			Error:          s.errPtr(),
		}
	}
	return msgs, nil
}

func (o *OutboxRepository) MarkProcessed(ctx context.Context, processedAt time.Time, msgs []*evbx.OutboxMessage) error {
	ids := make([]uuid.UUID, len(msgs))
	errs := make([]*string, len(msgs))
	for i, m := range msgs {
		ids[i], errs[i] = m.Id, m.Error
	}
	return o.markProcessed(ctx, processedAt, ids, errs)
}

// InboxRepository implements evbx.InboxRepository.
type InboxRepository struct {
	family
}

var _ evbx.InboxRepository = (*InboxRepository)(nil)

// Save persists the inbox message outside of any business transaction.
func (in *InboxRepository) Save(ctx context.Context, m *evbx.InboxMessage) error {
	_, err := in.db.ExecContext(ctx, in.query(in.t.insertMessageSql()), m.Id, m.Type, m.Content, m.OccurredAtUtc)
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
			ProcessedAtUtc: s.processedAtPtr(),
			Error:          s.errPtr(),
		}
	}
	return msgs, nil
}

func (in *InboxRepository) MarkProcessed(ctx context.Context, processedAt time.Time, msgs []*evbx.InboxMessage) error {
	ids := make([]uuid.UUID, len(msgs))
	errs := make([]*string, len(msgs))
	for i, m := range msgs {
		ids[i], errs[i] = m.Id, m.Error
	}
	return in.markProcessed(ctx, processedAt, ids, errs)
}

// mapError translates unique violations reported by the pgx driver into
// evbx.ErrDuplicateMessage.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", evbx.ErrDuplicateMessage, pgErr.ConstraintName)
	}
	return err
}

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}
