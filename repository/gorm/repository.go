package gorm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	ensureJobLockSql  = "INSERT INTO job_lock (name, locked, version) VALUES (?, false, 1) ON CONFLICT (name) DO NOTHING"
	getJobLockSql     = "SELECT * FROM job_lock WHERE name = ?"
	acquireJobLockSql = "UPDATE job_lock SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE name=? AND version=?"
	releaseJobLockSql = "UPDATE job_lock SET locked=false, locked_by=null, locked_at=null, locked_until=null, version=version+1 WHERE name=? AND locked_by=?"
)

const (
	requireTxCallback = "eventbox:require_tx"
	captureCallback   = "eventbox:capture"
)

type Repository struct {
	txKey  evbx.TxKey
	db     *gorm.DB
	logger evbx.Logger
	now    func() time.Time
}

var _ evbx.Loggable = (*Repository)(nil)
var _ evbx.Locker = (*Repository)(nil)

func New(txKey evbx.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
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

func (r *Repository) Outbox() *OutboxRepository {
	return &OutboxRepository{family{Repository: r, t: outboxTables}}
}

func (r *Repository) Inbox() *InboxRepository {
	return &InboxRepository{family{Repository: r, t: inboxTables}}
}

// BeginTx starts a gorm transaction and stores it in the returned context.
func (r *Repository) BeginTx(ctx context.Context) (context.Context, evbx.Tx, error) {
	t := r.db.WithContext(ctx).Begin()
	if t.Error != nil {
		return ctx, nil, t.Error
	}
	return context.WithValue(ctx, r.txKey, t), tx{t}, nil
}

func (r *Repository) tx(ctx context.Context) (*gorm.DB, error) {
	t, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return nil, fmt.Errorf("a *gorm.DB transaction was expected: %w", evbx.ErrTxRequired)
	}
	return t.WithContext(ctx), nil
}

// RegisterCapture installs create and update callbacks that save the pending
// domain events of every evbx.Aggregate model into the outbox, in the same
// transaction as the model itself. A capture failure rolls the operation
// back. Models with pending events must be written inside a transaction,
// either the gorm default one or an explicit one; otherwise the write fails
// with evbx.ErrTxRequired before reaching the database.
func (r *Repository) RegisterCapture() error {
	create, update := r.db.Callback().Create(), r.db.Callback().Update()
	if err := create.Before("gorm:create").Register(requireTxCallback, requireTx); err != nil {
		return err
	}
	if err := update.Before("gorm:update").Register(requireTxCallback, requireTx); err != nil {
		return err
	}
	if err := create.Before("gorm:commit_or_rollback_transaction").Register(captureCallback, r.capture); err != nil {
		return err
	}
	return update.Before("gorm:commit_or_rollback_transaction").Register(captureCallback, r.capture)
}

// requireTx fails statements that would write pending domain events outside a
// transaction, as happens with SkipDefaultTransaction.
func requireTx(db *gorm.DB) {
	if db.Error != nil || !db.Statement.ReflectValue.IsValid() || inTx(db) {
		return
	}
	for _, a := range aggregates(db.Statement.ReflectValue) {
		if len(a.PendingEvents()) > 0 {
			db.AddError(fmt.Errorf("domain events can only be captured inside a transaction: %w", evbx.ErrTxRequired))
			return
		}
	}
}

func inTx(db *gorm.DB) bool {
	_, ok := db.Statement.ConnPool.(gorm.TxCommitter)
	return ok
}

func (r *Repository) capture(db *gorm.DB) {
	if db.Error != nil || !db.Statement.ReflectValue.IsValid() {
		return
	}
	aggs := aggregates(db.Statement.ReflectValue)
	if !inTx(db) {
		requireTx(db)
		return
	}
	msgs, err := evbx.Harvest(aggs...)
	if err != nil {
		db.AddError(err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	ctx := context.WithValue(db.Statement.Context, r.txKey, db.Session(&gorm.Session{NewDB: true}))
	if err := r.Outbox().Save(ctx, msgs...); err != nil {
		db.AddError(err)
		return
	}
	r.logger.Debug(fmt.Sprintf("%d domain events captured into the outbox", len(msgs)))
}

// aggregates collects the addressable values implementing evbx.Aggregate.
func aggregates(rv reflect.Value) []evbx.Aggregate {
	var result []evbx.Aggregate
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			result = append(result, aggregates(rv.Index(i))...)
		}
	case reflect.Ptr, reflect.Interface:
		if !rv.IsNil() {
			result = append(result, aggregates(rv.Elem())...)
		}
	case reflect.Struct:
		if rv.CanAddr() {
			if a, ok := rv.Addr().Interface().(evbx.Aggregate); ok {
				result = append(result, a)
			}
		}
	}
	return result
}

// AcquireLock obtains the named job lock using optimistic locking over the
// 'job_lock' table.
func (r *Repository) AcquireLock(ctx context.Context, name string, owner uuid.UUID, ttl time.Duration) (bool, error) {
	db := r.db.WithContext(ctx)
	if err := db.Exec(ensureJobLockSql, name).Error; err != nil {
		return false, err
	}
	var lock jobLock
	if err := db.Raw(getJobLockSql, name).Scan(&lock).Error; err != nil {
		return false, err
	}
	lockedAt := r.now()
	if lock.Locked && lock.LockedUntil.Time.After(lockedAt) {
		return false, nil
	}
	res := db.Exec(acquireJobLockSql, owner, lockedAt, lockedAt.Add(ttl), lock.Version+1, name, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.logger.Debug(fmt.Sprintf("race condition detected acquiring the lock '%s'", name))
		return false, nil
	}

	r.logger.Debug(fmt.Sprintf("the lock '%s' was acquired by %s", name, owner))
	return true, nil
}

// ReleaseLock releases the named job lock if it is held by owner.
func (r *Repository) ReleaseLock(ctx context.Context, name string, owner uuid.UUID) error {
	res := r.db.WithContext(ctx).Exec(releaseJobLockSql, name, owner)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("the lock '%s' is not held by %s", name, owner)
	}
	r.logger.Debug(fmt.Sprintf("the lock '%s' was released by %s", name, owner))
	return nil
}

type family struct {
	*Repository
	t tables
}

func (f family) ConsumerExists(ctx context.Context, c evbx.MessageConsumer) (bool, error) {
	var exists bool
	if err := f.db.WithContext(ctx).Raw(f.t.consumerExistsSql(), c.MessageId, c.Name).Scan(&exists).Error; err != nil {
		return false, err
	}
	return exists, nil
}

func (f family) InsertConsumer(ctx context.Context, c evbx.MessageConsumer) error {
	if err := f.db.WithContext(ctx).Exec(f.t.insertConsumerSql(), c.MessageId, c.Name).Error; err != nil {
		return mapError(err)
	}
	return nil
}

func (f family) findUnprocessed(ctx context.Context, batchSize int) ([]message, error) {
	t, err := f.tx(ctx)
	if err != nil {
		return nil, err
	}
	var rows []message
	err = t.Table(f.t.messages).
		Where("processed_at_utc IS NULL").
		Order("occurred_at_utc").
		Limit(batchSize).
		Clauses(f.t.locking).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// markProcessed updates every message in a single statement, choosing the
// error of each row with a CASE expression.
func (f family) markProcessed(ctx context.Context, processedAt time.Time, ids []uuid.UUID, errs []*string) error {
	if len(ids) == 0 {
		return nil
	}
	t, err := f.tx(ctx)
	if err != nil {
		return err
	}
	vars := make([]interface{}, 0, 2*len(ids))
	for i, id := range ids {
		vars = append(vars, id, errs[i])
	}
	errExpr := gorm.Expr("CASE id"+strings.Repeat(" WHEN ? THEN ?", len(ids))+" END", vars...)
	return t.Table(f.t.messages).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"processed_at_utc": processedAt, "error": errExpr}).Error
}

type OutboxRepository struct {
	family
}

var _ evbx.OutboxRepository = (*OutboxRepository)(nil)

// Save persists the outbox messages in the same provided business transaction
// that should be present in the context. The expected transaction should be a
// pointer to an instance of gorm.DB.
func (o *OutboxRepository) Save(ctx context.Context, msgs ...*evbx.OutboxMessage) error {
	t, err := o.tx(ctx)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		err := t.Exec(o.t.insertMessageSql(), m.Id, m.Type, m.Content, m.OccurredAtUtc).Error
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
	for i, m := range rows {
		msgs[i] = &evbx.OutboxMessage{
			Id:             m.Id,
			Type:           m.Type,
			Content:        m.Content,
			OccurredAtUtc:  m.OccurredAtUtc,
			ProcessedAtUtc: m.ProcessedAtUtc,
			Error:          m.Error,
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

type InboxRepository struct {
	family
}

var _ evbx.InboxRepository = (*InboxRepository)(nil)

// Save persists the inbox message outside of any business transaction.
func (in *InboxRepository) Save(ctx context.Context, m *evbx.InboxMessage) error {
	err := in.db.WithContext(ctx).Exec(in.t.insertMessageSql(), m.Id, m.Type, m.Content, m.OccurredAtUtc).Error
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
	for i, m := range rows {
		msgs[i] = &evbx.InboxMessage{
			Id:             m.Id,
			Type:           m.Type,
			Content:        m.Content,
			OccurredAtUtc:  m.OccurredAtUtc,
			ProcessedAtUtc: m.ProcessedAtUtc,
			Error:          m.Error,
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

// mapError translates unique violations into evbx.ErrDuplicateMessage. The
// gorm sentinel is only reported when the dialector translates errors.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.Is(err, gorm.ErrDuplicatedKey) || (errors.As(err, &pgErr) && pgErr.Code == "23505") {
		return fmt.Errorf("%w: %v", evbx.ErrDuplicateMessage, err)
	}
	return err
}
