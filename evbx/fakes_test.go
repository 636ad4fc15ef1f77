package evbx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type accountOpened struct {
	DomainEventBase
	Owner string `json:"owner"`
}

func (accountOpened) EventType() string { return "AccountOpened" }

type accountClosed struct {
	DomainEventBase
	Reason string `json:"reason"`
}

func (accountClosed) EventType() string { return "AccountClosed" }

type paymentReceived struct {
	IntegrationEventBase
	Amount int `json:"amount"`
}

func (paymentReceived) EventType() string { return "PaymentReceived" }

type account struct {
	AggregateRoot
	owner string
}

func openAccount(owner string) *account {
	a := &account{owner: owner}
	a.Raise(accountOpened{DomainEventBase: NewDomainEventBase(), Owner: owner})
	return a
}

func (a *account) close(reason string) {
	a.Raise(accountClosed{DomainEventBase: NewDomainEventBase(), Reason: reason})
}

// calls records handler invocations in order.
type calls struct {
	mu    sync.Mutex
	names []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *calls) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func recordingHandler[T Event](c *calls, name string, err error) Handler[T] {
	return HandlerOf(name, func(_ context.Context, _ T) error {
		c.add(name)
		return err
	})
}

type row struct {
	id        uuid.UUID
	typ       string
	content   []byte
	occurred  time.Time
	processed *time.Time
	err       *string
}

type memTxKey struct{}

type memTx struct {
	store   *memStore
	pending []func()
	done    bool
}

func (tx *memTx) Commit(context.Context) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.done {
		return errors.New("transaction already closed")
	}
	if tx.store.commitErr != nil {
		return tx.store.commitErr
	}
	for _, f := range tx.pending {
		f()
	}
	tx.done = true
	tx.store.commits++
	return nil
}

func (tx *memTx) Rollback(context.Context) error {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.rollbacks++
	return nil
}

// memStore is an in-memory message table plus its consumer table. Writes made
// through a transaction are only visible after Commit, consumer markers are
// written immediately.
type memStore struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*row
	consumers map[MessageConsumer]bool

	beginErr  error
	findErr   error
	markErr   error
	commitErr error
	existsErr error
	insertErr error
	saveErr   error

	commits   int
	rollbacks int
	existsN   int
	insertN   int
}

func newMemStore() *memStore {
	return &memStore{rows: map[uuid.UUID]*row{}, consumers: map[MessageConsumer]bool{}}
}

func (s *memStore) BeginTx(ctx context.Context) (context.Context, Tx, error) {
	if s.beginErr != nil {
		return ctx, nil, s.beginErr
	}
	tx := &memTx{store: s}
	return context.WithValue(ctx, memTxKey{}, tx), tx, nil
}

func txFrom(ctx context.Context) (*memTx, error) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return nil, ErrTxRequired
	}
	return tx, nil
}

func (s *memStore) ConsumerExists(_ context.Context, c MessageConsumer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsN++
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.consumers[c], nil
}

func (s *memStore) InsertConsumer(_ context.Context, c MessageConsumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertN++
	if s.insertErr != nil {
		return s.insertErr
	}
	if s.consumers[c] {
		return fmt.Errorf("consumer %s: %w", c, ErrDuplicateMessage)
	}
	s.consumers[c] = true
	return nil
}

func (s *memStore) hasConsumer(id uuid.UUID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumers[MessageConsumer{MessageId: id, Name: name}]
}

func (s *memStore) find(ctx context.Context, batchSize int) ([]row, error) {
	if _, err := txFrom(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []row
	for _, r := range s.rows {
		if r.processed == nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].occurred.Before(out[j].occurred) })
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (s *memStore) mark(ctx context.Context, processedAt time.Time, ids []uuid.UUID, errs []*string) error {
	tx, err := txFrom(ctx)
	if err != nil {
		return err
	}
	if s.markErr != nil {
		return s.markErr
	}
	tx.pending = append(tx.pending, func() {
		for i, id := range ids {
			at := processedAt
			s.rows[id].processed = &at
			s.rows[id].err = errs[i]
		}
	})
	return nil
}

func (s *memStore) get(id uuid.UUID) (row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return row{}, false
	}
	return *r, true
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memStore) put(r row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.id] = &r
}

type memOutbox struct{ *memStore }

var _ OutboxRepository = memOutbox{}

func (o memOutbox) Save(ctx context.Context, msgs ...*OutboxMessage) error {
	tx, err := txFrom(ctx)
	if err != nil {
		return err
	}
	if o.saveErr != nil {
		return o.saveErr
	}
	for _, m := range msgs {
		r := row{id: m.Id, typ: m.Type, content: m.Content, occurred: m.OccurredAtUtc}
		tx.pending = append(tx.pending, func() { o.rows[r.id] = &r })
	}
	return nil
}

func (o memOutbox) FindUnprocessed(ctx context.Context, batchSize int) ([]*OutboxMessage, error) {
	rows, err := o.find(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	msgs := make([]*OutboxMessage, len(rows))
	for i, r := range rows {
		msgs[i] = &OutboxMessage{Id: r.id, Type: r.typ, Content: r.content, OccurredAtUtc: r.occurred}
	}
	return msgs, nil
}

func (o memOutbox) MarkProcessed(ctx context.Context, processedAt time.Time, msgs []*OutboxMessage) error {
	ids := make([]uuid.UUID, len(msgs))
	errs := make([]*string, len(msgs))
	for i, m := range msgs {
		ids[i], errs[i] = m.Id, m.Error
	}
	return o.mark(ctx, processedAt, ids, errs)
}

func (o memOutbox) add(e DomainEvent) uuid.UUID {
	m, err := NewOutboxMessage(e)
	if err != nil {
		panic(err)
	}
	o.put(row{id: m.Id, typ: m.Type, content: m.Content, occurred: m.OccurredAtUtc})
	return m.Id
}

type memInbox struct{ *memStore }

var _ InboxRepository = memInbox{}

func (in memInbox) Save(_ context.Context, m *InboxMessage) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.saveErr != nil {
		return in.saveErr
	}
	if _, ok := in.rows[m.Id]; ok {
		return fmt.Errorf("inbox message '%s': %w", m.Id, ErrDuplicateMessage)
	}
	in.rows[m.Id] = &row{id: m.Id, typ: m.Type, content: m.Content, occurred: m.OccurredAtUtc}
	return nil
}

func (in memInbox) FindUnprocessed(ctx context.Context, batchSize int) ([]*InboxMessage, error) {
	rows, err := in.find(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	msgs := make([]*InboxMessage, len(rows))
	for i, r := range rows {
		msgs[i] = &InboxMessage{Id: r.id, Type: r.typ, Content: r.content, OccurredAtUtc: r.occurred}
	}
	return msgs, nil
}

func (in memInbox) MarkProcessed(ctx context.Context, processedAt time.Time, msgs []*InboxMessage) error {
	ids := make([]uuid.UUID, len(msgs))
	errs := make([]*string, len(msgs))
	for i, m := range msgs {
		ids[i], errs[i] = m.Id, m.Error
	}
	return in.mark(ctx, processedAt, ids, errs)
}
