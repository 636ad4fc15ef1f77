package evbx

import (
	"context"
	"fmt"
	"time"
)

const InboxJobName = "process-inbox-messages"

// InboxJob delivers the inbox messages to the in-process integration event
// handlers. Rows already locked by another consumer of the inbox are skipped,
// so several instances may run at the same time.
type InboxJob struct {
	batchSize    int
	repository   InboxRepository
	dispatcher   *Dispatcher[IntegrationEvent]
	logger       Logger
	clock        func() time.Time
	processedCtr Counter
	failedCtr    Counter
}

var _ Loggable = (*InboxJob)(nil)

func NewInboxJob(batchSize int, r InboxRepository, d *Dispatcher[IntegrationEvent]) *InboxJob {
	if r == nil || d == nil {
		panic("you must provide an inbox repository and a dispatcher")
	}
	batchSize = normalizeBatchSize(batchSize)
	return &InboxJob{
		batchSize:    batchSize,
		repository:   r,
		dispatcher:   d,
		logger:       &NopLogger{},
		clock:        time.Now,
		processedCtr: &NopCounter{},
		failedCtr:    &NopCounter{},
	}
}

func (j *InboxJob) Name() string { return InboxJobName }

// SetLogger sets an optional logger.
func (j *InboxJob) SetLogger(l Logger) {
	if l != nil {
		j.logger = l
	}
}

// SetCounters sets the counters of successfully processed and failed messages.
func (j *InboxJob) SetCounters(processed, failed Counter) {
	if processed != nil {
		j.processedCtr = processed
	}
	if failed != nil {
		j.failedCtr = failed
	}
}

// Execute processes one batch of inbox messages in a single transaction.
func (j *InboxJob) Execute(ctx context.Context) error {
	j.logger.Info("beginning to process inbox messages")

	txCtx, tx, err := j.repository.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the inbox transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(context.WithoutCancel(txCtx)); err != nil {
				j.logger.Error("rolling back the inbox transaction", err)
			}
		}
	}()

	msgs, err := j.repository.FindUnprocessed(txCtx, j.batchSize)
	if err != nil {
		return fmt.Errorf("could not select inbox messages: %w", err)
	}
	if len(msgs) == 0 {
		j.logger.Info("no inbox messages to process")
		return nil
	}

	var success, failure int
	for _, m := range msgs {
		if err := txCtx.Err(); err != nil {
			return fmt.Errorf("inbox processing interrupted: %w", err)
		}
		e, derr := j.dispatcher.Decode(m.Type, m.Content)
		if derr == nil {
			derr = j.dispatch(txCtx, m, e)
		}
		if err := txCtx.Err(); err != nil {
			return fmt.Errorf("inbox processing interrupted: %w", err)
		}
		m.Error = errorText(derr)
		if derr != nil {
			j.logger.Error(fmt.Sprintf("exception while processing inbox message '%s'", m.Id), derr)
			failure++
			continue
		}
		success++
	}

	if err := j.repository.MarkProcessed(txCtx, j.clock().UTC(), msgs); err != nil {
		return fmt.Errorf("could not update inbox messages: %w", err)
	}
	if err := tx.Commit(txCtx); err != nil {
		return fmt.Errorf("could not commit the inbox transaction: %w", err)
	}
	committed = true

	j.processedCtr.Inc(int64(success))
	j.failedCtr.Inc(int64(failure))
	j.logger.Info(fmt.Sprintf("completed processing %d inbox messages (%d failed)", len(msgs), failure))
	return nil
}

func (j *InboxJob) dispatch(ctx context.Context, m *InboxMessage, e IntegrationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while handling inbox message '%s': %v", m.Id, r)
		}
	}()
	return j.dispatcher.Dispatch(ctx, e)
}
