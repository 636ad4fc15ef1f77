package evbx

import (
	"context"
	"fmt"
	"time"
)

const OutboxJobName = "process-outbox-messages"

// OutboxJob delivers the outbox messages to the in-process domain event
// handlers. Runs of the same job must not overlap: the batch is selected with
// a blocking row lock.
type OutboxJob struct {
	batchSize    int
	repository   OutboxRepository
	dispatcher   *Dispatcher[DomainEvent]
	logger       Logger
	clock        func() time.Time
	processedCtr Counter
	failedCtr    Counter
}

var _ Loggable = (*OutboxJob)(nil)

func NewOutboxJob(batchSize int, r OutboxRepository, d *Dispatcher[DomainEvent]) *OutboxJob {
	if r == nil || d == nil {
		panic("you must provide an outbox repository and a dispatcher")
	}
	batchSize = normalizeBatchSize(batchSize)
	return &OutboxJob{
		batchSize:    batchSize,
		repository:   r,
		dispatcher:   d,
		logger:       &NopLogger{},
		clock:        time.Now,
		processedCtr: &NopCounter{},
		failedCtr:    &NopCounter{},
	}
}

func (j *OutboxJob) Name() string { return OutboxJobName }

// SetLogger sets an optional logger.
func (j *OutboxJob) SetLogger(l Logger) {
	if l != nil {
		j.logger = l
	}
}

// SetCounters sets the counters of successfully processed and failed messages.
func (j *OutboxJob) SetCounters(processed, failed Counter) {
	if processed != nil {
		j.processedCtr = processed
	}
	if failed != nil {
		j.failedCtr = failed
	}
}

// Execute processes one batch of outbox messages in a single transaction.
// A failing message never aborts the batch, its error is stored with it.
// Errors returned here come from the storage or from cancellation, and in
// both cases the whole batch is left unprocessed for the next run.
func (j *OutboxJob) Execute(ctx context.Context) error {
	j.logger.Info("beginning to process outbox messages")

	txCtx, tx, err := j.repository.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the outbox transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(context.WithoutCancel(txCtx)); err != nil {
			j.logger.Error("rolling back the outbox transaction", err)
		}
	}()

	msgs, err := j.repository.FindUnprocessed(txCtx, j.batchSize)
	if err != nil {
		return fmt.Errorf("could not select outbox messages: %w", err)
	}
	if len(msgs) == 0 {
		j.logger.Info("no outbox messages to process")
		return nil
	}

	j.logger.Info(fmt.Sprintf("processing %d outbox messages", len(msgs)))

	var success, failure int
	for _, m := range msgs {
		if err := txCtx.Err(); err != nil {
			return fmt.Errorf("outbox processing interrupted: %w", err)
		}
		perr := j.process(txCtx, m)
		if err := txCtx.Err(); err != nil {
			return fmt.Errorf("outbox processing interrupted: %w", err)
		}
		m.Error = errorText(perr)
		if perr != nil {
			j.logger.Error(fmt.Sprintf("exception while processing outbox message '%s'", m.Id), perr)
			failure++
		} else {
			success++
		}
	}

	if err := j.repository.MarkProcessed(txCtx, j.clock().UTC(), msgs); err != nil {
		return fmt.Errorf("could not update outbox messages: %w", err)
	}
	if err := tx.Commit(txCtx); err != nil {
		return fmt.Errorf("could not commit the outbox transaction: %w", err)
	}
	committed = true

	j.processedCtr.Inc(int64(success))
	j.failedCtr.Inc(int64(failure))
	j.logger.Info(fmt.Sprintf("completed processing outbox messages. Success: %d, Failed: %d", success, failure))
	return nil
}

func (j *OutboxJob) process(ctx context.Context, m *OutboxMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while handling outbox message '%s': %v", m.Id, r)
		}
	}()

	e, err := j.dispatcher.Decode(m.Type, m.Content)
	if err != nil {
		return err
	}
	return j.dispatcher.Dispatch(ctx, e)
}
