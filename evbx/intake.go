package evbx

import (
	"context"
	"errors"
	"fmt"
)

// Intake records integration events delivered by the bus into the inbox.
type Intake struct {
	repository InboxRepository
	logger     Logger
}

var _ Loggable = (*Intake)(nil)

func NewIntake(r InboxRepository) *Intake {
	if r == nil {
		panic("inbox repository is mandatory")
	}
	return &Intake{repository: r, logger: &NopLogger{}}
}

// SetLogger sets an optional logger.
func (i *Intake) SetLogger(l Logger) {
	if l != nil {
		i.logger = l
	}
}

// Receive persists e as an inbox message in its own transaction. A message
// already recorded with the same id is a redelivery and is not an error, so
// the bus can acknowledge it. Any other error means the delivery must not be
// acknowledged.
func (i *Intake) Receive(ctx context.Context, e IntegrationEvent) error {
	m, err := NewInboxMessage(e)
	if err != nil {
		return err
	}
	if err := i.repository.Save(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			i.logger.Debug(fmt.Sprintf("inbox message '%s' already recorded", m.Id))
			return nil
		}
		return fmt.Errorf("could not record inbox message '%s': %w", m.Id, err)
	}
	i.logger.Debug(fmt.Sprintf("inbox message '%s' of type '%s' recorded", m.Id, m.Type))
	return nil
}
