package evbx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/eventbox/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxJobDuplicateDeliveryIsProcessedOnce(t *testing.T) {
	store := newMemStore()
	inbox := memInbox{store}
	c := &calls{}

	r := NewRegistry[IntegrationEvent]()
	require.NoError(t, HandleIntegrationEvent(r, recordingHandler[paymentReceived](c, "ledger", nil)))
	d := NewDispatcher(r.Wrap(Idempotent[IntegrationEvent](store, nil)))
	intake := NewIntake(inbox)
	j := NewInboxJob(10, inbox, d)

	e := paymentReceived{IntegrationEventBase: NewIntegrationEventBase(), Amount: 3}
	require.NoError(t, intake.Receive(context.Background(), e))
	require.NoError(t, intake.Receive(context.Background(), e))
	assert.Equal(t, 1, store.count())

	require.NoError(t, j.Execute(context.Background()))
	require.NoError(t, j.Execute(context.Background()))

	assert.Equal(t, []string{"ledger"}, c.get())
	got, ok := store.get(e.Id)
	require.True(t, ok)
	assert.NotNil(t, got.processed)
	assert.Nil(t, got.err)
	assert.True(t, store.hasConsumer(e.Id, "ledger"))
}

func TestInboxJobExecute(t *testing.T) {
	errDB := errors.New("database unavailable")
	testcases := []struct {
		name          string
		handlerErr    error
		setup         func(s *memStore)
		wantErr       error
		wantProcessed bool
		wantMsgErr    bool
		wantProcCtr   int64
		wantFailCtr   int64
	}{
		{
			name:          "successful handler",
			wantProcessed: true,
			wantProcCtr:   1,
		},
		{
			name:          "failing handler is stored with the message",
			handlerErr:    errors.New("ledger closed"),
			wantProcessed: true,
			wantMsgErr:    true,
			wantFailCtr:   1,
		},
		{
			name:    "select failure",
			setup:   func(s *memStore) { s.findErr = errDB },
			wantErr: errDB,
		},
		{
			name:          "marker lookup failure is a message failure",
			setup:         func(s *memStore) { s.existsErr = errDB },
			wantProcessed: true,
			wantMsgErr:    true,
			wantFailCtr:   1,
		},
		{
			name:    "commit failure",
			setup:   func(s *memStore) { s.commitErr = errDB },
			wantErr: errDB,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			inbox := memInbox{store}
			e := paymentReceived{IntegrationEventBase: NewIntegrationEventBase(), Amount: 3}
			m, err := NewInboxMessage(e)
			require.NoError(t, err)
			require.NoError(t, inbox.Save(context.Background(), m))
			if tc.setup != nil {
				tc.setup(store)
			}

			r := NewRegistry[IntegrationEvent]()
			require.NoError(t, HandleIntegrationEvent(r, recordingHandler[paymentReceived](&calls{}, "ledger", tc.handlerErr)))
			j := NewInboxJob(10, inbox, NewDispatcher(r.Wrap(Idempotent[IntegrationEvent](store, nil))))
			at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
			j.clock = func() time.Time { return at }
			procCtr, failCtr := &test.TestCounter{}, &test.TestCounter{}
			j.SetCounters(procCtr, failCtr)

			err = j.Execute(context.Background())

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			got, _ := store.get(e.Id)
			assert.Equal(t, tc.wantProcessed, got.processed != nil)
			if tc.wantProcessed {
				assert.Equal(t, at, *got.processed)
			}
			assert.Equal(t, tc.wantMsgErr, got.err != nil)
			assert.Equal(t, tc.wantProcCtr, procCtr.Value())
			assert.Equal(t, tc.wantFailCtr, failCtr.Value())
		})
	}
}

func TestInboxJobCancelledBeforeStart(t *testing.T) {
	store := newMemStore()
	inbox := memInbox{store}
	m, err := NewInboxMessage(paymentReceived{IntegrationEventBase: NewIntegrationEventBase()})
	require.NoError(t, err)
	require.NoError(t, inbox.Save(context.Background(), m))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j := NewInboxJob(10, inbox, NewDispatcher(NewRegistry[IntegrationEvent]()))

	assert.ErrorIs(t, j.Execute(ctx), context.Canceled)
	assert.Equal(t, 1, store.rollbacks)
	got, _ := store.get(m.Id)
	assert.Nil(t, got.processed)
}
