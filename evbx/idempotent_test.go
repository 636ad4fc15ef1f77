package evbx

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConsumers struct {
	mock.Mock
}

func (m *mockConsumers) ConsumerExists(ctx context.Context, c MessageConsumer) (bool, error) {
	args := m.Called(ctx, c)
	return args.Bool(0), args.Error(1)
}

func (m *mockConsumers) InsertConsumer(ctx context.Context, c MessageConsumer) error {
	return m.Called(ctx, c).Error(0)
}

func TestIdempotent(t *testing.T) {
	e := accountOpened{DomainEventBase: NewDomainEventBase(), Owner: "jane"}
	marker := MessageConsumer{MessageId: e.Id, Name: "welcome"}
	errHandler := errors.New("handler failed")
	errStorage := errors.New("connection refused")

	testcases := []struct {
		name        string
		setup       func(m *mockConsumers)
		handlerErr  error
		wantInvoked bool
		wantErr     error
	}{
		{
			name: "first delivery runs the handler and records the marker",
			setup: func(m *mockConsumers) {
				m.On("ConsumerExists", mock.Anything, marker).Return(false, nil).Once()
				m.On("InsertConsumer", mock.Anything, marker).Return(nil).Once()
			},
			wantInvoked: true,
		},
		{
			name: "already consumed message is skipped",
			setup: func(m *mockConsumers) {
				m.On("ConsumerExists", mock.Anything, marker).Return(true, nil).Once()
			},
			wantInvoked: false,
		},
		{
			name: "handler failure leaves no marker",
			setup: func(m *mockConsumers) {
				m.On("ConsumerExists", mock.Anything, marker).Return(false, nil).Once()
			},
			handlerErr:  errHandler,
			wantInvoked: true,
			wantErr:     errHandler,
		},
		{
			name: "marker written concurrently by another processor",
			setup: func(m *mockConsumers) {
				m.On("ConsumerExists", mock.Anything, marker).Return(false, nil).Once()
				m.On("InsertConsumer", mock.Anything, marker).
					Return(fmt.Errorf("unique violation: %w", ErrDuplicateMessage)).Once()
			},
			wantInvoked: true,
		},
		{
			name: "marker lookup failure",
			setup: func(m *mockConsumers) {
				m.On("ConsumerExists", mock.Anything, marker).Return(false, errStorage).Once()
			},
			wantInvoked: false,
			wantErr:     errStorage,
		},
		{
			name: "marker write failure",
			setup: func(m *mockConsumers) {
				m.On("ConsumerExists", mock.Anything, marker).Return(false, nil).Once()
				m.On("InsertConsumer", mock.Anything, marker).Return(errStorage).Once()
			},
			wantInvoked: true,
			wantErr:     errStorage,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			consumers := &mockConsumers{}
			tc.setup(consumers)

			c := &calls{}
			r := NewRegistry[DomainEvent]()
			require.NoError(t, HandleDomainEvent(r, recordingHandler[accountOpened](c, "welcome", tc.handlerErr)))
			h := r.Wrap(Idempotent[DomainEvent](consumers, nil)).Handlers(e.EventType())[0]

			err := h.Handle(context.Background(), e)

			assert.Equal(t, tc.wantInvoked, len(c.get()) == 1)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			consumers.AssertExpectations(t)
			if tc.handlerErr != nil {
				consumers.AssertNotCalled(t, "InsertConsumer", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestIdempotentRerunHasNoEffect(t *testing.T) {
	store := newMemStore()
	c := &calls{}
	r := NewRegistry[DomainEvent]()
	require.NoError(t, HandleDomainEvent(r, recordingHandler[accountOpened](c, "welcome", nil)))
	require.NoError(t, HandleDomainEvent(r, recordingHandler[accountOpened](c, "audit", nil)))
	d := NewDispatcher(r.Wrap(Idempotent[DomainEvent](store, nil)))

	e := accountOpened{DomainEventBase: NewDomainEventBase()}
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(context.Background(), e))
	}

	assert.Equal(t, []string{"welcome", "audit"}, c.get())
	assert.True(t, store.hasConsumer(e.Id, "welcome"))
	assert.True(t, store.hasConsumer(e.Id, "audit"))
}

func TestIdempotentRequiresConsumers(t *testing.T) {
	assert.Panics(t, func() { Idempotent[DomainEvent](nil, nil) })
}
