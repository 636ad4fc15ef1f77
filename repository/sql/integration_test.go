//go:build integration

package sql

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/3rs4lg4d0/eventbox/test"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var db *sql.DB

// TestMain runs these tests against a real Postgres containerized instance
// through the pgx database/sql driver.
func TestMain(m *testing.M) {
	ctx := context.Background()

	database, err := test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}

	dsn, err := database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}

	db, err = sql.Open("pgx", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	db.Close()
	err = database.Terminate(ctx)
	if err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func TestIntegrationOutboxRoundTrip(t *testing.T) {
	r := New(test.DefaultCtxKey, db, true)
	outbox := r.Outbox()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	bctx, btx, err := r.BeginTx(ctx)
	require.NoError(t, err)
	first := &evbx.OutboxMessage{Id: uuid.New(), Type: "UserCreated", Content: []byte(`{}`), OccurredAtUtc: base}
	second := &evbx.OutboxMessage{Id: uuid.New(), Type: "UserUpdated", Content: []byte(`{}`), OccurredAtUtc: base.Add(time.Second)}
	require.NoError(t, outbox.Save(bctx, second, first))
	require.NoError(t, btx.Commit(bctx))

	pctx, ptx, err := r.BeginTx(ctx)
	require.NoError(t, err)
	msgs, err := outbox.FindUnprocessed(pctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.Id, msgs[0].Id)

	failure := "boom"
	msgs[0].Error = &failure
	require.NoError(t, outbox.MarkProcessed(pctx, time.Now().UTC(), msgs))
	require.NoError(t, ptx.Commit(pctx))

	var stored sql.NullString
	require.NoError(t, db.QueryRowContext(ctx, "SELECT error FROM outbox_messages WHERE id = $1", first.Id).Scan(&stored))
	assert.Equal(t, failure, stored.String)
	require.NoError(t, db.QueryRowContext(ctx, "SELECT error FROM outbox_messages WHERE id = $1", second.Id).Scan(&stored))
	assert.False(t, stored.Valid)

	c := evbx.MessageConsumer{MessageId: first.Id, Name: "welcome"}
	require.NoError(t, outbox.InsertConsumer(ctx, c))
	assert.ErrorIs(t, outbox.InsertConsumer(ctx, c), evbx.ErrDuplicateMessage)
}

func TestIntegrationInboxDuplicates(t *testing.T) {
	r := New(test.DefaultCtxKey, db, true)
	m := &evbx.InboxMessage{Id: uuid.New(), Type: "UserRegistered", Content: []byte(`{}`), OccurredAtUtc: time.Now().UTC()}
	require.NoError(t, r.Inbox().Save(context.Background(), m))
	assert.ErrorIs(t, r.Inbox().Save(context.Background(), m), evbx.ErrDuplicateMessage)
}

func TestIntegrationJobLock(t *testing.T) {
	r := New(test.DefaultCtxKey, db, true)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	acquired, err := r.AcquireLock(ctx, "sql-job", a, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	acquired, err = r.AcquireLock(ctx, "sql-job", b, time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
	require.NoError(t, r.ReleaseLock(ctx, "sql-job", a))
}
