package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var DefaultCtxKey any = "myKey"

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance with the
// eventbox schema using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_eventbox.up.sql"),
			filepath.Join(root.Path, "sql/postgres/000002_users.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// MessageColumns are the columns of both 'outbox_messages' and 'inbox_messages'.
var MessageColumns = []string{"id", "type", "content", "occurred_at_utc", "processed_at_utc", "error"}

var JobLockColumns = []string{"name", "locked", "locked_by", "locked_at", "locked_until", "version"}

// MockMessageRows returns n unprocessed message rows of the given type,
// ordered by occurrence.
func MockMessageRows(n int, eventType string, content []byte) (*sqlmock.Rows, []uuid.UUID) {
	rows := sqlmock.NewRows(MessageColumns)
	ids := make([]uuid.UUID, n)
	start := time.Now().Add(-time.Duration(n) * time.Second).UTC()
	for i := 0; i < n; i++ {
		ids[i] = uuid.New()
		rows.AddRow(ids[i].String(), eventType, content, start.Add(time.Duration(i)*time.Second), nil, nil)
	}
	return rows, ids
}

func MockUnlockedJobLock(name string, owner uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows(JobLockColumns).
		AddRow(name, false, owner.String(), nil, nil, 1)
}

func MockLockedJobLock(name string, owner uuid.UUID, until time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(JobLockColumns).
		AddRow(name, true, owner.String(), time.Now(), until, 1)
}
