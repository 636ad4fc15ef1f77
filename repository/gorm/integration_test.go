//go:build integration

package gorm

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/3rs4lg4d0/eventbox/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var gormDB *gorm.DB

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

	gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	if err := gormDB.AutoMigrate(&account{}); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to migrate the accounts: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	err = database.Terminate(ctx)
	if err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func TestIntegrationCapture(t *testing.T) {
	r := New(defaultCtxKey, gormDB)
	require.NoError(t, r.RegisterCapture())
	ctx := context.Background()

	a := openAccount("jane")
	require.NoError(t, gormDB.WithContext(ctx).Create(a).Error)
	assert.Empty(t, a.PendingEvents())

	var captured int64
	require.NoError(t, gormDB.Table("outbox_messages").Where("type = ?", "AccountOpened").Count(&captured).Error)
	assert.Equal(t, int64(1), captured)

	// a failed insert keeps the events and writes nothing
	dup := openAccount("john")
	dup.ID = a.ID
	assert.Error(t, gormDB.WithContext(ctx).Create(dup).Error)
	assert.Len(t, dup.PendingEvents(), 1)
	require.NoError(t, gormDB.Table("outbox_messages").Where("type = ?", "AccountOpened").Count(&captured).Error)
	assert.Equal(t, int64(1), captured)

	msgs, err := func() (int, error) {
		tctx, tx, err := r.BeginTx(ctx)
		if err != nil {
			return 0, err
		}
		defer tx.Rollback(ctx)
		found, err := r.Outbox().FindUnprocessed(tctx, 10)
		return len(found), err
	}()
	require.NoError(t, err)
	assert.Equal(t, 1, msgs)

	acquired, err := r.AcquireLock(ctx, "gorm-job", uuid.New(), 0)
	require.NoError(t, err)
	assert.True(t, acquired)
}
