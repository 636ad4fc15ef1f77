package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type jobLock struct {
	name        string
	locked      bool
	lockedBy    uuid.NullUUID
	lockedAt    sql.NullTime
	lockedUntil sql.NullTime
	version     int64
}

func (l *jobLock) String() string {
	return fmt.Sprintf("{name=%s, locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		l.name,
		l.locked,
		l.lockedBy.UUID,
		l.lockedAt.Time,
		l.lockedUntil.Time,
		l.version)
}

// tx adapts *sql.Tx to evbx.Tx.
type tx struct {
	*sql.Tx
}

func (t tx) Commit(context.Context) error { return t.Tx.Commit() }

func (t tx) Rollback(context.Context) error { return t.Tx.Rollback() }

// tables names the tables of one message family.
type tables struct {
	messages  string
	consumers string
	fk        string
	locking   string
}

var (
	outboxTables = tables{
		messages:  "outbox_messages",
		consumers: "outbox_message_consumers",
		fk:        "outbox_message_id",
		locking:   "FOR NO KEY UPDATE",
	}
	inboxTables = tables{
		messages:  "inbox_messages",
		consumers: "inbox_message_consumers",
		fk:        "inbox_message_id",
		locking:   "FOR NO KEY UPDATE SKIP LOCKED",
	}
)

func (t tables) insertMessageSql() string {
	return fmt.Sprintf("INSERT INTO %s (id, type, content, occurred_at_utc) VALUES (?, ?, ?, ?)", t.messages)
}

func (t tables) selectUnprocessedSql() string {
	return fmt.Sprintf("SELECT id, type, content, occurred_at_utc, processed_at_utc, error FROM %s "+
		"WHERE processed_at_utc IS NULL ORDER BY occurred_at_utc LIMIT ? %s", t.messages, t.locking)
}

// markProcessedSql builds a single statement updating n messages, each one
// with its own error.
func (t tables) markProcessedSql(n int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "UPDATE %s SET processed_at_utc = ?, error = CASE id", t.messages)
	for i := 0; i < n; i++ {
		sb.WriteString(" WHEN ? THEN ?")
	}
	sb.WriteString(" END WHERE id IN (")
	sb.WriteString(strings.TrimSuffix(strings.Repeat("?, ", n), ", "))
	sb.WriteString(")")
	return sb.String()
}

func (t tables) consumerExistsSql() string {
	return fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = ? AND name = ?)", t.consumers, t.fk)
}

func (t tables) insertConsumerSql() string {
	return fmt.Sprintf("INSERT INTO %s (%s, name) VALUES (?, ?)", t.consumers, t.fk)
}
