package pgxv5

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

type jobLock struct {
	name        string
	locked      bool
	lockedBy    pgtype.UUID
	lockedAt    pgtype.Timestamptz
	lockedUntil pgtype.Timestamptz
	version     int64
}

func (l *jobLock) String() string {
	return fmt.Sprintf("{name=%s, locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		l.name,
		l.locked,
		l.lockedBy,
		l.lockedAt.Time,
		l.lockedUntil.Time,
		l.version)
}

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
	return fmt.Sprintf("INSERT INTO %s (id, type, content, occurred_at_utc) VALUES ($1, $2, $3, $4)", t.messages)
}

func (t tables) selectUnprocessedSql() string {
	return fmt.Sprintf("SELECT id, type, content, occurred_at_utc, processed_at_utc, error FROM %s "+
		"WHERE processed_at_utc IS NULL ORDER BY occurred_at_utc LIMIT $1 %s", t.messages, t.locking)
}

func (t tables) markProcessedSql() string {
	return fmt.Sprintf("UPDATE %s AS m SET processed_at_utc = $1, error = u.error "+
		"FROM unnest($2::uuid[], $3::text[]) AS u(id, error) WHERE m.id = u.id", t.messages)
}

func (t tables) consumerExistsSql() string {
	return fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1 AND name = $2)", t.consumers, t.fk)
}

func (t tables) insertConsumerSql() string {
	return fmt.Sprintf("INSERT INTO %s (%s, name) VALUES ($1, $2)", t.consumers, t.fk)
}
