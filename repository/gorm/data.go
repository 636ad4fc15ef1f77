package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type jobLock struct {
	Name        string
	Locked      bool
	LockedBy    uuid.NullUUID
	LockedAt    sql.NullTime
	LockedUntil sql.NullTime
	Version     int64
}

func (l *jobLock) String() string {
	return fmt.Sprintf("{name=%s, locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		l.Name,
		l.Locked,
		l.LockedBy.UUID,
		l.LockedAt.Time,
		l.LockedUntil.Time,
		l.Version)
}

// message is the gorm model shared by 'outbox_messages' and 'inbox_messages'.
type message struct {
	Id             uuid.UUID  `gorm:"column:id;primaryKey"`
	Type           string     `gorm:"column:type"`
	Content        []byte     `gorm:"column:content"`
	OccurredAtUtc  time.Time  `gorm:"column:occurred_at_utc"`
	ProcessedAtUtc *time.Time `gorm:"column:processed_at_utc"`
	Error          *string    `gorm:"column:error"`
}

// tx adapts a transactional *gorm.DB to evbx.Tx.
type tx struct {
	db *gorm.DB
}

func (t tx) Commit(context.Context) error { return t.db.Commit().Error }

func (t tx) Rollback(context.Context) error { return t.db.Rollback().Error }

type tables struct {
	messages  string
	consumers string
	fk        string
	locking   clause.Locking
}

var (
	outboxTables = tables{
		messages:  "outbox_messages",
		consumers: "outbox_message_consumers",
		fk:        "outbox_message_id",
		locking:   clause.Locking{Strength: "NO KEY UPDATE"},
	}
	inboxTables = tables{
		messages:  "inbox_messages",
		consumers: "inbox_message_consumers",
		fk:        "inbox_message_id",
		locking:   clause.Locking{Strength: "NO KEY UPDATE", Options: "SKIP LOCKED"},
	}
)

func (t tables) insertMessageSql() string {
	return fmt.Sprintf("INSERT INTO %s (id, type, content, occurred_at_utc) VALUES (?, ?, ?, ?)", t.messages)
}

func (t tables) consumerExistsSql() string {
	return fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = ? AND name = ?)", t.consumers, t.fk)
}

func (t tables) insertConsumerSql() string {
	return fmt.Sprintf("INSERT INTO %s (%s, name) VALUES (?, ?)", t.consumers, t.fk)
}
