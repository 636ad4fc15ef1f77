package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store persists users in the transaction carried by the context.
type Store interface {
	Insert(ctx context.Context, u *User) error
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	Update(ctx context.Context, u *User) error
}

// Capturer saves the pending events of aggregates in the transaction carried
// by the context. It is implemented by evbx.Eventbox and evbx.Capture.
type Capturer interface {
	Capture(ctx context.Context, aggregates ...evbx.Aggregate) error
}

type Service struct {
	transactor evbx.Transactor
	store      Store
	capturer   Capturer
}

func NewService(t evbx.Transactor, s Store, c Capturer) *Service {
	if t == nil || s == nil || c == nil {
		panic("transactor, store and capturer are mandatory")
	}
	return &Service{transactor: t, store: s, capturer: c}
}

// Register creates a user. The user row and its events commit together.
func (s *Service) Register(ctx context.Context, identityId, name, email string) (*User, error) {
	u, err := Create(identityId, name, email)
	if err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.store.Insert(ctx, u); err != nil {
			return err
		}
		return s.capturer.Capture(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Rename changes the name of an existing user.
func (s *Service) Rename(ctx context.Context, id uuid.UUID, name string) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		u, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := u.UpdateName(name); err != nil {
			return err
		}
		if err := s.store.Update(ctx, u); err != nil {
			return err
		}
		return s.capturer.Capture(ctx, u)
	})
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx, err := s.transactor.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("could not begin the transaction: %w", err)
	}
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("could not roll back the transaction: %w", rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

const (
	insertUserSql = "INSERT INTO users (id, identity_id, name, email, email_verified, created_at_utc) VALUES ($1, $2, $3, $4, $5, $6)"
	selectUserSql = "SELECT id, identity_id, name, email, email_verified, created_at_utc, updated_at_utc FROM users WHERE id = $1"
	updateUserSql = "UPDATE users SET name = $2, email = $3, email_verified = $4, updated_at_utc = $5 WHERE id = $1"
)

// PgxStore is a Store over the pgx.Tx stored in the context under txKey.
type PgxStore struct {
	txKey evbx.TxKey
}

var _ Store = (*PgxStore)(nil)

func NewPgxStore(txKey evbx.TxKey) *PgxStore {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	return &PgxStore{txKey: txKey}
}

func (s *PgxStore) tx(ctx context.Context) (pgx.Tx, error) {
	tx, ok := ctx.Value(s.txKey).(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("a pgx.Tx was expected: %w", evbx.ErrTxRequired)
	}
	return tx, nil
}

func (s *PgxStore) Insert(ctx context.Context, u *User) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, insertUserSql, u.Id, u.IdentityId, u.Name, u.Email, u.EmailVerified, u.CreatedAtUtc)
	return err
}

func (s *PgxStore) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	tx, err := s.tx(ctx)
	if err != nil {
		return nil, err
	}
	var u User
	err = tx.QueryRow(ctx, selectUserSql, id).
		Scan(&u.Id, &u.IdentityId, &u.Name, &u.Email, &u.EmailVerified, &u.CreatedAtUtc, &u.UpdatedAtUtc)
	if err != nil {
		return nil, fmt.Errorf("could not load user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PgxStore) Update(ctx context.Context, u *User) error {
	tx, err := s.tx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, updateUserSql, u.Id, u.Name, u.Email, u.EmailVerified, u.UpdatedAtUtc)
	return err
}
