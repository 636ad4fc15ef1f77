package users

import (
	"errors"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
)

var ErrInvalidUser = errors.New("invalid user")

type User struct {
	evbx.AggregateRoot

	Id            uuid.UUID
	IdentityId    string
	Name          string
	Email         string
	EmailVerified bool
	CreatedAtUtc  time.Time
	UpdatedAtUtc  *time.Time
}

// Create returns a new user with a pending UserCreated event.
func Create(identityId, name, email string) (*User, error) {
	if blank(identityId) || blank(name) || blank(email) {
		return nil, ErrInvalidUser
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	u := &User{
		Id:           id,
		IdentityId:   identityId,
		Name:         name,
		Email:        email,
		CreatedAtUtc: time.Now().UTC(),
	}
	u.Raise(UserCreated{
		DomainEventBase: evbx.NewDomainEventBase(),
		UserId:          u.Id,
		IdentityId:      u.IdentityId,
		Email:           u.Email,
	})
	return u, nil
}

func (u *User) UpdateName(name string) error {
	if blank(name) {
		return ErrInvalidUser
	}
	u.Name = name
	u.touch()
	u.Raise(UserUpdated{DomainEventBase: evbx.NewDomainEventBase(), UserId: u.Id, Name: u.Name})
	return nil
}

func (u *User) UpdateEmail(email string) error {
	if blank(email) {
		return ErrInvalidUser
	}
	u.Email = email
	u.touch()
	return nil
}

func (u *User) VerifyEmail() {
	u.EmailVerified = true
	u.touch()
}

func (u *User) touch() {
	now := time.Now().UTC()
	u.UpdatedAtUtc = &now
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
