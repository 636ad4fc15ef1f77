package users

import (
	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
)

// UserCreated is raised when a user is created.
type UserCreated struct {
	evbx.DomainEventBase
	UserId     uuid.UUID `json:"userId"`
	IdentityId string    `json:"identityId"`
	Email      string    `json:"email"`
}

func (UserCreated) EventType() string { return "UserCreated" }

// UserUpdated is raised when a user changes the name.
type UserUpdated struct {
	evbx.DomainEventBase
	UserId uuid.UUID `json:"userId"`
	Name   string    `json:"name"`
}

func (UserUpdated) EventType() string { return "UserUpdated" }

// UserRegistered announces a new user to other services.
type UserRegistered struct {
	evbx.IntegrationEventBase
	UserId uuid.UUID `json:"userId"`
	Email  string    `json:"email"`
}

func (UserRegistered) EventType() string { return "UserRegistered" }
