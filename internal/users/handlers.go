package users

import (
	"context"
	"fmt"

	"github.com/3rs4lg4d0/eventbox/evbx"
)

// Register adds the users events and handlers to the registries. Created
// users are announced through publisher and the announcements received back
// from the bus are logged.
func Register(domain *evbx.Registry[evbx.DomainEvent], integration *evbx.Registry[evbx.IntegrationEvent],
	publisher evbx.Publisher, logger evbx.Logger) error {
	if err := evbx.RegisterDomainEvent[UserCreated](domain); err != nil {
		return err
	}
	if err := evbx.RegisterDomainEvent[UserUpdated](domain); err != nil {
		return err
	}
	if err := evbx.RegisterIntegrationEvent[UserRegistered](integration); err != nil {
		return err
	}
	if err := evbx.HandleDomainEvent(domain, AnnounceRegistration(publisher)); err != nil {
		return err
	}
	if err := evbx.HandleDomainEvent(domain, evbx.HandlerOf("log-user-updated",
		func(_ context.Context, e UserUpdated) error {
			logger.Info(fmt.Sprintf("user %s is now named %s", e.UserId, e.Name))
			return nil
		})); err != nil {
		return err
	}
	return evbx.HandleIntegrationEvent(integration, evbx.HandlerOf("welcome-user",
		func(_ context.Context, e UserRegistered) error {
			logger.Info(fmt.Sprintf("welcome %s", e.Email))
			return nil
		}))
}

// AnnounceRegistration publishes a UserRegistered event for every created user.
// The integration event reuses the domain event id, so a redelivery after a
// failed commit publishes the same message again.
func AnnounceRegistration(p evbx.Publisher) evbx.Handler[UserCreated] {
	if p == nil {
		panic("publisher is mandatory")
	}
	return evbx.HandlerOf("announce-user-registration", func(ctx context.Context, e UserCreated) error {
		return p.Publish(ctx, UserRegistered{
			IntegrationEventBase: evbx.IntegrationEventBase{Id: e.Id, OccurredAtUtc: e.OccurredAtUtc},
			UserId:               e.UserId,
			Email:                e.Email,
		})
	})
}
