package evbx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// HandlerFunc handles one event of the family E.
type HandlerFunc[E Event] func(ctx context.Context, e E) error

// Handler handles events of the concrete type T. Name is the stable identity
// of the handler, it is part of the idempotency key so it must not change
// between deployments.
type Handler[T Event] interface {
	Name() string
	Handle(ctx context.Context, e T) error
}

type funcHandler[T Event] struct {
	name string
	fn   func(ctx context.Context, e T) error
}

func (h funcHandler[T]) Name() string { return h.name }

func (h funcHandler[T]) Handle(ctx context.Context, e T) error { return h.fn(ctx, e) }

// HandlerOf returns a Handler named name that calls fn.
func HandlerOf[T Event](name string, fn func(ctx context.Context, e T) error) Handler[T] {
	return funcHandler[T]{name: name, fn: fn}
}

// NamedHandler is a registered handler invocation closure.
type NamedHandler[E Event] struct {
	EventType string
	Name      string
	Handle    HandlerFunc[E]
}

// Middleware decorates a registered handler. It receives the undecorated
// handler description so decorators can rely on its Name.
type Middleware[E Event] func(h NamedHandler[E]) HandlerFunc[E]

type decoder[E Event] func(content []byte) (E, error)

// Registry maps event types to their decoder and to the ordered list of
// handlers registered for them. It is built once at startup.
type Registry[E Event] struct {
	mu       sync.RWMutex
	decoders map[string]decoder[E]
	handlers map[string][]NamedHandler[E]
}

func NewRegistry[E Event]() *Registry[E] {
	return &Registry[E]{
		decoders: map[string]decoder[E]{},
		handlers: map[string][]NamedHandler[E]{},
	}
}

// RegisterDomainEvent makes the domain event type T known to the registry so
// stored messages of that type can be decoded, even without handlers.
func RegisterDomainEvent[T DomainEvent](r *Registry[DomainEvent]) error {
	_, err := register(r, func(t T) DomainEvent { return t })
	return err
}

// HandleDomainEvent registers h for the domain event type T.
func HandleDomainEvent[T DomainEvent](r *Registry[DomainEvent], h Handler[T]) error {
	return subscribe(r, h, func(t T) DomainEvent { return t })
}

// RegisterIntegrationEvent makes the integration event type T known to the
// registry so received messages of that type can be decoded.
func RegisterIntegrationEvent[T IntegrationEvent](r *Registry[IntegrationEvent]) error {
	_, err := register(r, func(t T) IntegrationEvent { return t })
	return err
}

// HandleIntegrationEvent registers h for the integration event type T.
func HandleIntegrationEvent[T IntegrationEvent](r *Registry[IntegrationEvent], h Handler[T]) error {
	return subscribe(r, h, func(t T) IntegrationEvent { return t })
}

func register[E Event, T Event](r *Registry[E], up func(T) E) (string, error) {
	var zero T
	eventType := strings.TrimSpace(zero.EventType())
	if eventType == "" {
		return "", ErrEventTypeRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[eventType]; !ok {
		r.decoders[eventType] = func(content []byte) (E, error) {
			var t T
			if err := json.Unmarshal(content, &t); err != nil {
				var none E
				return none, fmt.Errorf("could not deserialize event '%s': %w", eventType, err)
			}
			return up(t), nil
		}
	}
	return eventType, nil
}

func subscribe[E Event, T Event](r *Registry[E], h Handler[T], up func(T) E) error {
	if h == nil {
		return ErrHandlerRequired
	}
	name := strings.TrimSpace(h.Name())
	if name == "" {
		return ErrHandlerNameRequired
	}

	eventType, err := register(r, up)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.handlers[eventType] {
		if existing.Name == name {
			return fmt.Errorf("%w: '%s' for '%s'", ErrHandlerAlreadyRegistered, name, eventType)
		}
	}
	r.handlers[eventType] = append(r.handlers[eventType], NamedHandler[E]{
		EventType: eventType,
		Name:      name,
		Handle: func(ctx context.Context, e E) error {
			t, ok := any(e).(T)
			if !ok {
				return fmt.Errorf("%w: handler '%s' cannot handle '%s'", ErrUnknownEventType, name, e.EventType())
			}
			return h.Handle(ctx, t)
		},
	})
	return nil
}

// Decode rebuilds the event stored as content under the type tag eventType.
func (r *Registry[E]) Decode(eventType string, content []byte) (E, error) {
	r.mu.RLock()
	dec, ok := r.decoders[eventType]
	r.mu.RUnlock()
	if !ok {
		var none E
		return none, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	return dec(content)
}

// Handlers returns the handlers registered for eventType in registration order.
func (r *Registry[E]) Handlers(eventType string) []NamedHandler[E] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]NamedHandler[E](nil), r.handlers[eventType]...)
}

// EventTypes returns the sorted list of known event types.
func (r *Registry[E]) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Wrap returns a new registry with the same decoders where every handler is
// decorated by mws, the first middleware being the innermost one. Handlers
// registered in r afterwards are not part of the returned registry.
func (r *Registry[E]) Wrap(mws ...Middleware[E]) *Registry[E] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w := NewRegistry[E]()
	for eventType, dec := range r.decoders {
		w.decoders[eventType] = dec
	}
	for eventType, hs := range r.handlers {
		wrapped := make([]NamedHandler[E], 0, len(hs))
		for _, h := range hs {
			for _, mw := range mws {
				h.Handle = mw(h)
			}
			wrapped = append(wrapped, h)
		}
		w.handlers[eventType] = wrapped
	}
	return w
}
