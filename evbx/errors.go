package evbx

import "errors"

var (
	// ErrDuplicateMessage is returned by repositories when a message or a
	// consumer marker already exists for the same key.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrTxRequired is returned when an operation expects a transaction in the
	// context and there is none.
	ErrTxRequired = errors.New("a transaction was expected in the context")

	ErrEventRequired            = errors.New("event is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrUnknownEventType         = errors.New("unknown event type")
	ErrHandlerRequired          = errors.New("handler is required")
	ErrHandlerNameRequired      = errors.New("handler name is required")
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")
)
