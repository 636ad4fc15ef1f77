package evbx

import (
	"context"
)

// Eventbox wires the outbox and inbox pipelines of one application.
type Eventbox struct {
	settings     Settings
	logger       Logger
	locker       Locker
	processedCtr Counter
	failedCtr    Counter

	domainDispatcher      *Dispatcher[DomainEvent]
	integrationDispatcher *Dispatcher[IntegrationEvent]
	capture               *Capture
	intake                *Intake
	outboxJob             *OutboxJob
	inboxJob              *InboxJob
}

// opt allows optional configuration.
type opt func(o *Eventbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(o *Eventbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters of processed and
// failed messages for observability.
func WithCounters(processed Counter, failed Counter) opt {
	return func(o *Eventbox) {
		if processed != nil {
			o.processedCtr = processed
		}
		if failed != nil {
			o.failedCtr = failed
		}
	}
}

// WithLocker configures a distributed lock used to run each job in a single
// instance at a time.
func WithLocker(l Locker) opt {
	return func(o *Eventbox) {
		o.locker = l
	}
}

// New creates an Eventbox over the provided repositories and registries. The
// registries must be fully built: their handlers are decorated with the
// idempotency markers of the matching repository here, once.
func New(s Settings, outbox OutboxRepository, inbox InboxRepository,
	domain *Registry[DomainEvent], integration *Registry[IntegrationEvent], options ...opt) *Eventbox {
	if outbox == nil || inbox == nil {
		panic("you must provide an outbox and an inbox repository")
	}
	if domain == nil {
		domain = NewRegistry[DomainEvent]()
	}
	if integration == nil {
		integration = NewRegistry[IntegrationEvent]()
	}

	validateSettings(&s)

	eb := &Eventbox{
		settings:     s,
		logger:       &NopLogger{},
		processedCtr: &NopCounter{},
		failedCtr:    &NopCounter{},
	}
	for _, o := range options {
		o(eb)
	}

	eb.domainDispatcher = NewDispatcher(domain.Wrap(Idempotent[DomainEvent](outbox, eb.logger)))
	eb.integrationDispatcher = NewDispatcher(integration.Wrap(Idempotent[IntegrationEvent](inbox, eb.logger)))
	eb.capture = NewCapture(outbox)
	eb.intake = NewIntake(inbox)
	eb.outboxJob = NewOutboxJob(s.Outbox.BatchSize, outbox, eb.domainDispatcher)
	eb.inboxJob = NewInboxJob(s.Inbox.BatchSize, inbox, eb.integrationDispatcher)
	eb.outboxJob.SetCounters(eb.processedCtr, eb.failedCtr)
	eb.inboxJob.SetCounters(eb.processedCtr, eb.failedCtr)

	setLoggers(eb.logger, outbox, inbox, eb.locker,
		eb.domainDispatcher, eb.integrationDispatcher, eb.capture, eb.intake, eb.outboxJob, eb.inboxJob)

	return eb
}

// Capture saves the pending domain events of the aggregates as outbox
// messages in the business transaction provided in the context.
func (eb *Eventbox) Capture(ctx context.Context, aggregates ...Aggregate) error {
	return eb.capture.Capture(ctx, aggregates...)
}

// Receive records an integration event delivered by the bus into the inbox.
func (eb *Eventbox) Receive(ctx context.Context, e IntegrationEvent) error {
	return eb.intake.Receive(ctx, e)
}

func (eb *Eventbox) OutboxJob() *OutboxJob { return eb.outboxJob }

func (eb *Eventbox) InboxJob() *InboxJob { return eb.inboxJob }

func (eb *Eventbox) DomainEvents() *Dispatcher[DomainEvent] { return eb.domainDispatcher }

func (eb *Eventbox) IntegrationEvents() *Dispatcher[IntegrationEvent] { return eb.integrationDispatcher }

// Start runs the enabled processing jobs until ctx is done. It blocks.
func (eb *Eventbox) Start(ctx context.Context) {
	sc := NewScheduler(eb.locker)
	sc.SetLogger(eb.logger)
	if eb.settings.Outbox.Enabled {
		eb.logger.Debug("the outbox processing job is enabled")
		sc.Schedule(eb.outboxJob, eb.settings.Outbox.PollingInterval, eb.settings.Outbox.LockTTL)
	}
	if eb.settings.Inbox.Enabled {
		eb.logger.Debug("the inbox processing job is enabled")
		sc.Schedule(eb.inboxJob, eb.settings.Inbox.PollingInterval, eb.settings.Inbox.LockTTL)
	}
	sc.Run(ctx)
}
