package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	evbxkfk "github.com/3rs4lg4d0/eventbox/bus/kafka"
	evbxrmq "github.com/3rs4lg4d0/eventbox/bus/rabbitmq"
	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/3rs4lg4d0/eventbox/internal/config"
	"github.com/3rs4lg4d0/eventbox/internal/users"
	evbxredis "github.com/3rs4lg4d0/eventbox/lock/redis"
	evbxzrlg "github.com/3rs4lg4d0/eventbox/logger/zerolog"
	evbxtally "github.com/3rs4lg4d0/eventbox/metrics/tally"
	"github.com/3rs4lg4d0/eventbox/repository/pgxv5"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"
	"golang.org/x/sync/errgroup"
)

type txKey struct{}

// bus is the publishing side and the subscription loop of a message broker.
type bus struct {
	publisher evbx.Publisher
	run       func(ctx context.Context, integration *evbx.Registry[evbx.IntegrationEvent], r evbx.Receiver) error
	close     func()
}

func main() {
	cfg := config.Load()
	zl := GetLogger(cfg.LogLevel)
	if err := run(cfg, zl); err != nil {
		zl.Fatal().Err(err).Msg("eventbox stopped")
	}
	zl.Info().Msg("eventbox stopped")
}

func run(cfg *config.Config, zl zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := evbxzrlg.New(zl)

	pool, err := GetDatabasePool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := pgxv5.New(txKey{}, pool)

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "eventbox",
		Reporter: tally.NullStatsReporter,
	}, time.Second)
	defer closer.Close()
	processed, failed := evbxtally.NewCounters(scope)

	b, err := GetBus(cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	var locker evbx.Locker = repo
	if cfg.RedisAddr != "" {
		locker = evbxredis.New(goredislib.NewClient(&goredislib.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}))
	}

	domain := evbx.NewRegistry[evbx.DomainEvent]()
	integration := evbx.NewRegistry[evbx.IntegrationEvent]()
	if err := users.Register(domain, integration, b.publisher, logger); err != nil {
		return err
	}

	eb := evbx.New(cfg.Settings, repo.Outbox(), repo.Inbox(), domain, integration,
		evbx.WithLogger(logger),
		evbx.WithCounters(processed, failed),
		evbx.WithLocker(locker),
	)

	if email := os.Getenv("EVENTBOX_DEMO_EMAIL"); email != "" {
		svc := users.NewService(repo, users.NewPgxStore(txKey{}), eb)
		u, err := svc.Register(ctx, "demo|"+email, strings.Split(email, "@")[0], email)
		if err != nil {
			return fmt.Errorf("could not register the demo user: %w", err)
		}
		zl.Info().Str("user", u.Id.String()).Msg("demo user registered")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eb.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return b.run(ctx, integration, eb)
	})
	return g.Wait()
}

func GetLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func GetDatabasePool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return db, nil
}

func GetBus(cfg *config.Config, logger evbx.Logger) (*bus, error) {
	switch cfg.Bus {
	case config.BusKafka:
		return GetKafkaBus(cfg, logger)
	case config.BusRabbitMQ:
		return GetRabbitMQBus(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown bus '%s'", cfg.Bus)
	}
}

func GetKafkaBus(cfg *config.Config, logger evbx.Logger) (*bus, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBrokers,
		"linger.ms":          500,
		"batch.size":         100 * 1024,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, err
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBrokers,
		"group.id":           cfg.KafkaGroupId,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	publisher := evbxkfk.NewPublisher(p)
	publisher.SetLogger(logger)
	return &bus{
		publisher: publisher,
		run: func(ctx context.Context, integration *evbx.Registry[evbx.IntegrationEvent], r evbx.Receiver) error {
			s := evbxkfk.NewSubscriber(c, integration, r)
			s.SetLogger(logger)
			if err := s.Subscribe(integration.EventTypes()...); err != nil {
				return err
			}
			return s.Run(ctx)
		},
		close: func() {
			p.Flush(5000)
			p.Close()
			c.Close()
		},
	}, nil
}

func GetRabbitMQBus(cfg *config.Config, logger evbx.Logger) (*bus, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	publisher := evbxrmq.NewPublisher(ch, cfg.RabbitMQExchange)
	publisher.SetLogger(logger)
	return &bus{
		publisher: publisher,
		run: func(ctx context.Context, integration *evbx.Registry[evbx.IntegrationEvent], r evbx.Receiver) error {
			if err := evbxrmq.DeclareTopology(ch, cfg.RabbitMQExchange, cfg.RabbitMQQueue, integration.EventTypes()...); err != nil {
				return err
			}
			s := evbxrmq.NewSubscriber(ch, cfg.RabbitMQQueue, integration, r)
			s.SetLogger(logger)
			return s.Run(ctx)
		},
		close: func() {
			ch.Close()
			conn.Close()
		},
	}, nil
}
