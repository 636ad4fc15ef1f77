package test

import (
	"errors"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

// TestLogger records every written line.
type TestLogger struct {
	mu     sync.Mutex
	Lines  []string
	Errors []error
}

func (l *TestLogger) Debug(msg string) { l.add("DEBUG "+msg, nil) }

func (l *TestLogger) Info(msg string) { l.add("INFO "+msg, nil) }

func (l *TestLogger) Warn(msg string) { l.add("WARN "+msg, nil) }

func (l *TestLogger) Error(msg string, err error) { l.add("ERROR "+msg, err) }

func (l *TestLogger) add(line string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, line)
	if err != nil {
		l.Errors = append(l.Errors, err)
	}
}

// Snapshot returns a copy of the recorded lines.
func (l *TestLogger) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Lines...)
}

// TestCounter accumulates the increments it receives.
type TestCounter struct {
	mu  sync.Mutex
	Ctr int64
}

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ctr += delta
}

func (c *TestCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ctr
}

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend
	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// MockedKafkaConsumer serves the queued messages and then times out.
type MockedKafkaConsumer struct {
	mu        sync.Mutex
	Queue     []*kafka.Message
	ReadErr   error
	Topics    []string
	Committed []*kafka.Message
	Seeks     []kafka.TopicPartition
}

func (c *MockedKafkaConsumer) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Topics = append(c.Topics, topics...)
	return nil
}

func (c *MockedKafkaConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	c.mu.Lock()
	if c.ReadErr != nil {
		err := c.ReadErr
		c.ReadErr = nil
		c.mu.Unlock()
		return nil, err
	}
	if len(c.Queue) > 0 {
		m := c.Queue[0]
		c.Queue = c.Queue[1:]
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()
	time.Sleep(timeout)
	return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
}

func (c *MockedKafkaConsumer) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Committed = append(c.Committed, m)
	return []kafka.TopicPartition{m.TopicPartition}, nil
}

func (c *MockedKafkaConsumer) Seek(tp kafka.TopicPartition, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Seeks = append(c.Seeks, tp)
	return nil
}

func (c *MockedKafkaConsumer) Snapshot() (committed []*kafka.Message, seeks []kafka.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*kafka.Message(nil), c.Committed...), append([]kafka.TopicPartition(nil), c.Seeks...)
}

var ErrMocked = errors.New("mocked error")
