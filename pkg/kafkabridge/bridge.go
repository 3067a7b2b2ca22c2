// Package kafkabridge connects the bus to Kafka: an outbound producer
// publishing per-tenant topics, a poller forwarding inbound messages into
// the internal queue, and a feedback-topic publisher for the learning loop.
package kafkabridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acgs-project/agentbus/pkg/messaging"
)

// DefaultProduceTimeout bounds one publish call.
const DefaultProduceTimeout = 10 * time.Second

// TopicFor names the Kafka topic for a tenant and message type. Untenanted
// messages share the "default" partition namespace.
func TopicFor(tenantID string, mt messaging.MessageType) string {
	if tenantID == "" {
		tenantID = "default"
	}
	return fmt.Sprintf("agent.%s.%s", tenantID, mt)
}

// messageWriter is the slice of kafka.Writer the producer uses; tests
// substitute a recorder.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes bus messages to their tenant topic.
type Producer struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger

	published atomic.Int64
	failures  atomic.Int64
}

// NewProducer builds a producer against the given bootstrap brokers.
func NewProducer(bootstrap string, timeout time.Duration) *Producer {
	if timeout <= 0 {
		timeout = DefaultProduceTimeout
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(bootstrap),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &Producer{writer: w, timeout: timeout, logger: slog.Default()}
}

// NewProducerWithWriter injects the writer, mainly for tests.
func NewProducerWithWriter(w messageWriter, timeout time.Duration) *Producer {
	if timeout <= 0 {
		timeout = DefaultProduceTimeout
	}
	return &Producer{writer: w, timeout: timeout, logger: slog.Default()}
}

// Publish serialises msg and writes it to its tenant topic, keyed by
// sender so one agent's messages stay ordered within a partition.
func (p *Producer) Publish(ctx context.Context, msg *messaging.AgentMessage) error {
	raw, err := msg.ToJSON()
	if err != nil {
		p.failures.Add(1)
		return fmt.Errorf("kafka: serialise message %s: %w", msg.MessageID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicFor(msg.TenantID, msg.Type),
		Key:   []byte(msg.SenderID),
		Value: raw,
	})
	if err != nil {
		p.failures.Add(1)
		return fmt.Errorf("kafka: publish message %s: %w", msg.MessageID, err)
	}
	p.published.Add(1)
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error { return p.writer.Close() }

// Stats reports producer counters.
func (p *Producer) Stats() map[string]any {
	return map[string]any{
		"published": p.published.Load(),
		"failures":  p.failures.Load(),
	}
}

// Enqueue hands one inbound message to the bus. On a non-nil error the
// poller retries the same message before fetching further.
type Enqueue func(ctx context.Context, msg *messaging.AgentMessage) error

// Initial wait between enqueue attempts while the internal queue is
// full; doubles up to the max.
const (
	retryBackoff    = 50 * time.Millisecond
	retryBackoffMax = 2 * time.Second
)

// messageReader is the slice of kafka.Reader the poller uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PollerConfig configures the inbound consumer.
type PollerConfig struct {
	Bootstrap string
	GroupID   string
	TenantID  string // topics polled: agent.{tenant}.{type} for every type
}

// Poller consumes the tenant's topics and forwards messages into the bus
// queue, committing offsets only after a successful enqueue.
type Poller struct {
	reader  messageReader
	enqueue Enqueue
	logger  *slog.Logger

	forwarded atomic.Int64
	dropped   atomic.Int64
}

// allTopics enumerates the tenant's per-type topics.
func allTopics(tenantID string) []string {
	types := []messaging.MessageType{
		messaging.TypeCommand, messaging.TypeQuery, messaging.TypeEvent,
		messaging.TypeResponse, messaging.TypeGovernanceRequest, messaging.TypeNotification,
	}
	topics := make([]string, len(types))
	for i, mt := range types {
		topics[i] = TopicFor(tenantID, mt)
	}
	return topics
}

// NewPoller builds a consumer-group poller for the tenant's topics.
func NewPoller(cfg PollerConfig, enqueue Enqueue) *Poller {
	if cfg.GroupID == "" {
		cfg.GroupID = "agentbus"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{cfg.Bootstrap},
		GroupID:     cfg.GroupID,
		GroupTopics: allTopics(cfg.TenantID),
		MinBytes:    1,
		MaxBytes:    10 << 20,
		MaxWait:     500 * time.Millisecond,
	})
	return &Poller{reader: r, enqueue: enqueue, logger: slog.Default()}
}

// NewPollerWithReader injects the reader, mainly for tests.
func NewPollerWithReader(r messageReader, enqueue Enqueue) *Poller {
	return &Poller{reader: r, enqueue: enqueue, logger: slog.Default()}
}

// Run polls until ctx is cancelled. Messages that fail to decode are
// committed and dropped; messages the bus cannot absorb are retried in
// place, so no later commit can advance the group offset past them.
func (p *Poller) Run(ctx context.Context) error {
	for {
		km, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("kafka: fetch: %w", err)
		}

		msg, err := messaging.FromJSON(km.Value)
		if err != nil {
			p.dropped.Add(1)
			p.logger.Warn("kafka: dropping undecodable message",
				"topic", km.Topic, "offset", km.Offset, "error", err)
			if err := p.reader.CommitMessages(ctx, km); err != nil {
				return fmt.Errorf("kafka: commit dropped message: %w", err)
			}
			continue
		}

		if err := p.enqueueWithRetry(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		p.forwarded.Add(1)
		if err := p.reader.CommitMessages(ctx, km); err != nil {
			return fmt.Errorf("kafka: commit: %w", err)
		}
	}
}

// enqueueWithRetry blocks until the bus absorbs msg or ctx ends. Fetching
// must not continue past an unenqueued message: committing a later message
// on the same partition would advance the group offset beyond it and it
// would never redeliver.
func (p *Poller) enqueueWithRetry(ctx context.Context, msg *messaging.AgentMessage) error {
	backoff := retryBackoff
	for attempt := 1; ; attempt++ {
		err := p.enqueue(ctx, msg)
		if err == nil {
			return nil
		}
		p.logger.Warn("kafka: enqueue failed, retrying",
			"message_id", msg.MessageID, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < retryBackoffMax {
			backoff *= 2
		}
	}
}

// Close closes the underlying reader.
func (p *Poller) Close() error { return p.reader.Close() }

// Stats reports poller counters.
func (p *Poller) Stats() map[string]any {
	return map[string]any{
		"forwarded": p.forwarded.Load(),
		"dropped":   p.dropped.Load(),
	}
}
