package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acgs-project/agentbus/pkg/feedback"
)

// DefaultConsumerGroup is the feedback consumer group id.
const DefaultConsumerGroup = "river-learner"

// feedbackReader is the slice of kafka.Reader the consumer uses.
type feedbackReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig wires the feedback-topic consumer.
type ConsumerConfig struct {
	Bootstrap string
	Topic     string
	GroupID   string
}

// Consumer drains the feedback topic into the learner and drift detector.
type Consumer struct {
	reader   feedbackReader
	learner  *Learner
	detector *DriftDetector
	logger   *slog.Logger
}

// NewConsumer builds a consumer-group reader for the feedback topic.
func NewConsumer(cfg ConsumerConfig, learner *Learner, detector *DriftDetector) *Consumer {
	if cfg.GroupID == "" {
		cfg.GroupID = DefaultConsumerGroup
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Bootstrap},
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
		MaxWait:  500 * time.Millisecond,
	})
	return &Consumer{reader: r, learner: learner, detector: detector, logger: slog.Default()}
}

// NewConsumerWithReader injects the reader, mainly for tests.
func NewConsumerWithReader(r feedbackReader, learner *Learner, detector *DriftDetector) *Consumer {
	return &Consumer{reader: r, learner: learner, detector: detector, logger: slog.Default()}
}

// Run consumes until ctx is cancelled. Undecodable or invalid events are
// committed and dropped so the group never wedges on poison input.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("learning: fetch feedback: %w", err)
		}

		var event feedback.Event
		if err := json.Unmarshal(km.Value, &event); err != nil {
			c.logger.Warn("learning: dropping undecodable feedback",
				"offset", km.Offset, "error", err)
			if err := c.reader.CommitMessages(ctx, km); err != nil {
				return fmt.Errorf("learning: commit dropped: %w", err)
			}
			continue
		}

		if err := c.learner.Learn(&event); err != nil {
			c.logger.Warn("learning: rejecting feedback event",
				"decision_id", event.DecisionID, "error", err)
		} else if c.detector != nil {
			c.detector.Observe(extractFeatures(&event))
		}

		if err := c.reader.CommitMessages(ctx, km); err != nil {
			return fmt.Errorf("learning: commit: %w", err)
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error { return c.reader.Close() }
