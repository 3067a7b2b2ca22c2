package kafkabridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultFeedbackTopic carries impact-score feedback for the learning loop.
const DefaultFeedbackTopic = "governance.feedback.v1"

// FeedbackPublisher writes feedback events to the feedback topic.
type FeedbackPublisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

// NewFeedbackPublisher builds a publisher for the feedback topic.
func NewFeedbackPublisher(bootstrap, topic string, timeout time.Duration) *FeedbackPublisher {
	if topic == "" {
		topic = DefaultFeedbackTopic
	}
	if timeout <= 0 {
		timeout = DefaultProduceTimeout
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(bootstrap),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &FeedbackPublisher{writer: w, topic: topic, timeout: timeout}
}

// NewFeedbackPublisherWithWriter injects the writer, mainly for tests.
func NewFeedbackPublisherWithWriter(w messageWriter, timeout time.Duration) *FeedbackPublisher {
	if timeout <= 0 {
		timeout = DefaultProduceTimeout
	}
	return &FeedbackPublisher{writer: w, timeout: timeout}
}

// Publish serialises event as JSON keyed by decisionID.
func (f *FeedbackPublisher) Publish(ctx context.Context, decisionID string, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: serialise feedback: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(decisionID),
		Value: raw,
	}); err != nil {
		return fmt.Errorf("kafka: publish feedback: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (f *FeedbackPublisher) Close() error { return f.writer.Close() }
