package kafkabridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-project/agentbus/pkg/messaging"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.messages = append(w.messages, msgs...)
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) Close() error { return nil }

type scriptedReader struct {
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.queue) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.queue[0]
	r.queue = r.queue[1:]
	return m, nil
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func TestTopicFor(t *testing.T) {
	assert.Equal(t, "agent.t1.command", TopicFor("t1", messaging.TypeCommand))
	assert.Equal(t, "agent.default.event", TopicFor("", messaging.TypeEvent))
}

func TestProducerPublishesToTenantTopic(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w, time.Second)

	msg := messaging.New("a", "b", messaging.TypeCommand, messaging.WithTenant("t1"))
	require.NoError(t, p.Publish(context.Background(), msg))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "agent.t1.command", w.messages[0].Topic)
	assert.Equal(t, []byte("a"), w.messages[0].Key, "keyed by sender for per-partition order")

	decoded, err := messaging.FromJSON(w.messages[0].Value)
	require.NoError(t, err)
	assert.Equal(t, msg.MessageID, decoded.MessageID)
	assert.Equal(t, "t1", decoded.TenantID)

	assert.Equal(t, int64(1), p.Stats()["published"])
}

func TestProducerReportsFailure(t *testing.T) {
	w := &recordingWriter{err: fmt.Errorf("broker unreachable")}
	p := NewProducerWithWriter(w, time.Second)

	err := p.Publish(context.Background(), messaging.New("a", "b", messaging.TypeCommand))
	require.Error(t, err)
	assert.Equal(t, int64(1), p.Stats()["failures"])
}

func TestPollerForwardsAndCommits(t *testing.T) {
	msg := messaging.New("a", "b", messaging.TypeCommand, messaging.WithTenant("t1"))
	raw, err := msg.ToJSON()
	require.NoError(t, err)

	reader := &scriptedReader{queue: []kafka.Message{{Topic: "agent.t1.command", Value: raw, Offset: 7}}}
	var forwarded []*messaging.AgentMessage
	p := NewPollerWithReader(reader, func(_ context.Context, m *messaging.AgentMessage) error {
		forwarded = append(forwarded, m)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	require.Len(t, forwarded, 1)
	assert.Equal(t, msg.MessageID, forwarded[0].MessageID)
	require.Len(t, reader.committed, 1, "offset committed after enqueue")
	assert.Equal(t, int64(7), reader.committed[0].Offset)
}

func TestPollerHoldsOffsetWhenQueueFull(t *testing.T) {
	first := messaging.New("a", "b", messaging.TypeCommand)
	firstRaw, err := first.ToJSON()
	require.NoError(t, err)
	second := messaging.New("a", "b", messaging.TypeCommand)
	secondRaw, err := second.ToJSON()
	require.NoError(t, err)

	reader := &scriptedReader{queue: []kafka.Message{
		{Value: firstRaw, Offset: 3},
		{Value: secondRaw, Offset: 4},
	}}
	p := NewPollerWithReader(reader, func(context.Context, *messaging.AgentMessage) error {
		return fmt.Errorf("queue full")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	assert.Empty(t, reader.committed, "failed enqueue must not commit the offset")
	assert.Len(t, reader.queue, 1, "poller must not fetch past the stuck message")
}

func TestPollerRetriesStuckMessageBeforeFetchingFurther(t *testing.T) {
	first := messaging.New("a", "b", messaging.TypeCommand)
	firstRaw, err := first.ToJSON()
	require.NoError(t, err)
	second := messaging.New("a", "b", messaging.TypeCommand)
	secondRaw, err := second.ToJSON()
	require.NoError(t, err)

	reader := &scriptedReader{queue: []kafka.Message{
		{Value: firstRaw, Offset: 1},
		{Value: secondRaw, Offset: 2},
	}}

	// First enqueue attempt fails (queue full), every later one succeeds.
	// Both messages must come through and both offsets must commit in
	// order: a commit at offset 2 with offset 1 uncommitted would move the
	// group offset past the first message and lose it.
	calls := 0
	var forwarded []string
	p := NewPollerWithReader(reader, func(_ context.Context, m *messaging.AgentMessage) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("queue full")
		}
		forwarded = append(forwarded, m.MessageID)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, []string{first.MessageID, second.MessageID}, forwarded)
	require.Len(t, reader.committed, 2)
	assert.Equal(t, int64(1), reader.committed[0].Offset)
	assert.Equal(t, int64(2), reader.committed[1].Offset)
	assert.Equal(t, int64(2), p.Stats()["forwarded"])
}

func TestPollerDropsUndecodable(t *testing.T) {
	reader := &scriptedReader{queue: []kafka.Message{{Value: []byte("not json"), Offset: 1}}}
	p := NewPollerWithReader(reader, func(context.Context, *messaging.AgentMessage) error {
		t.Fatal("enqueue must not be called for undecodable messages")
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	require.Len(t, reader.committed, 1, "poison messages are committed so they do not loop")
	assert.Equal(t, int64(1), p.Stats()["dropped"])
}

func TestFeedbackPublisher(t *testing.T) {
	w := &recordingWriter{}
	f := NewFeedbackPublisherWithWriter(w, time.Second)

	err := f.Publish(context.Background(), "decision-1", map[string]any{
		"feedback_type": "positive",
		"actual_impact": 0.4,
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)
	assert.Equal(t, []byte("decision-1"), w.messages[0].Key)
	assert.Contains(t, string(w.messages[0].Value), "positive")
}
