package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/dmfgate/pkg/metrics"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	for i := range msgs {
		msgs[i].Offset = int64(i)
	}
	return &fakeReader{pending: msgs}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		m := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func (f *fakeReader) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) written() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

type policyFunc func(ctx context.Context, msg *Message, err error) Decision

func (p policyFunc) Decide(ctx context.Context, msg *Message, err error) Decision {
	return p(ctx, msg, err)
}

var errFatal = errors.New("fatal")

func classify(_ context.Context, _ *Message, err error) Decision {
	if errors.Is(err, errFatal) {
		return DeadLetter
	}
	return Requeue
}

func inbound(key string, headers map[string]string, body string) kafka.Message {
	km := kafka.Message{Topic: "dmf.receive", Key: []byte(key), Value: []byte(body)}
	for k, v := range headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func headerValue(km kafka.Message, key string) string {
	for _, h := range km.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// runUntil runs the consumer until the reader has seen want commits.
func runUntil(t *testing.T, c *Consumer, reader *fakeReader, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() >= want }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestMessageFromKafka(t *testing.T) {
	msg := fromKafka(inbound("device-1", map[string]string{
		"type":                "EVENT",
		PropertyContentType:   "application/json; charset=utf-8",
		PropertyCorrelationID: "c-1",
		PropertyReplyTo:       "sp.direct.exchange",
	}, `{}`))

	assert.Equal(t, "EVENT", msg.Header(TypeHeader))
	assert.True(t, msg.IsJSON())
	assert.Equal(t, "c-1", msg.CorrelationID)
	assert.Equal(t, "sp.direct.exchange", msg.ReplyTo)
	assert.Equal(t, "device-1", msg.Key)
	assert.NotContains(t, msg.Headers, PropertyReplyTo)
}

func TestAddress(t *testing.T) {
	addr, err := ParseAddress("amqp://vhost/exchange.reply")
	require.NoError(t, err)
	assert.Equal(t, "vhost", addr.VHost)
	assert.Equal(t, "exchange.reply", addr.Exchange)
	assert.Equal(t, "amqp://vhost/exchange.reply", addr.String())

	assert.True(t, IsBrokerAddress("amqp://reply"+"/x"))
	assert.False(t, IsBrokerAddress("http://device.local/hook"))
	assert.False(t, IsBrokerAddress("amqp://vhost"))
	assert.False(t, IsBrokerAddress(""))

	assert.Equal(t, "amqp://vh/reply", ReplyAddress("vh", "reply"))
	assert.Equal(t, "amqp://other/q", ReplyAddress("vh", "amqp://other/q"))
}

func TestKafkaSender(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSender(w, "dmf.")

	err := s.Send(context.Background(), "amqp://vhost/device.replies", &Message{
		Key:           "device-1",
		Headers:       map[string]string{"type": "EVENT"},
		ContentType:   ContentTypeJSON,
		CorrelationID: "c-9",
		Body:          []byte(`{"actionId":1}`),
	})
	require.NoError(t, err)

	written := w.written()
	require.Len(t, written, 1)
	assert.Equal(t, "dmf.device.replies", written[0].Topic)
	assert.Equal(t, "EVENT", headerValue(written[0], "type"))
	assert.Equal(t, ContentTypeJSON, headerValue(written[0], PropertyContentType))
	assert.Equal(t, "c-9", headerValue(written[0], PropertyCorrelationID))

	err = s.Send(context.Background(), "http://device", &Message{})
	assert.Error(t, err)

	var nilSender *KafkaSender
	assert.Error(t, nilSender.Send(context.Background(), "amqp://v/x", &Message{}))
	assert.NoError(t, nilSender.Close())
}

func TestNewKafkaReaderValidation(t *testing.T) {
	_, err := NewKafkaReader(KafkaConfig{GroupID: "g"}, "dmf.receive")
	assert.Error(t, err)

	_, err = NewKafkaReader(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g"}, " ")
	assert.Error(t, err)

	_, err = NewKafkaReader(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}}, "dmf.receive")
	assert.Error(t, err)

	r, err := NewKafkaReader(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}, GroupID: "g"}, "dmf.receive")
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}

func TestConsumer_ReplyAndCommit(t *testing.T) {
	reader := newFakeReader(inbound("device-1", map[string]string{
		"type":                "AUTH",
		PropertyCorrelationID: "corr-1",
		PropertyReplyTo:       "auth.replies",
	}, `{}`))
	w := &fakeWriter{}

	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		return &Message{ContentType: ContentTypeJSON, Body: []byte(`{"responseCode":200}`)}, nil
	})
	c, err := NewConsumer(ConsumerConfig{Name: "auth", VHost: "vh"}, reader, handler, policyFunc(classify),
		WithReplySender(NewKafkaSender(w, "")))
	require.NoError(t, err)

	runUntil(t, c, reader, 1)

	written := w.written()
	require.Len(t, written, 1)
	assert.Equal(t, "auth.replies", written[0].Topic)
	assert.Equal(t, "corr-1", headerValue(written[0], PropertyCorrelationID))
}

func TestConsumer_FatalIsDeadLettered(t *testing.T) {
	reader := newFakeReader(inbound("device-1", map[string]string{"type": "EVENT"}, `{}`))
	dlq := &fakeWriter{}
	reg := prometheus.NewRegistry()
	m := metrics.NewMessagingMetricsFor(reg)

	calls := 0
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		calls++
		return nil, errFatal
	})
	c, err := NewConsumer(ConsumerConfig{Name: "receive", DeadLetterTopic: "dmf.dead"}, reader, handler, policyFunc(classify),
		WithDeadLetterWriter(NewKafkaSender(dlq, "")), WithConsumerMetrics(m))
	require.NoError(t, err)

	runUntil(t, c, reader, 1)

	assert.Equal(t, 1, calls)
	written := dlq.written()
	require.Len(t, written, 1)
	assert.Equal(t, "dmf.dead", written[0].Topic)
	assert.Equal(t, "fatal", headerValue(written[0], PropertyDeathReason))
	assert.Equal(t, "dmf.receive", headerValue(written[0], "x-original-topic"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("EVENT", "dead_lettered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLettersTotal.WithLabelValues("rejected")))
}

func TestConsumer_TransientIsRedelivered(t *testing.T) {
	reader := newFakeReader(inbound("device-1", map[string]string{"type": "EVENT"}, `{}`))
	m := metrics.NewMessagingMetricsFor(prometheus.NewRegistry())

	var attempts []int
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		attempts = append(attempts, msg.Attempt)
		if msg.Attempt < 3 {
			return nil, errors.New("database unavailable")
		}
		return nil, nil
	})
	c, err := NewConsumer(ConsumerConfig{Name: "receive"}, reader, handler, policyFunc(classify), WithConsumerMetrics(m))
	require.NoError(t, err)

	runUntil(t, c, reader, 1)

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequeuesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("EVENT", "acked")))
}

func TestConsumer_DeliveryLimit(t *testing.T) {
	reader := newFakeReader(inbound("device-1", map[string]string{"type": "EVENT"}, `{}`))
	dlq := &fakeWriter{}

	calls := 0
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		calls++
		return nil, errors.New("still down")
	})
	c, err := NewConsumer(ConsumerConfig{Name: "receive", MaxDeliveries: 2, DeadLetterTopic: "dlq"}, reader, handler,
		policyFunc(classify), WithDeadLetterWriter(NewKafkaSender(dlq, "")))
	require.NoError(t, err)

	runUntil(t, c, reader, 1)

	assert.Equal(t, 2, calls)
	written := dlq.written()
	require.Len(t, written, 1)
	assert.Equal(t, "2", headerValue(written[0], PropertyDeliveryCount))
}

func TestConsumer_PanicIsDeadLettered(t *testing.T) {
	reader := newFakeReader(inbound("", map[string]string{"type": "EVENT"}, `{}`))
	dlq := &fakeWriter{}

	decided := false
	policy := policyFunc(func(context.Context, *Message, error) Decision {
		decided = true
		return Requeue
	})
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		panic("boom")
	})
	c, err := NewConsumer(ConsumerConfig{Name: "receive", DeadLetterTopic: "dlq"}, reader, handler, policy,
		WithDeadLetterWriter(NewKafkaSender(dlq, "")))
	require.NoError(t, err)

	runUntil(t, c, reader, 1)

	assert.False(t, decided)
	require.Len(t, dlq.written(), 1)
}

func TestConsumer_SameKeyKeepsOrder(t *testing.T) {
	var msgs []kafka.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, inbound("device-1", map[string]string{"type": "EVENT", "seq": string(rune('a' + i))}, `{}`))
	}
	reader := newFakeReader(msgs...)

	var mu sync.Mutex
	var seen []string
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Header("seq"))
		return nil, nil
	})
	c, err := NewConsumer(ConsumerConfig{Name: "receive", Concurrency: 4}, reader, handler, policyFunc(classify))
	require.NoError(t, err)

	runUntil(t, c, reader, 20)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 20)
	for i, s := range seen {
		assert.Equal(t, string(rune('a'+i)), s)
	}
}

func TestOffsetTracker_CommitsLowWatermark(t *testing.T) {
	tr := newOffsetTracker()
	msg := func(part int, off int64) kafka.Message {
		return kafka.Message{Topic: "dmf.receive", Partition: part, Offset: off}
	}
	for _, off := range []int64{10, 11, 12} {
		tr.track(msg(0, off))
	}
	tr.track(msg(1, 4))

	var committed []kafka.Message
	commit := func(km kafka.Message) error {
		committed = append(committed, km)
		return nil
	}

	require.NoError(t, tr.settle(msg(0, 12), commit))
	require.NoError(t, tr.settle(msg(0, 11), commit))
	assert.Empty(t, committed, "offset 10 is still in flight")

	require.NoError(t, tr.settle(msg(1, 4), commit))
	require.Len(t, committed, 1)
	assert.Equal(t, 1, committed[0].Partition)

	require.NoError(t, tr.settle(msg(0, 10), commit))
	require.Len(t, committed, 2)
	assert.Equal(t, 0, committed[1].Partition)
	assert.Equal(t, int64(12), committed[1].Offset)

	commitErr := errors.New("coordinator unavailable")
	tr.track(msg(0, 13))
	assert.ErrorIs(t, tr.settle(msg(0, 13), func(kafka.Message) error { return commitErr }), commitErr)
}

func TestConsumer_BlockedLaneHoldsCommit(t *testing.T) {
	// "slow" and "fast" hash to different lanes of a two lane consumer.
	reader := newFakeReader(
		inbound("slow", map[string]string{"type": "EVENT"}, `{}`),
		inbound("fast", map[string]string{"type": "EVENT"}, `{}`),
	)
	release := make(chan struct{})
	fastDone := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		if msg.Key == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, nil
		}
		close(fastDone)
		return nil, nil
	})
	c, err := NewConsumer(ConsumerConfig{Name: "receive", Concurrency: 2}, reader, handler, policyFunc(classify))
	require.NoError(t, err)
	require.NotEqual(t, c.lane(fromKafka(reader.pending[0])), c.lane(fromKafka(reader.pending[1])))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast message not handled")
	}
	assert.Never(t, func() bool { return reader.commits() > 0 }, 100*time.Millisecond, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return reader.commits() == 1 }, 2*time.Second, 5*time.Millisecond)
	reader.mu.Lock()
	assert.Equal(t, int64(1), reader.committed[0].Offset)
	reader.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestNewConsumerValidation(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{}, nil, HandlerFunc(nil), policyFunc(classify))
	assert.Error(t, err)

	_, err = NewConsumer(ConsumerConfig{}, newFakeReader(), nil, policyFunc(classify))
	assert.Error(t, err)

	c, err := NewConsumer(ConsumerConfig{}, newFakeReader(), HandlerFunc(func(context.Context, *Message) (*Message, error) {
		return nil, nil
	}), policyFunc(classify))
	require.NoError(t, err)
	assert.Equal(t, 1, c.cfg.Concurrency)
	assert.Equal(t, "dead_letter", DeadLetter.String())
}
