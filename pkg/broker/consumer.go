package broker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/witlox/dmfgate/pkg/metrics"
	"github.com/witlox/dmfgate/pkg/telemetry"
)

// Application headers the consumer reads for logging and metrics.
const (
	TypeHeader  = "type"
	TopicHeader = "topic"
)

// ErrHandlerPanic wraps a panic recovered from a handler. Such messages are
// dead-lettered without consulting the policy.
var ErrHandlerPanic = errors.New("handler panic")

// Handler handles one message and optionally returns a reply.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Decision is the settlement of a failed message.
type Decision int

const (
	// Ack drops the message as handled.
	Ack Decision = iota
	// Requeue delivers the message again.
	Requeue
	// DeadLetter moves the message to the dead letter topic.
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Policy decides what happens to a message whose handler failed. Decide may
// block, e.g. to delay a redelivery.
type Policy interface {
	Decide(ctx context.Context, msg *Message, err error) Decision
}

// DeadLetterWriter writes to a fixed topic.
type DeadLetterWriter interface {
	WriteTopic(ctx context.Context, topic string, msg *Message) error
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Name identifies the queue in logs.
	Name string
	// Concurrency is the number of workers. Messages with the same key are
	// always handled by the same worker, in order.
	Concurrency int
	// MaxDeliveries bounds redeliveries of one message; 0 means unbounded.
	MaxDeliveries int
	// DeadLetterTopic receives rejected messages. Empty drops them.
	DeadLetterTopic string
	// VHost is used to build reply addresses from bare reply-to names.
	VHost string
}

// Consumer reads messages, hands them to a handler and settles them.
type Consumer struct {
	cfg         ConsumerConfig
	reader      kafkaReader
	handler     Handler
	policy      Policy
	sender      Sender
	deadLetters DeadLetterWriter
	metrics     *metrics.MessagingMetrics
	logger      *slog.Logger
	tracer      trace.Tracer
	offsets     *offsetTracker
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerMetrics records message metrics.
func WithConsumerMetrics(m *metrics.MessagingMetrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// WithReplySender sets the sender used for handler replies.
func WithReplySender(s Sender) ConsumerOption {
	return func(c *Consumer) { c.sender = s }
}

// WithDeadLetterWriter sets the dead letter writer.
func WithDeadLetterWriter(w DeadLetterWriter) ConsumerOption {
	return func(c *Consumer) { c.deadLetters = w }
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig, reader kafkaReader, handler Handler, policy Policy, opts ...ConsumerOption) (*Consumer, error) {
	if reader == nil {
		return nil, fmt.Errorf("kafka reader required")
	}
	if handler == nil || policy == nil {
		return nil, fmt.Errorf("handler and policy required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	c := &Consumer{
		cfg:     cfg,
		reader:  reader,
		handler: handler,
		policy:  policy,
		logger:  slog.Default(),
		tracer:  otel.Tracer("dmfgate/broker"),
		offsets: newOffsetTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("queue", cfg.Name)
	return c, nil
}

// Run consumes until ctx is done or a message cannot be settled.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	lanes := make([]chan *Message, c.cfg.Concurrency)
	for i := range lanes {
		lane := make(chan *Message)
		lanes[i] = lane
		g.Go(func() error {
			for msg := range lane {
				if err := c.process(gctx, msg); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			km, err := c.reader.FetchMessage(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to fetch from %s: %w", c.cfg.Name, err)
			}
			msg := fromKafka(km)
			c.offsets.track(km)
			select {
			case lanes[c.lane(msg)] <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	c.logger.Info("consumer started", "concurrency", c.cfg.Concurrency)
	err := g.Wait()
	c.logger.Info("consumer stopped")
	return err
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) lane(msg *Message) int {
	n := c.cfg.Concurrency
	if msg.Key == "" {
		return msg.raw.Partition % n
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(msg.Key))
	return int(h.Sum32() % uint32(n))
}

// process delivers msg until it is settled. It returns an error only when
// the settlement itself fails.
func (c *Consumer) process(ctx context.Context, msg *Message) error {
	msgType := msg.Header(TypeHeader)
	if msgType == "" {
		msgType = "unknown"
	}

	for attempt := 1; ; attempt++ {
		msg.Attempt = attempt
		start := time.Now()
		err := c.deliver(ctx, msg)
		c.observeDuration(msgType, time.Since(start))

		if err == nil {
			c.count(msgType, "acked")
			return c.commit(ctx, msg)
		}

		decision := DeadLetter
		reason := "panic"
		if !errors.Is(err, ErrHandlerPanic) {
			decision = c.policy.Decide(ctx, msg, err)
			reason = "rejected"
		}
		if decision == Requeue && c.cfg.MaxDeliveries > 0 && attempt >= c.cfg.MaxDeliveries {
			decision = DeadLetter
			reason = "delivery_limit"
		}
		if ctx.Err() != nil {
			// Left uncommitted; the group redelivers it after restart.
			return nil
		}

		switch decision {
		case Ack:
			c.count(msgType, "acked")
			return c.commit(ctx, msg)
		case Requeue:
			c.count(msgType, "requeued")
			if c.metrics != nil {
				c.metrics.RequeuesTotal.Inc()
			}
			c.logger.WarnContext(ctx, "message requeued", "type", msgType, "attempt", attempt, "error", err)
			continue
		default:
			c.count(msgType, "dead_lettered")
			if dlErr := c.deadLetter(ctx, msg, reason, err); dlErr != nil {
				return dlErr
			}
			return c.commit(ctx, msg)
		}
	}
}

// deliver runs the handler in a span and sends its reply.
func (c *Consumer) deliver(ctx context.Context, msg *Message) (err error) {
	ctx = telemetry.ExtractHeaders(ctx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, "dmf.consume "+c.cfg.Name, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(telemetry.NewSafeAttributes().
		MessagingSystem("kafka").
		MessagingDestination(msg.Topic).
		MessageType(msg.Header(TypeHeader), msg.Header(TopicHeader)).
		Redelivered(msg.Attempt).
		Build()...)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
		}
	}()

	reply, err := c.handler.Handle(ctx, msg)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return c.reply(ctx, msg, reply)
}

func (c *Consumer) reply(ctx context.Context, in, reply *Message) error {
	address := reply.Address
	if address == "" && in.ReplyTo != "" {
		address = ReplyAddress(c.cfg.VHost, in.ReplyTo)
	}
	if address == "" {
		c.logger.DebugContext(ctx, "reply dropped, no reply address", "type", in.Header(TypeHeader))
		return nil
	}
	if reply.CorrelationID == "" {
		reply.CorrelationID = in.CorrelationID
	}
	if c.sender == nil {
		return fmt.Errorf("no reply sender configured")
	}
	if err := c.sender.Send(ctx, address, reply); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, msg *Message, reason string, cause error) error {
	c.logger.ErrorContext(ctx, "message dead-lettered",
		"type", msg.Header(TypeHeader),
		"topic", msg.Header(TopicHeader),
		"reason", reason,
		"error", cause)
	if c.metrics != nil {
		c.metrics.DeadLettersTotal.WithLabelValues(reason).Inc()
	}
	if c.cfg.DeadLetterTopic == "" || c.deadLetters == nil {
		return nil
	}

	dl := msg.Clone()
	dl.SetHeader(PropertyDeathReason, cause.Error())
	dl.SetHeader(PropertyDeliveryCount, strconv.Itoa(msg.Attempt))
	dl.SetHeader("x-original-topic", msg.Topic)
	if err := c.deadLetters.WriteTopic(ctx, c.cfg.DeadLetterTopic, dl); err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	return nil
}

// commit settles msg. The partition offset is committed once every message
// fetched before it is settled too.
func (c *Consumer) commit(ctx context.Context, msg *Message) error {
	return c.offsets.settle(msg.raw, func(km kafka.Message) error {
		if err := c.reader.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset: %w", err)
		}
		return nil
	})
}

func (c *Consumer) count(msgType, outcome string) {
	if c.metrics != nil {
		c.metrics.MessagesTotal.WithLabelValues(msgType, outcome).Inc()
	}
}

func (c *Consumer) observeDuration(msgType string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.MessageDuration.WithLabelValues(msgType).Observe(d.Seconds())
	}
}
