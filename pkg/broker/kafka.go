package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/witlox/dmfgate/pkg/telemetry"
)

// KafkaConfig holds the connection settings shared by readers and writers.
type KafkaConfig struct {
	Brokers []string
	GroupID string
	// TopicPrefix is prepended to exchange names to form topics.
	TopicPrefix string
}

func (c KafkaConfig) brokers() ([]string, error) {
	brokers := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	return brokers, nil
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a consumer group reader for topic.
func NewKafkaReader(cfg KafkaConfig, topic string) (*kafka.Reader, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
		// Offsets are committed explicitly once a message is settled.
		CommitInterval: 0,
	}), nil
}

// NewKafkaWriter creates a writer that takes the topic from each message.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}, nil
}

// Sender is the transport-send primitive.
type Sender interface {
	Send(ctx context.Context, address string, msg *Message) error
}

// KafkaSender sends messages to the topic named by a broker address.
type KafkaSender struct {
	writer kafkaWriter
	prefix string
}

// NewKafkaSender creates a sender over writer.
func NewKafkaSender(writer kafkaWriter, topicPrefix string) *KafkaSender {
	return &KafkaSender{writer: writer, prefix: topicPrefix}
}

// Send writes msg to the topic of address.
func (s *KafkaSender) Send(ctx context.Context, address string, msg *Message) error {
	if s == nil || s.writer == nil {
		return fmt.Errorf("kafka sender not initialized")
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	telemetry.InjectHeaders(ctx, msg.Headers)
	if err := s.writer.WriteMessages(ctx, msg.toKafka(s.Topic(addr))); err != nil {
		return fmt.Errorf("failed to send to %s: %w", addr.Exchange, err)
	}
	return nil
}

// Topic returns the Kafka topic an address maps to.
func (s *KafkaSender) Topic(addr Address) string {
	return s.prefix + addr.Exchange
}

// WriteTopic writes msg to a fixed topic, bypassing address resolution.
func (s *KafkaSender) WriteTopic(ctx context.Context, topic string, msg *Message) error {
	if s == nil || s.writer == nil {
		return fmt.Errorf("kafka sender not initialized")
	}
	return s.writer.WriteMessages(ctx, msg.toKafka(topic))
}

// Close closes the underlying writer.
func (s *KafkaSender) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
