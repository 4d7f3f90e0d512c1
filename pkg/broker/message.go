// Package broker moves DMF messages over Kafka. Messages carry the broker
// properties of the protocol (content type, correlation id, reply address)
// as Kafka headers next to the application headers.
package broker

import (
	"maps"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Property header keys.
const (
	PropertyContentType   = "content_type"
	PropertyCorrelationID = "correlation_id"
	PropertyReplyTo       = "reply_to"
	PropertyDeathReason   = "x-death-reason"
	PropertyDeliveryCount = "x-delivery-count"
)

// Content types.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// Message is one broker message.
type Message struct {
	// Topic is the Kafka topic the message was read from. Empty for
	// outbound messages; Send derives it from the address.
	Topic         string
	Key           string
	Headers       map[string]string
	ContentType   string
	CorrelationID string
	ReplyTo       string
	Body          []byte

	// Attempt counts deliveries of this message in the current process,
	// starting at 1.
	Attempt int

	// Address overrides the reply destination of a handler's reply. When
	// empty the reply goes to the inbound message's reply address.
	Address string

	raw kafka.Message
}

// Header returns an application header, or "" when absent.
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets an application header.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// IsJSON reports whether the content type names JSON.
func (m *Message) IsJSON() bool {
	return strings.Contains(strings.ToLower(m.ContentType), "json")
}

// Clone returns a copy that can be modified independently.
func (m *Message) Clone() *Message {
	c := *m
	c.Headers = maps.Clone(m.Headers)
	c.Body = append([]byte(nil), m.Body...)
	return &c
}

func fromKafka(km kafka.Message) *Message {
	m := &Message{
		Topic:   km.Topic,
		Key:     string(km.Key),
		Headers: make(map[string]string, len(km.Headers)),
		Body:    km.Value,
		raw:     km,
	}
	for _, h := range km.Headers {
		switch h.Key {
		case PropertyContentType:
			m.ContentType = string(h.Value)
		case PropertyCorrelationID:
			m.CorrelationID = string(h.Value)
		case PropertyReplyTo:
			m.ReplyTo = string(h.Value)
		default:
			m.Headers[h.Key] = string(h.Value)
		}
	}
	return m
}

func (m *Message) toKafka(topic string) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers)+3)
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if m.ContentType != "" {
		headers = append(headers, kafka.Header{Key: PropertyContentType, Value: []byte(m.ContentType)})
	}
	if m.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: PropertyCorrelationID, Value: []byte(m.CorrelationID)})
	}
	if m.ReplyTo != "" {
		headers = append(headers, kafka.Header{Key: PropertyReplyTo, Value: []byte(m.ReplyTo)})
	}
	km := kafka.Message{
		Topic:   topic,
		Value:   m.Body,
		Headers: headers,
	}
	if m.Key != "" {
		km.Key = []byte(m.Key)
	}
	return km
}
