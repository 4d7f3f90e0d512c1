package dmf

import (
	"context"
	"log/slog"
	"time"

	"github.com/witlox/dmfgate/pkg/broker"
	"github.com/witlox/dmfgate/pkg/errors"
)

// DefaultRequeueDelay is the pause before a transient failure is redelivered.
const DefaultRequeueDelay = time.Second

// fatalErrors are never redelivered.
var fatalErrors = []error{
	errors.ErrInvalidInput,
	errors.ErrNotFound,
	errors.ErrTenantNotFound,
	errors.ErrTooManyStatusEntries,
	errors.ErrProtocolViolation,
	errors.ErrMalformedContext,
	errors.ErrNoContext,
	errors.ErrBadCredentials,
	errors.ErrForbidden,
}

// IsFatal reports whether err can never succeed on redelivery.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var structural *errors.StructuralError
	var protocol *errors.ProtocolError
	if errors.As(err, &structural) || errors.As(err, &protocol) {
		return true
	}
	for _, target := range fatalErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// RetryPolicy dead-letters fatal failures and delays transient ones before
// they are redelivered.
type RetryPolicy struct {
	delay  time.Duration
	logger *slog.Logger
}

// NewRetryPolicy creates a policy. A non-positive delay uses
// DefaultRequeueDelay.
func NewRetryPolicy(delay time.Duration, logger *slog.Logger) *RetryPolicy {
	if delay <= 0 {
		delay = DefaultRequeueDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPolicy{delay: delay, logger: logger}
}

// Decide classifies err. Transient failures block for the requeue delay or
// until ctx is done.
func (p *RetryPolicy) Decide(ctx context.Context, msg *broker.Message, err error) broker.Decision {
	if err == nil {
		return broker.Ack
	}
	if IsFatal(err) {
		p.logRejected(ctx, msg, err)
		return broker.DeadLetter
	}

	p.logger.WarnContext(ctx, "transient failure, message will be redelivered",
		"type", msg.Header(HeaderType),
		"delay", p.delay,
		"error", err)

	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return broker.Requeue
}

func (p *RetryPolicy) logRejected(ctx context.Context, msg *broker.Message, err error) {
	var structural *errors.StructuralError
	if errors.As(err, &structural) {
		p.logger.ErrorContext(ctx, "malformed message rejected",
			"type", msg.Header(HeaderType),
			"field", structural.Field,
			"error", err)
		return
	}
	p.logger.WarnContext(ctx, "message rejected",
		"type", msg.Header(HeaderType),
		"topic", msg.Header(HeaderTopic),
		"thing_id", msg.Header(HeaderThingID),
		"error", err)
}
