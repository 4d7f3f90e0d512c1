package dmf_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/witlox/dmfgate/internal/dmf"
	"github.com/witlox/dmfgate/pkg/broker"
	"github.com/witlox/dmfgate/pkg/errors"
)

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil", nil, false},
		{"structural", errors.NewStructuralError("type", "header is mandatory"), true},
		{"protocol", errors.NewProtocolError("rule", nil), true},
		{"wrapped not found", fmt.Errorf("lookup: %w", errors.ErrNotFound), true},
		{"quota", errors.ErrTooManyStatusEntries, true},
		{"forbidden", errors.ErrForbidden, true},
		{"malformed context", &errors.MalformedContextError{Field: "tenant"}, true},
		{"database down", fmt.Errorf("query: %w", errors.ErrInternalError), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, dmf.IsFatal(tt.err))
		})
	}
}

func TestRetryPolicy_Decide(t *testing.T) {
	p := dmf.NewRetryPolicy(10*time.Millisecond, nil)
	msg := inbound(dmf.TypeThingCreated, "device-1", nil)
	ctx := context.Background()

	assert.Equal(t, broker.Ack, p.Decide(ctx, msg, nil))
	assert.Equal(t, broker.DeadLetter, p.Decide(ctx, msg, errors.NewStructuralError("thingId", "header is mandatory")))

	start := time.Now()
	assert.Equal(t, broker.Requeue, p.Decide(ctx, msg, assert.AnError))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRetryPolicy_DelayHonorsContext(t *testing.T) {
	p := dmf.NewRetryPolicy(time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan broker.Decision, 1)
	go func() { done <- p.Decide(ctx, inbound(dmf.TypePing, "", nil), assert.AnError) }()

	select {
	case d := <-done:
		assert.Equal(t, broker.Requeue, d)
	case <-time.After(time.Second):
		t.Fatal("policy ignored context cancellation")
	}
}
