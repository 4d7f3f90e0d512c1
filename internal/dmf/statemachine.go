package dmf

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/metrics"
	"github.com/witlox/dmfgate/pkg/models"
)

// DefaultMaxStatusEntries bounds the status history of one action.
const DefaultMaxStatusEntries = 1000

// statusWriteAttempts bounds re-reads of an action that changed between the
// read and the status write.
const statusWriteAttempts = 3

// Rule names of protocol violations.
const (
	RuleActionExists        = "action-exists"
	RuleCancelRejectedState = "cancel-rejected-requires-canceling"
	RuleMaxStatusEntries    = "max-status-entries"
)

// StatusUpdate is one device status report.
type StatusUpdate struct {
	ActionID      int64
	Status        string
	Messages      []string
	Code          *int
	CorrelationID string
}

// Transition is the outcome of an applied status report.
type Transition struct {
	// Action is the action after the report.
	Action *models.Action
	// Entry is the appended status entry.
	Entry *models.ActionStatus
	// Next is an action whose command should now be sent to the device,
	// or nil.
	Next *models.Action
}

// CanReport reports whether a device may report status while the action is
// in current.
func CanReport(current, reported models.Status) bool {
	switch reported {
	case models.StatusCancelRejected:
		return current == models.StatusCanceling
	case models.StatusCanceling:
		return false
	}
	_, ok := models.ParseStatus(string(reported))
	return ok
}

// Next returns the status recorded for a report and the resulting action
// status. Terminal actions keep their status. A canceling action stays
// canceling until the device confirms the cancellation or finishes; a
// rejected cancellation is recorded as a warning. Warning, download and
// retrieved are annotations on a running action.
func Next(current, reported models.Status) (entry, next models.Status, err error) {
	if !CanReport(current, reported) {
		if reported == models.StatusCancelRejected {
			return "", current, errors.NewProtocolError(RuleCancelRejectedState,
				fmt.Errorf("%w: cancel rejected while action is %s", errors.ErrProtocolViolation, current))
		}
		return "", current, errors.NewStructuralError("actionStatus", "status "+string(reported)+" cannot be reported")
	}

	switch {
	case reported == models.StatusCancelRejected:
		return models.StatusWarning, models.StatusCanceling, nil
	case current.IsTerminal():
		return reported, current, nil
	case reported.IsTerminal():
		return reported, reported, nil
	case current == models.StatusCanceling:
		return reported, models.StatusCanceling, nil
	case reported == models.StatusRunning, reported == models.StatusError:
		return reported, reported, nil
	default:
		return reported, models.StatusRunning, nil
	}
}

// StatusMachine applies device status reports to actions.
type StatusMachine struct {
	controllers ControllerManagement
	maxEntries  int
	now         func() time.Time
	metrics     *metrics.MessagingMetrics
	logger      *slog.Logger
}

// StatusMachineOption configures a StatusMachine.
type StatusMachineOption func(*StatusMachine)

// WithMaxStatusEntries sets the per-action entry quota. Zero or less
// disables the quota.
func WithMaxStatusEntries(n int) StatusMachineOption {
	return func(m *StatusMachine) { m.maxEntries = n }
}

// WithClock sets the receipt clock.
func WithClock(now func() time.Time) StatusMachineOption {
	return func(m *StatusMachine) { m.now = now }
}

// WithStatusMetrics records applied reports.
func WithStatusMetrics(mm *metrics.MessagingMetrics) StatusMachineOption {
	return func(m *StatusMachine) { m.metrics = mm }
}

// WithStatusLogger sets the logger.
func WithStatusLogger(l *slog.Logger) StatusMachineOption {
	return func(m *StatusMachine) { m.logger = l }
}

// NewStatusMachine creates a status machine.
func NewStatusMachine(controllers ControllerManagement, opts ...StatusMachineOption) *StatusMachine {
	m := &StatusMachine{
		controllers: controllers,
		maxEntries:  DefaultMaxStatusEntries,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply records a status report and moves the action accordingly.
func (m *StatusMachine) Apply(ctx context.Context, u StatusUpdate) (*Transition, error) {
	receivedAt := m.now()

	if u.ActionID <= 0 {
		return nil, errors.NewStructuralError("actionId", "missing or invalid")
	}
	reported, ok := models.ParseStatus(u.Status)
	if !ok {
		return nil, errors.NewStructuralError("actionStatus", "unknown status "+quoteOrNone(u.Status))
	}

	action, err := m.controllers.FindAction(ctx, u.ActionID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NewProtocolError(RuleActionExists,
				fmt.Errorf("action %d: %w", u.ActionID, errors.ErrNotFound))
		}
		return nil, fmt.Errorf("failed to find action %d: %w", u.ActionID, err)
	}

	entryStatus, nextStatus, err := Next(action.Status, reported)
	if err != nil {
		return nil, err
	}

	if m.maxEntries > 0 {
		count, err := m.controllers.CountStatusEntries(ctx, action.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count status entries: %w", err)
		}
		if count >= m.maxEntries {
			return nil, errors.NewProtocolError(RuleMaxStatusEntries,
				fmt.Errorf("action %d has %d entries: %w", action.ID, count, errors.ErrTooManyStatusEntries))
		}
	}

	if err := m.controllers.UpdateLastPoll(ctx, action.ControllerID, receivedAt); err != nil {
		return nil, fmt.Errorf("failed to update last poll: %w", err)
	}

	var entry *models.ActionStatus
	var updated *models.Action
	for attempt := 1; ; attempt++ {
		entry = &models.ActionStatus{
			ActionID:   action.ID,
			Status:     entryStatus,
			Messages:   m.messages(u),
			OccurredAt: receivedAt,
			CreatedBy:  security.Auditor(ctx),
		}
		updated, err = m.controllers.AddActionStatus(ctx, entry, action.Status, nextStatus)
		if err == nil {
			break
		}
		if !errors.Is(err, errors.ErrConflict) || attempt == statusWriteAttempts {
			return nil, fmt.Errorf("failed to add action status: %w", err)
		}

		// The action moved, e.g. an operator canceled it. Re-evaluate the
		// report against its current status.
		if action, err = m.controllers.FindAction(ctx, u.ActionID); err != nil {
			return nil, fmt.Errorf("failed to find action %d: %w", u.ActionID, err)
		}
		if entryStatus, nextStatus, err = Next(action.Status, reported); err != nil {
			return nil, err
		}
	}
	if m.metrics != nil {
		m.metrics.ActionStatusTotal.WithLabelValues(string(reported)).Inc()
	}
	if action.Status.IsTerminal() {
		m.logger.InfoContext(ctx, "status reported for closed action",
			"action_id", action.ID, "status", reported, "action_status", action.Status)
	}

	t := &Transition{Action: updated, Entry: entry}

	oldest, err := m.controllers.FindOldestActiveAction(ctx, updated.ControllerID)
	switch {
	case errors.Is(err, errors.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to find next action: %w", err)
	case oldest.ID != updated.ID:
		t.Next = oldest
	}
	return t, nil
}

func (m *StatusMachine) messages(u StatusUpdate) []string {
	msgs := make([]string, 0, len(u.Messages)+2)
	msgs = append(msgs, u.Messages...)
	if u.Code != nil {
		msgs = append(msgs, "Device reported status code: "+strconv.Itoa(*u.Code))
	}
	if u.CorrelationID != "" {
		msgs = append(msgs, ServerMessagePrefix+"DMF message correlation-id "+u.CorrelationID)
	}
	return msgs
}
