package dmf_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/dmfgate/internal/dmf"
	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/internal/testutil/inmemory"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/metrics"
	"github.com/witlox/dmfgate/pkg/models"
)

func TestCanReport(t *testing.T) {
	assert.True(t, dmf.CanReport(models.StatusCanceling, models.StatusCancelRejected))
	assert.False(t, dmf.CanReport(models.StatusRunning, models.StatusCancelRejected))
	assert.False(t, dmf.CanReport(models.StatusRunning, models.StatusCanceling))
	assert.True(t, dmf.CanReport(models.StatusFinished, models.StatusRunning))
	assert.False(t, dmf.CanReport(models.StatusRunning, models.Status("BOGUS")))
}

func TestNext(t *testing.T) {
	tests := []struct {
		current, reported models.Status
		entry, next       models.Status
	}{
		{models.StatusRunning, models.StatusRunning, models.StatusRunning, models.StatusRunning},
		{models.StatusRunning, models.StatusDownload, models.StatusDownload, models.StatusRunning},
		{models.StatusRunning, models.StatusRetrieved, models.StatusRetrieved, models.StatusRunning},
		{models.StatusRunning, models.StatusWarning, models.StatusWarning, models.StatusRunning},
		{models.StatusRunning, models.StatusError, models.StatusError, models.StatusError},
		{models.StatusRunning, models.StatusFinished, models.StatusFinished, models.StatusFinished},
		{models.StatusRunning, models.StatusCanceled, models.StatusCanceled, models.StatusCanceled},
		{models.StatusError, models.StatusRunning, models.StatusRunning, models.StatusRunning},
		{models.StatusCanceling, models.StatusRunning, models.StatusRunning, models.StatusCanceling},
		{models.StatusCanceling, models.StatusCanceled, models.StatusCanceled, models.StatusCanceled},
		{models.StatusCanceling, models.StatusFinished, models.StatusFinished, models.StatusFinished},
		{models.StatusCanceling, models.StatusCancelRejected, models.StatusWarning, models.StatusCanceling},
		{models.StatusFinished, models.StatusRunning, models.StatusRunning, models.StatusFinished},
		{models.StatusCanceled, models.StatusFinished, models.StatusFinished, models.StatusCanceled},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"/"+string(tt.reported), func(t *testing.T) {
			entry, next, err := dmf.Next(tt.current, tt.reported)
			require.NoError(t, err)
			assert.Equal(t, tt.entry, entry)
			assert.Equal(t, tt.next, next)
		})
	}
}

func TestNext_Rejected(t *testing.T) {
	_, next, err := dmf.Next(models.StatusRunning, models.StatusCancelRejected)
	var protocol *errors.ProtocolError
	require.ErrorAs(t, err, &protocol)
	assert.Equal(t, dmf.RuleCancelRejectedState, protocol.Rule)
	assert.Equal(t, models.StatusRunning, next)

	_, _, err = dmf.Next(models.StatusRunning, models.StatusCanceling)
	var structural *errors.StructuralError
	require.ErrorAs(t, err, &structural)
	assert.Equal(t, "actionStatus", structural.Field)
}

func TestApply_RecordsEntry(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	mm := metrics.NewMessagingMetricsFor(reg)
	h := newHarness(t, dmf.WithClock(func() time.Time { return received }), dmf.WithStatusMetrics(mm))
	h.store.AddDevice(tenant, "device-1", deviceAddr, "token")
	action := h.store.AddAction(tenant, "device-1", models.StatusRunning, firmware("app.bin"))

	code := 200
	tr, err := h.machine.Apply(controllerCtx(), dmf.StatusUpdate{
		ActionID:      action.ID,
		Status:        "DOWNLOAD",
		Messages:      []string{"fetching"},
		Code:          &code,
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, tr.Action.Status)
	assert.Nil(t, tr.Next)

	entries := h.store.Statuses(action.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusDownload, entries[0].Status)
	assert.Equal(t, received, entries[0].OccurredAt)
	assert.Equal(t, security.ControllerAuditor, entries[0].CreatedBy)
	assert.Equal(t, []string{
		"fetching",
		"Device reported status code: 200",
		"Update Server: DMF message correlation-id corr-1",
	}, entries[0].Messages)

	device := h.store.Device(tenant, "device-1")
	require.NotNil(t, device.LastPoll)
	assert.Equal(t, received, *device.LastPoll)
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.ActionStatusTotal.WithLabelValues("DOWNLOAD")))
}

func TestApply_CancelRejected(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "token")

	t.Run("while running", func(t *testing.T) {
		action := h.store.AddAction(tenant, "device-1", models.StatusRunning)
		_, err := h.machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: action.ID, Status: "CANCEL_REJECTED"})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrProtocolViolation)
		assert.True(t, dmf.IsFatal(err))
		assert.Empty(t, h.store.Statuses(action.ID))
		assert.Equal(t, models.StatusRunning, h.store.Action(action.ID).Status)
	})

	t.Run("while canceling", func(t *testing.T) {
		action := h.store.AddAction(tenant, "device-1", models.StatusCanceling)
		tr, err := h.machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: action.ID, Status: "CANCEL_REJECTED"})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCanceling, tr.Action.Status)
		entries := h.store.Statuses(action.ID)
		require.Len(t, entries, 1)
		assert.Equal(t, models.StatusWarning, entries[0].Status)
	})
}

func TestApply_TerminalActionKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "token")
	action := h.store.AddAction(tenant, "device-1", models.StatusFinished)

	tr, err := h.machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: action.ID, Status: "RUNNING"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, tr.Action.Status)
	assert.Len(t, h.store.Statuses(action.ID), 1)
}

func TestApply_Quota(t *testing.T) {
	h := newHarness(t, dmf.WithMaxStatusEntries(2))
	h.store.AddDevice(tenant, "device-1", deviceAddr, "token")
	action := h.store.AddAction(tenant, "device-1", models.StatusRunning)

	for i := 0; i < 2; i++ {
		_, err := h.machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: action.ID, Status: "RUNNING"})
		require.NoError(t, err)
	}
	_, err := h.machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: action.ID, Status: "RUNNING"})
	require.ErrorIs(t, err, errors.ErrTooManyStatusEntries)
	assert.True(t, dmf.IsFatal(err))
	assert.Len(t, h.store.Statuses(action.ID), 2)
}

func TestApply_InvalidUpdates(t *testing.T) {
	h := newHarness(t)

	_, err := h.machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: 999999, Status: "RUNNING"})
	var protocol *errors.ProtocolError
	require.ErrorAs(t, err, &protocol)
	assert.Equal(t, dmf.RuleActionExists, protocol.Rule)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = h.machine.Apply(controllerCtx(), dmf.StatusUpdate{Status: "RUNNING"})
	var structural *errors.StructuralError
	require.ErrorAs(t, err, &structural)
	assert.Equal(t, "actionId", structural.Field)

	_, err = h.machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: 1, Status: "DONE"})
	require.ErrorAs(t, err, &structural)
	assert.Equal(t, "actionStatus", structural.Field)
}

func TestApply_NextAction(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "token")
	first := h.store.AddAction(tenant, "device-1", models.StatusRunning)
	second := h.store.AddAction(tenant, "device-1", models.StatusRunning)

	tr, err := h.machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: first.ID, Status: "RUNNING"})
	require.NoError(t, err)
	assert.Nil(t, tr.Next, "the updated action is still the oldest")

	tr, err = h.machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: first.ID, Status: "FINISHED"})
	require.NoError(t, err)
	require.NotNil(t, tr.Next)
	assert.Equal(t, second.ID, tr.Next.ID)
}

// cancelingStore cancels the action while a report is being applied, after
// the machine has read it.
type cancelingStore struct {
	*inmemory.Store
	actionID int64
	always   bool
	done     bool
}

func (s *cancelingStore) UpdateLastPoll(ctx context.Context, controllerID string, at time.Time) error {
	if !s.done {
		s.Store.CancelAction(s.actionID)
		s.done = true
	}
	return s.Store.UpdateLastPoll(ctx, controllerID, at)
}

func (s *cancelingStore) FindAction(ctx context.Context, actionID int64) (*models.Action, error) {
	a, err := s.Store.FindAction(ctx, actionID)
	if err == nil && s.always {
		// Pretend the cancel is never visible to the read.
		a.Status = models.StatusRunning
	}
	return a, err
}

func TestApply_ConcurrentCancelIsKept(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "token")
	action := h.store.AddAction(tenant, "device-1", models.StatusRunning)

	machine := dmf.NewStatusMachine(&cancelingStore{Store: h.store, actionID: action.ID})
	tr, err := machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: action.ID, Status: "RUNNING"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCanceling, tr.Action.Status)
	assert.Equal(t, models.StatusCanceling, h.store.Action(action.ID).Status)
	statuses := h.store.Statuses(action.ID)
	require.Len(t, statuses, 1)
	assert.Equal(t, models.StatusRunning, statuses[0].Status)
}

func TestApply_PersistentConflictIsTransient(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "token")
	action := h.store.AddAction(tenant, "device-1", models.StatusRunning)

	machine := dmf.NewStatusMachine(&cancelingStore{Store: h.store, actionID: action.ID, always: true})
	_, err := machine.Apply(controllerCtx(), dmf.StatusUpdate{ActionID: action.ID, Status: "FINISHED"})
	require.ErrorIs(t, err, errors.ErrConflict)
	assert.False(t, dmf.IsFatal(err))
	assert.Empty(t, h.store.Statuses(action.ID))
	assert.Equal(t, models.StatusCanceling, h.store.Action(action.ID).Status)
}
