package dmf_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/dmfgate/internal/dmf"
	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/broker"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/models"
)

func TestRouter_ThingCreatedRegistersDevice(t *testing.T) {
	h := newHarness(t)

	reply, err := h.router.Handle(context.Background(), inbound(dmf.TypeThingCreated, "new-device", nil))
	require.NoError(t, err)
	assert.Nil(t, reply)

	device := h.store.Device(tenant, "new-device")
	require.NotNil(t, device)
	assert.Equal(t, deviceAddr, device.Address)
	assert.Equal(t, "new-device", device.Name)
	assert.NotEmpty(t, device.SecurityToken)
	assert.Empty(t, h.sender.messages(), "no command without an active action")
}

func TestRouter_ThingCreatedWithBody(t *testing.T) {
	h := newHarness(t)

	msg := inbound(dmf.TypeThingCreated, "device-1", dmf.CreateThing{
		Name: "Kitchen sensor",
		Type: "sensor",
		AttributeUpdate: &dmf.AttributeUpdate{
			Attributes: map[string]string{"hw": "rev2"},
		},
	})
	_, err := h.router.Handle(context.Background(), msg)
	require.NoError(t, err)

	device := h.store.Device(tenant, "device-1")
	require.NotNil(t, device)
	assert.Equal(t, "Kitchen sensor", device.Name)
	assert.Equal(t, "sensor", device.Type)
	assert.Equal(t, map[string]string{"hw": "rev2"}, device.Attributes)
}

func TestRouter_ThingCreatedEmptyStringBody(t *testing.T) {
	h := newHarness(t)
	msg := inbound(dmf.TypeThingCreated, "device-1", nil)
	msg.Body = []byte(`""`)
	msg.ContentType = broker.ContentTypeJSON

	_, err := h.router.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.NotNil(t, h.store.Device(tenant, "device-1"))
}

func TestRouter_ThingCreatedSendsActiveAction(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "device-token")
	action := h.store.AddAction(tenant, "device-1", models.StatusRunning,
		firmware("os.img"), firmware("app.bin"), firmware("config.tar"))

	_, err := h.router.Handle(context.Background(), inbound(dmf.TypeThingCreated, "device-1", nil))
	require.NoError(t, err)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, deviceAddr, sent[0].address)
	assert.Equal(t, string(dmf.TypeEvent), sent[0].msg.Header(dmf.HeaderType))
	assert.Equal(t, string(dmf.TopicDownloadAndInstall), sent[0].msg.Header(dmf.HeaderTopic))
	assert.Equal(t, "device-1", sent[0].msg.Header(dmf.HeaderThingID))

	var req dmf.DownloadAndUpdateRequest
	decode(t, sent[0].msg, &req)
	assert.Equal(t, action.ID, req.ActionID)
	assert.Equal(t, "device-token", req.TargetSecurityToken)
	assert.Len(t, req.SoftwareModules, 3)
}

func TestRouter_ThingCreatedSendsCancel(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "device-token")
	action := h.store.AddAction(tenant, "device-1", models.StatusCanceling, firmware("os.img"))

	_, err := h.router.Handle(context.Background(), inbound(dmf.TypeThingCreated, "device-1", nil))
	require.NoError(t, err)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, string(dmf.TopicCancelDownload), sent[0].msg.Header(dmf.HeaderTopic))
	var req dmf.ActionRequest
	decode(t, sent[0].msg, &req)
	assert.Equal(t, action.ID, req.ActionID)
}

func TestRouter_ThingCreatedRequiresReplyTo(t *testing.T) {
	h := newHarness(t)
	msg := inbound(dmf.TypeThingCreated, "device-1", nil)
	msg.ReplyTo = ""

	_, err := h.router.Handle(context.Background(), msg)
	var structural *errors.StructuralError
	require.ErrorAs(t, err, &structural)
	assert.Equal(t, broker.PropertyReplyTo, structural.Field)
	assert.Nil(t, h.store.Device(tenant, "device-1"))
}

func TestRouter_MandatoryHeaders(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		msg   func() *broker.Message
		field string
	}{
		{"no type", func() *broker.Message {
			m := inbound(dmf.TypeThingCreated, "d", nil)
			delete(m.Headers, dmf.HeaderType)
			return m
		}, dmf.HeaderType},
		{"no tenant", func() *broker.Message {
			m := inbound(dmf.TypeThingCreated, "d", nil)
			delete(m.Headers, dmf.HeaderTenant)
			return m
		}, dmf.HeaderTenant},
		{"no thing id", func() *broker.Message {
			return inbound(dmf.TypeThingCreated, "", nil)
		}, dmf.HeaderThingID},
		{"unknown type", func() *broker.Message {
			return inbound(dmf.MessageType("REBOOT"), "d", nil)
		}, dmf.HeaderType},
		{"event without topic", func() *broker.Message {
			return inbound(dmf.TypeEvent, "d", map[string]any{})
		}, dmf.HeaderTopic},
		{"unknown topic", func() *broker.Message {
			return event(dmf.EventTopic("REBOOT"), "d", map[string]any{})
		}, dmf.HeaderTopic},
		{"event not json", func() *broker.Message {
			m := statusEvent(1, models.StatusRunning)
			m.ContentType = "text/plain"
			return m
		}, "content_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.router.Handle(context.Background(), tt.msg())
			var structural *errors.StructuralError
			require.ErrorAs(t, err, &structural)
			assert.Equal(t, tt.field, structural.Field)
			assert.True(t, dmf.IsFatal(err))
		})
	}
}

func TestRouter_StatusUpdateFinished(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "device-token")
	action := h.store.AddAction(tenant, "device-1", models.StatusRunning, firmware("os.img"))

	msg := statusEvent(action.ID, models.StatusFinished, "installed")
	msg.CorrelationID = "corr-42"
	_, err := h.router.Handle(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFinished, h.store.Action(action.ID).Status)
	assert.Empty(t, h.sender.messages())

	entries := h.store.Statuses(action.ID)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Messages, "Update Server: DMF message correlation-id corr-42")
	assert.Equal(t, security.ControllerAuditor, entries[0].CreatedBy)
}

func TestRouter_StatusUpdateSendsNextAction(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "device-token")
	first := h.store.AddAction(tenant, "device-1", models.StatusRunning, firmware("os.img"))
	second := h.store.AddAction(tenant, "device-1", models.StatusRunning, firmware("app.bin"))

	_, err := h.router.Handle(context.Background(), statusEvent(first.ID, models.StatusFinished))
	require.NoError(t, err)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	var req dmf.DownloadAndUpdateRequest
	decode(t, sent[0].msg, &req)
	assert.Equal(t, second.ID, req.ActionID)
}

func TestRouter_StatusUpdateUnknownAction(t *testing.T) {
	h := newHarness(t)
	_, err := h.router.Handle(context.Background(), statusEvent(999999, models.StatusRunning))
	require.ErrorIs(t, err, errors.ErrNotFound)
	assert.True(t, dmf.IsFatal(err))
}

func TestRouter_UpdateAttributes(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "device-token")

	send := func(mode models.AttributeUpdateMode, attrs map[string]string) error {
		_, err := h.router.Handle(context.Background(), event(dmf.TopicUpdateAttributes, "device-1",
			dmf.AttributeUpdate{Attributes: attrs, Mode: mode}))
		return err
	}

	require.NoError(t, send("", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, send(models.AttributeUpdateMerge, map[string]string{"c": "3"}))
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, h.store.Device(tenant, "device-1").Attributes)

	require.NoError(t, send(models.AttributeUpdateRemove, map[string]string{"a": ""}))
	assert.Equal(t, map[string]string{"b": "2", "c": "3"}, h.store.Device(tenant, "device-1").Attributes)

	require.NoError(t, send(models.AttributeUpdateReplace, map[string]string{"z": "26"}))
	assert.Equal(t, map[string]string{"z": "26"}, h.store.Device(tenant, "device-1").Attributes)

	var structural *errors.StructuralError
	require.ErrorAs(t, send("APPEND", map[string]string{"x": "1"}), &structural)
	assert.Equal(t, "mode", structural.Field)

	err := func() error {
		_, err := h.router.Handle(context.Background(), event(dmf.TopicUpdateAttributes, "ghost",
			dmf.AttributeUpdate{Attributes: map[string]string{"a": "1"}}))
		return err
	}()
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRouter_ThingRemoved(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "device-token")

	_, err := h.router.Handle(context.Background(), inbound(dmf.TypeThingRemoved, "device-1", nil))
	require.NoError(t, err)
	assert.Nil(t, h.store.Device(tenant, "device-1"))

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, string(dmf.TypeThingDeleted), sent[0].msg.Header(dmf.HeaderType))
	assert.Equal(t, deviceAddr, sent[0].address)

	_, err = h.router.Handle(context.Background(), inbound(dmf.TypeThingRemoved, "device-1", nil))
	require.NoError(t, err, "removing an unknown device is a no-op")
	assert.Len(t, h.sender.messages(), 1)
}

func TestRouter_Ping(t *testing.T) {
	h := newHarness(t)

	msg := inbound(dmf.TypePing, "", nil)
	_, err := h.router.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Empty(t, h.sender.messages(), "no reply without correlation id")

	msg.CorrelationID = "ping-1"
	_, err = h.router.Handle(context.Background(), msg)
	require.NoError(t, err)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, deviceAddr, sent[0].address)
	assert.Equal(t, string(dmf.TypePingResponse), sent[0].msg.Header(dmf.HeaderType))
	assert.Equal(t, "ping-1", sent[0].msg.CorrelationID)
	assert.Equal(t, broker.ContentTypeText, sent[0].msg.ContentType)
	assert.Regexp(t, `^\d+$`, string(sent[0].msg.Body))
}

func TestRouter_KeepsCallerContext(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "device-token")
	h.store.AddAction(tenant, "device-1", models.StatusRunning, firmware("os.img"))

	outer := security.SystemContext("OTHER")
	ctx := security.ContextWith(context.Background(), outer)

	_, err := h.router.Handle(ctx, inbound(dmf.TypeThingCreated, "device-1", nil))
	require.NoError(t, err)
	assert.Same(t, outer, security.FromContext(ctx))
	assert.Len(t, h.sender.messages(), 1, "the message tenant wins over the caller's")
}

func TestRouter_SenderFailureIsTransient(t *testing.T) {
	h := newHarness(t)
	h.store.AddDevice(tenant, "device-1", deviceAddr, "device-token")
	h.store.AddAction(tenant, "device-1", models.StatusRunning, firmware("os.img"))
	h.sender.err = assert.AnError

	_, err := h.router.Handle(context.Background(), inbound(dmf.TypeThingCreated, "device-1", nil))
	require.Error(t, err)
	assert.False(t, dmf.IsFatal(err))
}
