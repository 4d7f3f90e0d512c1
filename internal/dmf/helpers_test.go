package dmf_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/witlox/dmfgate/internal/dmf"
	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/internal/testutil/inmemory"
	"github.com/witlox/dmfgate/pkg/broker"
	"github.com/witlox/dmfgate/pkg/models"
)

const (
	tenant     = "DEFAULT"
	vhost      = "dmf"
	replyTo    = "device-replies"
	deviceAddr = "amqp://dmf/device-replies"
)

type sentMessage struct {
	address string
	msg     *broker.Message
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, address string, msg *broker.Message) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{address: address, msg: msg})
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// harness wires a router over the in-memory store.
type harness struct {
	store      *inmemory.Store
	sender     *fakeSender
	machine    *dmf.StatusMachine
	dispatcher *dmf.Dispatcher
	router     *dmf.Router
}

func newHarness(t *testing.T, opts ...dmf.StatusMachineOption) *harness {
	t.Helper()
	store := inmemory.NewStore()
	store.AddTenant(models.TenantConfiguration{Tenant: tenant})
	sender := &fakeSender{}
	machine := dmf.NewStatusMachine(store, opts...)
	dispatcher := dmf.NewDispatcher(sender, dmf.WithArtifactBaseURL("https://artifacts.example.com"))
	router := dmf.NewRouter(store, machine, dispatcher, security.NewPropagator(true, nil), dmf.WithVirtualHost(vhost))
	return &harness{store: store, sender: sender, machine: machine, dispatcher: dispatcher, router: router}
}

// controllerCtx is the context the router installs for inbound messages.
func controllerCtx() context.Context {
	return security.ContextWith(context.Background(),
		security.ControllerContext(tenant, dmf.AnonymousControllerActor, security.RoleControllerAnonymous))
}

func inbound(msgType dmf.MessageType, thingID string, body any) *broker.Message {
	msg := &broker.Message{
		Headers: map[string]string{
			dmf.HeaderType:   string(msgType),
			dmf.HeaderTenant: tenant,
		},
		ReplyTo: replyTo,
	}
	if thingID != "" {
		msg.Headers[dmf.HeaderThingID] = thingID
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		msg.Body = raw
		msg.ContentType = broker.ContentTypeJSON
	}
	return msg
}

func event(topic dmf.EventTopic, thingID string, body any) *broker.Message {
	msg := inbound(dmf.TypeEvent, thingID, body)
	msg.Headers[dmf.HeaderTopic] = string(topic)
	return msg
}

func statusEvent(actionID int64, status models.Status, messages ...string) *broker.Message {
	return event(dmf.TopicUpdateActionStatus, "", dmf.ActionUpdateStatus{
		ActionID:     actionID,
		ActionStatus: string(status),
		Message:      messages,
	})
}

func firmware(filenames ...string) models.SoftwareModule {
	sm := models.SoftwareModule{
		Type:     "firmware",
		Name:     "fw",
		Version:  "1.0.0",
		Metadata: map[string]string{"b": "2", "a": "1"},
	}
	for _, f := range filenames {
		sm.Artifacts = append(sm.Artifacts, models.Artifact{
			Filename:     f,
			Size:         1024,
			SHA1:         "sha1-" + f,
			MD5:          "md5-" + f,
			SHA256:       "sha256-" + f,
			LastModified: time.UnixMilli(1700000000000),
		})
	}
	return sm
}

func decode(t *testing.T, msg *broker.Message, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(msg.Body, v))
}
