package dmf

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/broker"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/models"
	"github.com/witlox/dmfgate/pkg/telemetry"
)

// Router handles messages of the device receive queue.
type Router struct {
	vhost       string
	controllers ControllerManagement
	machine     *StatusMachine
	dispatcher  *Dispatcher
	propagator  *security.Propagator
	logger      *slog.Logger
	tracer      trace.Tracer
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithVirtualHost sets the virtual host of reply addresses.
func WithVirtualHost(vhost string) RouterOption {
	return func(r *Router) { r.vhost = vhost }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router.
func NewRouter(controllers ControllerManagement, machine *StatusMachine, dispatcher *Dispatcher, propagator *security.Propagator, opts ...RouterOption) *Router {
	r := &Router{
		controllers: controllers,
		machine:     machine,
		dispatcher:  dispatcher,
		propagator:  propagator,
		logger:      slog.Default(),
		tracer:      otel.Tracer("dmfgate/dmf"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle routes one inbound message. Commands for the device are sent
// through the dispatcher; the router itself never replies.
func (r *Router) Handle(ctx context.Context, msg *broker.Message) (*broker.Message, error) {
	msgType := MessageType(msg.Header(HeaderType))
	tenant := msg.Header(HeaderTenant)
	if msgType == "" {
		return nil, errors.NewStructuralError(HeaderType, "header is mandatory")
	}
	if tenant == "" {
		return nil, errors.NewStructuralError(HeaderTenant, "header is mandatory")
	}
	if (msgType == TypeEvent || !isEmptyBody(msg.Body)) && !msg.IsJSON() {
		return nil, errors.NewStructuralError("content_type", "expected JSON, got "+quoteOrNone(msg.ContentType))
	}

	ctx, span := r.tracer.Start(ctx, "dmf.route "+string(msgType))
	defer span.End()
	span.SetAttributes(telemetry.NewSafeAttributes().MessageType(string(msgType), msg.Header(HeaderTopic)).Build()...)

	sc := security.ControllerContext(tenant, AnonymousControllerActor, security.RoleControllerAnonymous)
	err := security.With(ctx, sc, func(ctx context.Context) error {
		switch msgType {
		case TypeThingCreated:
			return r.thingCreated(ctx, msg)
		case TypeThingRemoved:
			return r.thingRemoved(ctx, msg)
		case TypeEvent:
			return r.event(ctx, msg)
		case TypePing:
			return r.ping(ctx, msg, tenant)
		default:
			return errors.NewStructuralError(HeaderType, "no handler for message type "+quoteOrNone(string(msgType)))
		}
	})
	return nil, err
}

func thingID(msg *broker.Message) (string, error) {
	id := msg.Header(HeaderThingID)
	if id == "" {
		return "", errors.NewStructuralError(HeaderThingID, "header is mandatory")
	}
	return id, nil
}

func (r *Router) thingCreated(ctx context.Context, msg *broker.Message) error {
	id, err := thingID(msg)
	if err != nil {
		return err
	}
	if msg.ReplyTo == "" {
		return errors.NewStructuralError(broker.PropertyReplyTo, "THING_CREATED requires a reply address")
	}
	address := broker.ReplyAddress(r.vhost, msg.ReplyTo)

	var reg *Registration
	var body CreateThing
	if !isEmptyBody(msg.Body) {
		if err := decodeBody(msg, &body); err != nil {
			return err
		}
		reg = &Registration{Name: body.Name, Type: body.Type}
	}

	device, err := r.controllers.FindOrRegisterDevice(ctx, id, address, reg)
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	r.logger.DebugContext(ctx, "device reported online", "controller_id", id)

	if body.AttributeUpdate != nil {
		if err := r.applyAttributes(ctx, id, body.AttributeUpdate); err != nil {
			return err
		}
	}

	action, err := r.controllers.FindOldestActiveAction(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find active action: %w", err)
	}
	return r.sendCommand(ctx, device, action)
}

func (r *Router) thingRemoved(ctx context.Context, msg *broker.Message) error {
	id, err := thingID(msg)
	if err != nil {
		return err
	}
	device, err := r.controllers.DeleteDevice(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		r.logger.DebugContext(ctx, "removed device did not exist", "controller_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return r.dispatcher.SendThingDeleted(ctx, device)
}

func (r *Router) event(ctx context.Context, msg *broker.Message) error {
	topic := EventTopic(msg.Header(HeaderTopic))
	switch topic {
	case "":
		return errors.NewStructuralError(HeaderTopic, "EVENT requires a topic")
	case TopicUpdateActionStatus:
		return r.updateActionStatus(ctx, msg)
	case TopicUpdateAttributes:
		return r.updateAttributes(ctx, msg)
	default:
		return errors.NewStructuralError(HeaderTopic, "no handler for event topic "+quoteOrNone(string(topic)))
	}
}

func (r *Router) updateActionStatus(ctx context.Context, msg *broker.Message) error {
	var body ActionUpdateStatus
	if err := decodeBody(msg, &body); err != nil {
		return err
	}

	t, err := r.machine.Apply(ctx, StatusUpdate{
		ActionID:      body.ActionID,
		Status:        body.ActionStatus,
		Messages:      body.Message,
		Code:          body.Code,
		CorrelationID: msg.CorrelationID,
	})
	if err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "action status updated",
		"action_id", t.Action.ID,
		"reported", body.ActionStatus,
		"status", t.Action.Status)

	if t.Next == nil {
		return nil
	}
	device, err := r.controllers.FindDevice(ctx, t.Action.ControllerID)
	if err != nil {
		return fmt.Errorf("failed to find device: %w", err)
	}
	return r.sendCommand(ctx, device, t.Next)
}

func (r *Router) updateAttributes(ctx context.Context, msg *broker.Message) error {
	id, err := thingID(msg)
	if err != nil {
		return err
	}
	var body AttributeUpdate
	if err := decodeBody(msg, &body); err != nil {
		return err
	}
	return r.applyAttributes(ctx, id, &body)
}

func (r *Router) applyAttributes(ctx context.Context, controllerID string, u *AttributeUpdate) error {
	mode := u.Mode
	switch mode {
	case "":
		mode = models.AttributeUpdateMerge
	case models.AttributeUpdateMerge, models.AttributeUpdateReplace, models.AttributeUpdateRemove:
	default:
		return errors.NewStructuralError("mode", "unknown update mode "+quoteOrNone(string(mode)))
	}
	if err := r.controllers.UpdateAttributes(ctx, controllerID, u.Attributes, mode); err != nil {
		return fmt.Errorf("failed to update attributes: %w", err)
	}
	return nil
}

func (r *Router) ping(ctx context.Context, msg *broker.Message, tenant string) error {
	if msg.CorrelationID == "" {
		return nil
	}
	return r.dispatcher.SendPingResponse(ctx, tenant, broker.ReplyAddress(r.vhost, msg.ReplyTo), msg.CorrelationID)
}

// sendCommand sends the command an active action currently calls for.
func (r *Router) sendCommand(ctx context.Context, device *models.Device, action *models.Action) error {
	if action.IsCanceling() {
		return r.dispatcher.SendCancel(ctx, device, action.ID)
	}

	modules, err := r.controllers.FindSoftwareModules(ctx, action.ID)
	if err != nil {
		return fmt.Errorf("failed to find software modules: %w", err)
	}

	var token string
	err = r.propagator.RunAsSystem(ctx, "", func(ctx context.Context) error {
		var err error
		token, err = r.controllers.DeviceSecurityToken(ctx, device.ControllerID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read security token: %w", err)
	}
	return r.dispatcher.SendDownloadAndInstall(ctx, device, action, token, modules)
}
