package dmf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/witlox/dmfgate/pkg/broker"
	"github.com/witlox/dmfgate/pkg/metrics"
	"github.com/witlox/dmfgate/pkg/models"
)

// Dispatcher builds outbound DMF messages and sends them to the address a
// device declared. Devices without a broker-style address are skipped.
type Dispatcher struct {
	sender          broker.Sender
	artifactBaseURL string
	metrics         *metrics.MessagingMetrics
	logger          *slog.Logger
	now             func() time.Time
	newID           func() string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithArtifactBaseURL sets the DDI server base URL artifact download links
// are built on. Without it artifacts carry no links.
func WithArtifactBaseURL(base string) DispatcherOption {
	return func(d *Dispatcher) { d.artifactBaseURL = strings.TrimRight(base, "/") }
}

// WithDispatcherMetrics records outbound sends.
func WithDispatcherMetrics(m *metrics.MessagingMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher over sender.
func NewDispatcher(sender broker.Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendDownloadAndInstall sends the modules of action to device.
func (d *Dispatcher) SendDownloadAndInstall(ctx context.Context, device *models.Device, action *models.Action, token string, modules []models.SoftwareModule) error {
	req := DownloadAndUpdateRequest{
		ActionID:            action.ID,
		TargetSecurityToken: token,
		SoftwareModules:     make([]SoftwareModule, 0, len(modules)),
	}
	for _, sm := range modules {
		req.SoftwareModules = append(req.SoftwareModules, d.convertModule(device, sm))
	}
	return d.sendEvent(ctx, device, TopicDownloadAndInstall, req)
}

// SendCancel asks device to cancel an action.
func (d *Dispatcher) SendCancel(ctx context.Context, device *models.Device, actionID int64) error {
	return d.sendEvent(ctx, device, TopicCancelDownload, ActionRequest{ActionID: actionID})
}

// SendThingDeleted tells a removed device it is gone.
func (d *Dispatcher) SendThingDeleted(ctx context.Context, device *models.Device) error {
	msg := d.message(device.Tenant, device.ControllerID, TypeThingDeleted)
	return d.send(ctx, string(TypeThingDeleted), device.Address, msg)
}

// SendPingResponse answers a ping with the current time in milliseconds.
// The correlation id of the ping is echoed.
func (d *Dispatcher) SendPingResponse(ctx context.Context, tenant, address, correlationID string) error {
	msg := &broker.Message{
		Headers: map[string]string{
			HeaderType:   string(TypePingResponse),
			HeaderTenant: tenant,
		},
		ContentType:   broker.ContentTypeText,
		CorrelationID: correlationID,
		Body:          []byte(strconv.FormatInt(d.now().UnixMilli(), 10)),
	}
	return d.send(ctx, string(TypePingResponse), address, msg)
}

func (d *Dispatcher) sendEvent(ctx context.Context, device *models.Device, topic EventTopic, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", topic, err)
	}
	msg := d.message(device.Tenant, device.ControllerID, TypeEvent)
	msg.SetHeader(HeaderTopic, string(topic))
	msg.Body = payload
	return d.send(ctx, string(topic), device.Address, msg)
}

func (d *Dispatcher) message(tenant, controllerID string, msgType MessageType) *broker.Message {
	return &broker.Message{
		Key: controllerID,
		Headers: map[string]string{
			HeaderType:    string(msgType),
			HeaderThingID: controllerID,
			HeaderTenant:  tenant,
		},
		ContentType: broker.ContentTypeJSON,
	}
}

func (d *Dispatcher) send(ctx context.Context, kind, address string, msg *broker.Message) error {
	if !broker.IsBrokerAddress(address) {
		d.logger.DebugContext(ctx, "outbound message dropped, no broker address", "kind", kind)
		d.observe(kind, "dropped")
		return nil
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = d.newID()
	}
	if err := d.sender.Send(ctx, address, msg); err != nil {
		d.observe(kind, "failed")
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	d.observe(kind, "sent")
	d.logger.DebugContext(ctx, "outbound message sent", "kind", kind, "correlation_id", msg.CorrelationID)
	return nil
}

func (d *Dispatcher) observe(kind, result string) {
	if d.metrics != nil {
		d.metrics.OutboundTotal.WithLabelValues(kind, result).Inc()
	}
}

func (d *Dispatcher) convertModule(device *models.Device, sm models.SoftwareModule) SoftwareModule {
	out := SoftwareModule{
		ModuleID:      sm.ID,
		ModuleType:    sm.Type,
		ModuleVersion: sm.Version,
		Artifacts:     make([]Artifact, 0, len(sm.Artifacts)),
	}
	for _, a := range sm.Artifacts {
		artifact := Artifact{
			Filename:     a.Filename,
			Hashes:       ArtifactHash{SHA1: a.SHA1, MD5: a.MD5, SHA256: a.SHA256},
			Size:         a.Size,
			LastModified: lastModified(&a),
		}
		if link := d.artifactURL(device, sm.ID, a.Filename); link != "" {
			artifact.URLs = map[string]string{d.urlProtocol(): link}
		}
		out.Artifacts = append(out.Artifacts, artifact)
	}

	keys := make([]string, 0, len(sm.Metadata))
	for k := range sm.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Metadata = append(out.Metadata, Metadata{Key: k, Value: sm.Metadata[k]})
	}
	return out
}

func (d *Dispatcher) artifactURL(device *models.Device, moduleID int64, filename string) string {
	if d.artifactBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/controller/v1/%s/softwaremodules/%d/artifacts/%s",
		d.artifactBaseURL,
		url.PathEscape(device.Tenant),
		url.PathEscape(device.ControllerID),
		moduleID,
		url.PathEscape(filename))
}

func (d *Dispatcher) urlProtocol() string {
	if strings.HasPrefix(strings.ToLower(d.artifactBaseURL), "https://") {
		return "HTTPS"
	}
	return "HTTP"
}
