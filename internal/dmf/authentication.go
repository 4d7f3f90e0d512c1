package dmf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/witlox/dmfgate/internal/auth"
	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/broker"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/metrics"
	"github.com/witlox/dmfgate/pkg/models"
)

// DownloadPath is the path prefix of download id redemption.
const DownloadPath = "/api/v1/downloadserver/downloadId"

// AuthenticationHandler answers device authentication requests of the
// authentication queue with a download response.
type AuthenticationHandler struct {
	authenticator Authenticator
	artifacts     ArtifactManagement
	controllers   ControllerManagement
	downloads     DownloadIssuer
	baseURL       string
	metrics       *metrics.DownloadMetrics
	logger        *slog.Logger
	tracer        trace.Tracer
}

// AuthenticationOption configures an AuthenticationHandler.
type AuthenticationOption func(*AuthenticationHandler)

// WithDownloadBaseURL sets the public base URL download links are built on.
func WithDownloadBaseURL(base string) AuthenticationOption {
	return func(h *AuthenticationHandler) { h.baseURL = strings.TrimRight(base, "/") }
}

// WithDownloadMetrics records issued download ids.
func WithDownloadMetrics(m *metrics.DownloadMetrics) AuthenticationOption {
	return func(h *AuthenticationHandler) { h.metrics = m }
}

// WithAuthenticationLogger sets the logger.
func WithAuthenticationLogger(l *slog.Logger) AuthenticationOption {
	return func(h *AuthenticationHandler) { h.logger = l }
}

// NewAuthenticationHandler creates the handler.
func NewAuthenticationHandler(authenticator Authenticator, artifacts ArtifactManagement, controllers ControllerManagement, downloads DownloadIssuer, opts ...AuthenticationOption) *AuthenticationHandler {
	h := &AuthenticationHandler{
		authenticator: authenticator,
		artifacts:     artifacts,
		controllers:   controllers,
		downloads:     downloads,
		logger:        slog.Default(),
		tracer:        otel.Tracer("dmfgate/dmf"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DownloadURL returns the redemption URL of a download id.
func DownloadURL(base, tenant, id string) string {
	return strings.TrimRight(base, "/") + DownloadPath + "/" + tenant + "/" + id
}

// Handle authenticates the request and replies with the outcome. Failed
// logins and unknown artifacts are answered, not rejected.
func (h *AuthenticationHandler) Handle(ctx context.Context, msg *broker.Message) (*broker.Message, error) {
	var req auth.Request
	if err := decodeBody(msg, &req); err != nil {
		return nil, err
	}
	if req.FileResource == nil {
		return nil, errors.NewStructuralError("fileResource", "is mandatory")
	}

	ctx, span := h.tracer.Start(ctx, "dmf.authenticate")
	defer span.End()

	authn, err := h.authenticator.Authenticate(ctx, &req)
	if errors.Is(err, errors.ErrBadCredentials) {
		h.logger.InfoContext(ctx, "device login failed", "controller_id", req.ControllerID)
		return reply(DownloadResponse{ResponseCode: http.StatusForbidden, Message: "Login failed"})
	}
	if err != nil {
		return nil, err
	}

	var resp DownloadResponse
	err = security.With(ctx, authn.SecurityContext(), func(ctx context.Context) error {
		var err error
		resp, err = h.grant(ctx, &req, authn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply(resp)
}

func (h *AuthenticationHandler) grant(ctx context.Context, req *auth.Request, authn *auth.Authentication) (DownloadResponse, error) {
	notFound := DownloadResponse{
		ResponseCode: http.StatusNotFound,
		Message:      fmt.Sprintf("Artifact for resource %s not found", req.FileResource),
	}

	artifact, err := h.findArtifact(ctx, req.FileResource)
	if errors.Is(err, errors.ErrNotFound) {
		return notFound, nil
	}
	if err != nil {
		return DownloadResponse{}, fmt.Errorf("failed to find artifact: %w", err)
	}

	if !authn.Anonymous && req.ControllerID != "" {
		assigned, err := h.controllers.HasArtifactAssigned(ctx, req.ControllerID, artifact.SHA1)
		if err != nil {
			return DownloadResponse{}, fmt.Errorf("failed to check assignment: %w", err)
		}
		if !assigned {
			h.logger.InfoContext(ctx, "artifact not assigned to device",
				"controller_id", req.ControllerID, "sha1", artifact.SHA1)
			return notFound, nil
		}
	}

	id, err := h.downloads.Issue(ctx, authn.Tenant, artifact.SHA1)
	if err != nil {
		return DownloadResponse{}, fmt.Errorf("failed to issue download id: %w", err)
	}
	if h.metrics != nil {
		h.metrics.IssuedTotal.Inc()
	}

	return DownloadResponse{
		ResponseCode: http.StatusOK,
		Artifact: &DownloadArtifact{
			Size: artifact.Size,
			Hashes: ArtifactHash{
				SHA1:   artifact.SHA1,
				MD5:    artifact.MD5,
				SHA256: artifact.SHA256,
			},
			LastModified: lastModified(artifact),
		},
		DownloadURL: DownloadURL(h.baseURL, authn.Tenant, id),
	}, nil
}

func (h *AuthenticationHandler) findArtifact(ctx context.Context, fr *auth.FileResource) (*models.Artifact, error) {
	switch {
	case fr.SHA1 != "":
		return h.artifacts.FindArtifactBySHA1(ctx, fr.SHA1)
	case fr.Filename != "":
		return h.artifacts.FindArtifactByFilename(ctx, fr.Filename)
	case fr.SoftwareModuleFilename != nil:
		return h.artifacts.FindArtifactByModuleFilename(ctx,
			fr.SoftwareModuleFilename.SoftwareModuleID, fr.SoftwareModuleFilename.Filename)
	}
	return nil, errors.ErrNotFound
}

func lastModified(a *models.Artifact) int64 {
	if a.LastModified.IsZero() {
		return 0
	}
	return a.LastModified.UnixMilli()
}

func reply(resp DownloadResponse) (*broker.Message, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode download response: %w", err)
	}
	return &broker.Message{ContentType: broker.ContentTypeJSON, Body: body}, nil
}
