package api

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/cache"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/metrics"
	"github.com/witlox/dmfgate/pkg/models"
)

// Downloads redeems download ids issued by the authentication handler.
type Downloads interface {
	Redeem(ctx context.Context, tenant, id string) (*cache.Download, error)
}

// ArtifactStore opens artifact binaries. Runs under the system context of
// the artifact's tenant.
type ArtifactStore interface {
	OpenArtifact(ctx context.Context, sha1 string) (*models.Artifact, io.ReadCloser, error)
}

// DownloadHandler serves artifact binaries against one-time download ids.
type DownloadHandler struct {
	downloads  Downloads
	artifacts  ArtifactStore
	propagator *security.Propagator
	metrics    *metrics.DownloadMetrics
	logger     *slog.Logger
}

// NewDownloadHandler creates a download handler. m may be nil.
func NewDownloadHandler(downloads Downloads, artifacts ArtifactStore, propagator *security.Propagator, m *metrics.DownloadMetrics, logger *slog.Logger) *DownloadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadHandler{
		downloads:  downloads,
		artifacts:  artifacts,
		propagator: propagator,
		metrics:    m,
		logger:     logger,
	}
}

// ServeHTTP streams the artifact a download id resolves to. The id is
// consumed even when streaming fails afterwards.
func (h *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := chi.URLParam(r, "tenant")
	id := chi.URLParam(r, "downloadId")

	d, err := h.downloads.Redeem(ctx, tenant, id)
	if errors.Is(err, errors.ErrNotFound) {
		h.observe("not_found")
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown or expired download id")
		return
	}
	if err != nil {
		h.observe("error")
		h.logger.ErrorContext(ctx, "failed to redeem download id", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "download ids unavailable")
		return
	}

	var (
		art     *models.Artifact
		content io.ReadCloser
	)
	err = h.propagator.RunAsSystem(ctx, d.Tenant, func(ctx context.Context) error {
		var err error
		art, content, err = h.artifacts.OpenArtifact(ctx, d.SHA1)
		return err
	})
	if errors.Is(err, errors.ErrNotFound) {
		h.observe("artifact_missing")
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "artifact not found")
		return
	}
	if err != nil {
		h.observe("error")
		h.logger.ErrorContext(ctx, "failed to open artifact", "tenant", d.Tenant, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to open artifact")
		return
	}
	defer content.Close()

	h.observe("success")
	w.Header().Set("Content-Type", "application/octet-stream")
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": art.Filename})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition)
	if art.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	}
	if art.SHA1 != "" {
		w.Header().Set("ETag", `"`+art.SHA1+`"`)
	}
	if !art.LastModified.IsZero() {
		w.Header().Set("Last-Modified", art.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content); err != nil {
		h.logger.WarnContext(ctx, "artifact download interrupted", "error", err)
	}
}

func (h *DownloadHandler) observe(result string) {
	if h.metrics != nil {
		h.metrics.RedeemedTotal.WithLabelValues(result).Inc()
	}
}
