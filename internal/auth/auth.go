// Package auth authenticates devices that talk to the server over DMF. A
// fixed, ordered chain of strategies is evaluated per request; the first
// strategy that yields a principal decides the outcome.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"github.com/witlox/dmfgate/internal/auth/jwt"
	"github.com/witlox/dmfgate/internal/auth/mtls"
	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/metrics"
	"github.com/witlox/dmfgate/pkg/models"
)

// Config holds authentication configuration.
type Config struct {
	// AnonymousEnabled turns on the unconditional anonymous fallback.
	AnonymousEnabled bool

	// Gateway token signature settings. Without a public key gateway tokens
	// are compared against the tenant's shared key.
	GatewayPublicKey []byte
	GatewayIssuer    string
	GatewayAudiences []string

	// Headers forwarded by the TLS-terminating proxy.
	Headers mtls.HeaderConfig
}

// FileResource identifies the artifact a download request asks for.
type FileResource struct {
	SHA1                   string                  `json:"sha1,omitempty"`
	Filename               string                  `json:"filename,omitempty"`
	ArtifactID             int64                   `json:"artifactId,omitempty"`
	SoftwareModuleFilename *SoftwareModuleFilename `json:"softwareModuleFilenameResource,omitempty"`
}

// SoftwareModuleFilename addresses an artifact by module and filename.
type SoftwareModuleFilename struct {
	SoftwareModuleID int64  `json:"softwareModuleId"`
	Filename         string `json:"filename"`
}

func (f *FileResource) String() string {
	switch {
	case f == nil:
		return "<none>"
	case f.SHA1 != "":
		return "sha1:" + f.SHA1
	case f.Filename != "":
		return "filename:" + f.Filename
	case f.SoftwareModuleFilename != nil:
		return fmt.Sprintf("module:%d/%s", f.SoftwareModuleFilename.SoftwareModuleID, f.SoftwareModuleFilename.Filename)
	case f.ArtifactID != 0:
		return fmt.Sprintf("artifact:%d", f.ArtifactID)
	}
	return "<empty>"
}

// Request is the credential bundle of one authentication request.
type Request struct {
	Tenant       string            `json:"tenant,omitempty"`
	TenantID     int64             `json:"tenantId,omitempty"`
	ControllerID string            `json:"controllerId,omitempty"`
	TargetID     int64             `json:"targetId,omitempty"`
	FileResource *FileResource     `json:"fileResource,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// Header returns a header value, matching the name case-insensitively.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// authorizationToken returns the token of an "Authorization: <scheme> <token>" header.
func (r *Request) authorizationToken(scheme string) (string, bool) {
	value := strings.TrimSpace(r.Header("Authorization"))
	prefix := scheme + " "
	if len(value) <= len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(value[len(prefix):]), true
}

// Candidate is what one strategy extracts from a request. Enabled false
// means the strategy does not apply and is skipped; an enabled candidate
// with an empty Principal falls through to the next strategy.
type Candidate struct {
	Enabled bool
	// Principal is the presented identity or secret.
	Principal string
	// Credentials are the values Principal is trusted against.
	Credentials []string
	// Tenant is set when the credential itself names a tenant.
	Tenant string
	// Name is the principal name of the authenticated device.
	Name        string
	Authorities []string
	Anonymous   bool
}

// Authentication is a successfully authenticated device.
type Authentication struct {
	Principal   string
	Tenant      string
	Strategy    string
	Authorities []string
	Anonymous   bool
}

// SecurityContext returns the controller context for this authentication.
func (a *Authentication) SecurityContext() *security.Context {
	return security.ControllerContext(a.Tenant, a.Principal, a.Authorities...)
}

// Strategy is one link of the chain.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, req *Request, cfg *models.TenantConfiguration) (Candidate, error)
}

// Chain evaluates the strategies in order.
type Chain struct {
	strategies []Strategy
	tenants    TenantManagement
	propagator *security.Propagator
	metrics    *metrics.ServiceMetrics
	logger     *slog.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithMetrics records authentication attempts.
func WithMetrics(m *metrics.ServiceMetrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ChainOption {
	return func(c *Chain) { c.logger = l }
}

// WithStrategies replaces the default strategy list.
func WithStrategies(strategies ...Strategy) ChainOption {
	return func(c *Chain) { c.strategies = strategies }
}

// New builds the default chain: gateway token, certificate headers, device
// security token, anonymous download, anonymous fallback.
func New(cfg Config, tenants TenantManagement, tokens SecurityTokens, propagator *security.Propagator, opts ...ChainOption) (*Chain, error) {
	var validator *jwt.Validator
	if len(cfg.GatewayPublicKey) > 0 {
		v, err := jwt.NewValidator(jwt.ValidatorConfig{
			PublicKeyPEM:   cfg.GatewayPublicKey,
			ExpectedIssuer: cfg.GatewayIssuer,
			ExpectedAuds:   cfg.GatewayAudiences,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway token validator: %w", err)
		}
		validator = v
	}

	headers := cfg.Headers
	if headers.CommonNameHeader == "" {
		headers = mtls.DefaultHeaderConfig()
	}

	c := &Chain{
		strategies: []Strategy{
			&GatewayTokenStrategy{validator: validator},
			&CertificateHeaderStrategy{headers: headers},
			&SecurityTokenStrategy{tokens: tokens, propagator: propagator},
			&AnonymousDownloadStrategy{},
			&AnonymousStrategy{enabled: cfg.AnonymousEnabled},
		},
		tenants:    tenants,
		propagator: propagator,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authenticate runs the chain for req.
func (c *Chain) Authenticate(ctx context.Context, req *Request) (*Authentication, error) {
	if req == nil {
		return nil, errors.ErrBadCredentials
	}

	tenant, err := c.resolveTenant(ctx, req)
	if err != nil {
		return nil, err
	}

	var tenantCfg *models.TenantConfiguration
	err = c.propagator.RunAsSystem(ctx, tenant, func(ctx context.Context) error {
		var err error
		tenantCfg, err = c.tenants.TenantConfiguration(ctx, tenant)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant configuration: %w", err)
	}

	for _, s := range c.strategies {
		cand, err := s.Evaluate(ctx, req, tenantCfg)
		if err != nil {
			c.observe(s.Name(), "error")
			return nil, err
		}
		if !cand.Enabled || cand.Principal == "" {
			continue
		}

		if cand.Tenant != "" && !strings.EqualFold(cand.Tenant, tenant) {
			c.observe(s.Name(), "rejected")
			c.logger.WarnContext(ctx, "credential bound to another tenant", "strategy", s.Name())
			return nil, errors.ErrBadCredentials
		}
		if !trusted(cand) {
			c.observe(s.Name(), "rejected")
			c.logger.InfoContext(ctx, "credential rejected", "strategy", s.Name(), "controller_id", req.ControllerID)
			return nil, errors.ErrBadCredentials
		}

		c.observe(s.Name(), "success")
		return &Authentication{
			Principal:   cand.Name,
			Tenant:      tenant,
			Strategy:    s.Name(),
			Authorities: cand.Authorities,
			Anonymous:   cand.Anonymous,
		}, nil
	}

	c.observe("none", "no_match")
	return nil, errors.ErrBadCredentials
}

func (c *Chain) resolveTenant(ctx context.Context, req *Request) (string, error) {
	if req.Tenant != "" {
		return req.Tenant, nil
	}
	if req.TenantID == 0 {
		return "", errors.NewValidationError("tenant", "neither tenant nor tenantId given")
	}

	var tenant string
	err := c.propagator.RunAsSystem(ctx, "", func(ctx context.Context) error {
		t, err := c.tenants.LookupTenant(ctx, req.TenantID)
		if err != nil {
			return err
		}
		tenant = t.Name
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve tenant %d: %w", req.TenantID, err)
	}
	return tenant, nil
}

// trusted asserts that the presented principal is one of the credentials.
func trusted(c Candidate) bool {
	for _, cred := range c.Credentials {
		if cred != "" && subtle.ConstantTimeCompare([]byte(c.Principal), []byte(cred)) == 1 {
			return true
		}
	}
	return false
}

func (c *Chain) observe(strategy, result string) {
	if c.metrics != nil {
		c.metrics.AuthAttempts.WithLabelValues(strategy, result).Inc()
	}
}
