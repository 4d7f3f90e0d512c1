package auth

import (
	"context"
	"fmt"

	"github.com/witlox/dmfgate/internal/auth/jwt"
	"github.com/witlox/dmfgate/internal/auth/mtls"
	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/models"
)

// Strategy names, also used as metric labels.
const (
	StrategyGatewayToken      = "gateway_token"
	StrategyCertificateHeader = "certificate_header"
	StrategySecurityToken     = "security_token"
	StrategyAnonymousDownload = "anonymous_download"
	StrategyAnonymous         = "anonymous"

	// AnonymousPrincipal is the principal name of anonymous devices.
	AnonymousPrincipal = "anonymous"
)

// GatewayTokenStrategy accepts "Authorization: GatewayToken <token>". Signed
// tokens are verified with the configured key; opaque tokens are compared
// with the tenant's gateway key.
type GatewayTokenStrategy struct {
	validator *jwt.Validator
}

func (s *GatewayTokenStrategy) Name() string { return StrategyGatewayToken }

func (s *GatewayTokenStrategy) Evaluate(_ context.Context, req *Request, cfg *models.TenantConfiguration) (Candidate, error) {
	if !cfg.GatewayTokenEnabled {
		return Candidate{}, nil
	}
	token, ok := req.authorizationToken("GatewayToken")
	if !ok {
		return Candidate{}, nil
	}

	cand := Candidate{
		Enabled:     true,
		Name:        req.ControllerID,
		Authorities: []string{security.RoleController},
	}

	if s.validator != nil && jwt.LooksSigned(token) {
		claims, err := s.validator.Validate(token)
		if err != nil {
			return Candidate{}, fmt.Errorf("%w: %w", errors.ErrBadCredentials, err)
		}
		if !claims.Covers(req.ControllerID) {
			return Candidate{}, fmt.Errorf("%w: %w", errors.ErrBadCredentials, jwt.ErrControllerNotAllowed)
		}
		cand.Principal = req.ControllerID
		cand.Credentials = []string{req.ControllerID}
		cand.Tenant = claims.Tenant
		if cand.Tenant == "" {
			return Candidate{}, fmt.Errorf("%w: gateway token carries no tenant", errors.ErrBadCredentials)
		}
		return cand, nil
	}

	cand.Principal = token
	cand.Credentials = []string{cfg.GatewayToken}
	return cand, nil
}

// CertificateHeaderStrategy accepts the certificate fields forwarded by a
// TLS-terminating proxy. The common name must equal the controller id and
// one forwarded issuer hash must be authorized for the tenant.
type CertificateHeaderStrategy struct {
	headers mtls.HeaderConfig
}

func (s *CertificateHeaderStrategy) Name() string { return StrategyCertificateHeader }

func (s *CertificateHeaderStrategy) Evaluate(_ context.Context, req *Request, cfg *models.TenantConfiguration) (Candidate, error) {
	if !cfg.HeaderAuthEnabled {
		return Candidate{}, nil
	}
	identity, err := mtls.IdentityFromHeaders(req.Header, s.headers)
	if err != nil {
		return Candidate{}, nil
	}

	cand := Candidate{Enabled: true}
	if _, ok := identity.MatchIssuer(cfg.AuthorizedIssuerHashes); !ok {
		// Unknown issuer: no principal, the next strategy gets its turn.
		return cand, nil
	}
	cand.Principal = identity.CommonName
	cand.Credentials = []string{req.ControllerID}
	cand.Name = identity.CommonName
	cand.Authorities = []string{security.RoleController}
	return cand, nil
}

// SecurityTokenStrategy accepts "Authorization: TargetToken <token>" and
// compares it with the device's own security token.
type SecurityTokenStrategy struct {
	tokens     SecurityTokens
	propagator *security.Propagator
}

func (s *SecurityTokenStrategy) Name() string { return StrategySecurityToken }

func (s *SecurityTokenStrategy) Evaluate(ctx context.Context, req *Request, cfg *models.TenantConfiguration) (Candidate, error) {
	if !cfg.TargetTokenEnabled {
		return Candidate{}, nil
	}
	token, ok := req.authorizationToken("TargetToken")
	if !ok || req.ControllerID == "" {
		return Candidate{}, nil
	}

	var expected string
	err := s.propagator.RunAsSystem(ctx, cfg.Tenant, func(ctx context.Context) error {
		var err error
		expected, err = s.tokens.DeviceSecurityToken(ctx, req.ControllerID)
		return err
	})
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return Candidate{}, fmt.Errorf("failed to read security token: %w", err)
	}

	return Candidate{
		Enabled:     true,
		Principal:   token,
		Credentials: []string{expected},
		Name:        req.ControllerID,
		Authorities: []string{security.RoleController},
	}, nil
}

// AnonymousDownloadStrategy lets any device download when the tenant allows
// anonymous downloads.
type AnonymousDownloadStrategy struct{}

func (s *AnonymousDownloadStrategy) Name() string { return StrategyAnonymousDownload }

func (s *AnonymousDownloadStrategy) Evaluate(_ context.Context, req *Request, cfg *models.TenantConfiguration) (Candidate, error) {
	if !cfg.AnonymousDownloadEnabled || req.FileResource == nil {
		return Candidate{}, nil
	}
	return anonymousCandidate(), nil
}

// AnonymousStrategy is the unconditional fallback, switched on process wide.
type AnonymousStrategy struct {
	enabled bool
}

func (s *AnonymousStrategy) Name() string { return StrategyAnonymous }

func (s *AnonymousStrategy) Evaluate(context.Context, *Request, *models.TenantConfiguration) (Candidate, error) {
	if !s.enabled {
		return Candidate{}, nil
	}
	return anonymousCandidate(), nil
}

func anonymousCandidate() Candidate {
	return Candidate{
		Enabled:     true,
		Principal:   AnonymousPrincipal,
		Credentials: []string{AnonymousPrincipal},
		Name:        AnonymousPrincipal,
		Authorities: []string{security.RoleControllerAnonymous},
		Anonymous:   true,
	}
}
