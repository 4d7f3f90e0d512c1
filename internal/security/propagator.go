package security

import (
	"context"
	"log/slog"

	"github.com/witlox/dmfgate/pkg/errors"
)

// Propagator captures and restores security contexts across executions and
// provides the elevation helpers used by protocol handlers.
type Propagator struct {
	enabled bool
	logger  *slog.Logger
}

// NewPropagator creates a propagator. When enabled is false Capture always
// reports nothing to propagate.
func NewPropagator(enabled bool, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{enabled: enabled, logger: logger}
}

// Capture serializes the active context for deferred execution. It returns
// false for unauthenticated and controller contexts and when propagation is
// disabled.
func (p *Propagator) Capture(ctx context.Context) (string, bool) {
	if !p.enabled {
		return "", false
	}
	sc := FromContext(ctx)
	if sc == nil || sc.controller {
		return "", false
	}
	serialized, err := Serialize(sc)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to capture security context", "error", err)
		return "", false
	}
	return serialized, true
}

// Restore deserializes serialized and runs fn under it.
func (p *Propagator) Restore(ctx context.Context, serialized string, fn func(context.Context) error) error {
	sc, err := Deserialize(serialized)
	if err != nil {
		return err
	}
	return With(ctx, sc, fn)
}

// RunAsSystem runs fn under the system context for tenant. An empty tenant
// keeps the ambient one.
func (p *Propagator) RunAsSystem(ctx context.Context, tenant string, fn func(context.Context) error) error {
	if tenant == "" {
		tenant = TenantOf(ctx)
	}
	return With(ctx, SystemContext(tenant), fn)
}

// RunAsTenant runs fn with the tenant overridden. Authorities are kept from
// the ambient context and the actor falls back to SystemActor.
func (p *Propagator) RunAsTenant(ctx context.Context, tenant string, fn func(context.Context) error) error {
	if tenant == "" {
		return errors.NewValidationError("tenant", "must not be empty")
	}
	cur := FromContext(ctx)
	if cur == nil {
		return With(ctx, &Context{tenant: tenant, actor: SystemActor}, fn)
	}
	return With(ctx, cur.withTenant(tenant), fn)
}

// RunAsActor runs fn with only the audit actor overridden.
func (p *Propagator) RunAsActor(ctx context.Context, actor string, fn func(context.Context) error) error {
	if actor == "" {
		return errors.NewValidationError("actor", "must not be empty")
	}
	cur := FromContext(ctx)
	if cur == nil {
		return With(ctx, &Context{actor: actor}, fn)
	}
	return With(ctx, cur.withActor(actor), fn)
}
