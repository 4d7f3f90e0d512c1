// Package security carries the tenant-scoped security context through a
// request or message. The active context travels in context.Context; it is
// installed for a scope with With and never mutated in place, so the caller's
// context is back in force as soon as the scoped function returns.
package security

import (
	"context"
	"slices"

	"github.com/witlox/dmfgate/pkg/errors"
)

// Reserved identities and authorities.
const (
	// SystemActor is the audit name of the privileged system context. No real
	// principal may use it.
	SystemActor = "system"
	// UnknownAuditor is used for serialized contexts that carry no auditor.
	UnknownAuditor = "n/a"
	// ControllerAuditor is the audit name recorded for device-originated work.
	ControllerAuditor = "CONTROLLER_PLUG_AND_PLAY"

	RoleSystemCode          = "ROLE_SYSTEM_CODE"
	RoleController          = "ROLE_CONTROLLER"
	RoleControllerAnonymous = "ROLE_CONTROLLER_ANONYMOUS"
)

// Context is the immutable security context of one execution.
type Context struct {
	tenant      string
	actor       string
	authorities []string
	system      bool
	controller  bool
}

// NewContext creates a user context. An empty actor becomes SystemActor, but
// a caller may not claim SystemActor explicitly.
func NewContext(tenant, actor string, authorities ...string) (*Context, error) {
	if actor == SystemActor {
		return nil, errors.NewValidationError("actor", "reserved for system context")
	}
	if actor == "" {
		actor = SystemActor
	}
	return &Context{
		tenant:      tenant,
		actor:       actor,
		authorities: normalize(authorities),
	}, nil
}

// SystemContext creates the privileged system context for a tenant.
func SystemContext(tenant string) *Context {
	return &Context{
		tenant:      tenant,
		actor:       SystemActor,
		authorities: []string{RoleSystemCode},
		system:      true,
	}
}

// ControllerContext creates a device context. Controller contexts are valid
// for the current request only and cannot be serialized.
func ControllerContext(tenant, principal string, authorities ...string) *Context {
	return &Context{
		tenant:      tenant,
		actor:       principal,
		authorities: normalize(authorities),
		controller:  true,
	}
}

func normalize(authorities []string) []string {
	out := make([]string, 0, len(authorities))
	for _, a := range authorities {
		if a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Tenant returns the tenant the context is scoped to.
func (c *Context) Tenant() string { return c.tenant }

// Actor returns the audit actor.
func (c *Context) Actor() string { return c.actor }

// Authorities returns a copy of the granted authorities, sorted.
func (c *Context) Authorities() []string { return slices.Clone(c.authorities) }

// IsSystem reports whether this is the privileged system context.
func (c *Context) IsSystem() bool { return c.system }

// IsController reports whether this context represents a device.
func (c *Context) IsController() bool { return c.controller }

// HasAuthority reports whether the authority was granted. The system context
// holds every authority.
func (c *Context) HasAuthority(authority string) bool {
	if c.system {
		return true
	}
	_, found := slices.BinarySearch(c.authorities, authority)
	return found
}

// Equal compares two contexts field by field.
func (c *Context) Equal(other *Context) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.tenant == other.tenant &&
		c.actor == other.actor &&
		c.system == other.system &&
		c.controller == other.controller &&
		slices.Equal(c.authorities, other.authorities)
}

// withTenant derives a copy scoped to another tenant.
func (c *Context) withTenant(tenant string) *Context {
	cp := *c
	cp.tenant = tenant
	cp.authorities = slices.Clone(c.authorities)
	return &cp
}

// withActor derives a copy with another audit actor.
func (c *Context) withActor(actor string) *Context {
	cp := *c
	cp.actor = actor
	cp.authorities = slices.Clone(c.authorities)
	return &cp
}

type contextKey string

const securityContextKey contextKey = "security_context"

// ContextWith returns ctx carrying sc as the active security context.
func ContextWith(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, securityContextKey, sc)
}

// FromContext returns the active security context, or nil if the execution
// is unauthenticated.
func FromContext(ctx context.Context) *Context {
	sc, _ := ctx.Value(securityContextKey).(*Context)
	return sc
}

// With runs fn with sc installed. If sc equals the active context no switch
// happens. A nil sc is a programming error.
func With(ctx context.Context, sc *Context, fn func(context.Context) error) error {
	if sc == nil {
		return errors.ErrNoContext
	}
	if cur := FromContext(ctx); cur.Equal(sc) {
		return fn(ctx)
	}
	return fn(ContextWith(ctx, sc))
}

// IsSystemCode reports whether ctx runs under the system context.
func IsSystemCode(ctx context.Context) bool {
	sc := FromContext(ctx)
	return sc != nil && sc.system
}

// TenantOf returns the active tenant or "".
func TenantOf(ctx context.Context) string {
	if sc := FromContext(ctx); sc != nil {
		return sc.tenant
	}
	return ""
}

// Auditor returns the name recorded as creator of entities written under ctx.
func Auditor(ctx context.Context) string {
	sc := FromContext(ctx)
	switch {
	case sc == nil:
		return UnknownAuditor
	case sc.controller:
		return ControllerAuditor
	default:
		return sc.actor
	}
}
