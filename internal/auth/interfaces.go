package auth

import (
	"context"

	"github.com/witlox/dmfgate/pkg/models"
)

// TenantManagement reads tenant metadata. Both calls require the system
// context.
type TenantManagement interface {
	LookupTenant(ctx context.Context, tenantID int64) (*models.Tenant, error)
	TenantConfiguration(ctx context.Context, tenant string) (*models.TenantConfiguration, error)
}

// SecurityTokens reads per-device security tokens. Requires the system
// context.
type SecurityTokens interface {
	DeviceSecurityToken(ctx context.Context, controllerID string) (string, error)
}
