package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/models"
)

// TenantRepository reads and writes tenants and their authentication
// configuration. All methods require the system context.
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a new tenant repository.
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// LookupTenant resolves a tenant by numeric id.
func (r *TenantRepository) LookupTenant(ctx context.Context, tenantID int64) (*models.Tenant, error) {
	if !security.IsSystemCode(ctx) {
		return nil, errors.ErrForbidden
	}
	t := &models.Tenant{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = $1`, tenantID,
	).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// TenantConfiguration returns the authentication switches of tenant. A
// tenant without configuration row has every switch off.
func (r *TenantRepository) TenantConfiguration(ctx context.Context, tenant string) (*models.TenantConfiguration, error) {
	if !security.IsSystemCode(ctx) {
		return nil, errors.ErrForbidden
	}
	cfg := &models.TenantConfiguration{Tenant: tenant}
	var (
		gatewayEnabled, headerEnabled, targetEnabled, anonEnabled sql.NullBool
		gatewayToken                                              sql.NullString
		known                                                     bool
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT TRUE, c.gateway_token_enabled, c.gateway_token, c.header_auth_enabled,
		        COALESCE(c.authorized_issuer_hashes, '{}'), c.target_token_enabled, c.anonymous_download_enabled
		 FROM tenants t LEFT JOIN tenant_configuration c ON c.tenant = t.name
		 WHERE t.name = $1`, tenant,
	).Scan(&known, &gatewayEnabled, &gatewayToken, &headerEnabled,
		pq.Array(&cfg.AuthorizedIssuerHashes), &targetEnabled, &anonEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant configuration: %w", err)
	}
	cfg.GatewayTokenEnabled = gatewayEnabled.Bool
	cfg.GatewayToken = gatewayToken.String
	cfg.HeaderAuthEnabled = headerEnabled.Bool
	cfg.TargetTokenEnabled = targetEnabled.Bool
	cfg.AnonymousDownloadEnabled = anonEnabled.Bool
	return cfg, nil
}

// SaveTenant creates the tenant if needed and stores its configuration.
func (r *TenantRepository) SaveTenant(ctx context.Context, cfg *models.TenantConfiguration) (*models.Tenant, error) {
	if !security.IsSystemCode(ctx) {
		return nil, errors.ErrForbidden
	}
	if cfg.Tenant == "" {
		return nil, errors.NewValidationError("tenant", "must not be empty")
	}

	t := &models.Tenant{}
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO tenants (name) VALUES ($1)
			 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			 RETURNING id, name, created_at`, cfg.Tenant,
		).Scan(&t.ID, &t.Name, &t.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save tenant: %w", err)
		}

		hashes := cfg.AuthorizedIssuerHashes
		if hashes == nil {
			hashes = []string{}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tenant_configuration (tenant, gateway_token_enabled, gateway_token, header_auth_enabled,
			     authorized_issuer_hashes, target_token_enabled, anonymous_download_enabled)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (tenant) DO UPDATE SET
			     gateway_token_enabled = EXCLUDED.gateway_token_enabled,
			     gateway_token = EXCLUDED.gateway_token,
			     header_auth_enabled = EXCLUDED.header_auth_enabled,
			     authorized_issuer_hashes = EXCLUDED.authorized_issuer_hashes,
			     target_token_enabled = EXCLUDED.target_token_enabled,
			     anonymous_download_enabled = EXCLUDED.anonymous_download_enabled`,
			cfg.Tenant, cfg.GatewayTokenEnabled, cfg.GatewayToken, cfg.HeaderAuthEnabled,
			pq.Array(hashes), cfg.TargetTokenEnabled, cfg.AnonymousDownloadEnabled,
		)
		if err != nil {
			return fmt.Errorf("failed to save tenant configuration: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
