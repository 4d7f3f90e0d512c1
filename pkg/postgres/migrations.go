package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns all database migrations in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenants tables",
			SQL: `CREATE TABLE IF NOT EXISTS tenants (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(64) NOT NULL UNIQUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE TABLE IF NOT EXISTS tenant_configuration (
				tenant VARCHAR(64) PRIMARY KEY REFERENCES tenants(name) ON DELETE CASCADE,
				gateway_token_enabled BOOLEAN NOT NULL DEFAULT FALSE,
				gateway_token TEXT NOT NULL DEFAULT '',
				header_auth_enabled BOOLEAN NOT NULL DEFAULT FALSE,
				authorized_issuer_hashes TEXT[] NOT NULL DEFAULT '{}',
				target_token_enabled BOOLEAN NOT NULL DEFAULT FALSE,
				anonymous_download_enabled BOOLEAN NOT NULL DEFAULT FALSE
			)`,
		},
		{
			Version:     2,
			Description: "Create devices table",
			SQL: `CREATE TABLE IF NOT EXISTS devices (
				id BIGSERIAL PRIMARY KEY,
				tenant VARCHAR(64) NOT NULL REFERENCES tenants(name) ON DELETE CASCADE,
				controller_id VARCHAR(256) NOT NULL,
				name VARCHAR(256) NOT NULL,
				type VARCHAR(64) NOT NULL DEFAULT '',
				address TEXT NOT NULL DEFAULT '',
				security_token VARCHAR(128) NOT NULL,
				attributes JSONB NOT NULL DEFAULT '{}',
				last_poll TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE(tenant, controller_id)
			)`,
		},
		{
			Version:     3,
			Description: "Create software modules and artifacts tables",
			SQL: `CREATE TABLE IF NOT EXISTS software_modules (
				id BIGSERIAL PRIMARY KEY,
				tenant VARCHAR(64) NOT NULL REFERENCES tenants(name) ON DELETE CASCADE,
				type VARCHAR(64) NOT NULL,
				name VARCHAR(128) NOT NULL,
				version VARCHAR(64) NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}'
			);
			CREATE TABLE IF NOT EXISTS artifacts (
				id BIGSERIAL PRIMARY KEY,
				tenant VARCHAR(64) NOT NULL,
				software_module_id BIGINT NOT NULL REFERENCES software_modules(id) ON DELETE CASCADE,
				filename VARCHAR(256) NOT NULL,
				size BIGINT NOT NULL DEFAULT 0,
				sha1 CHAR(40) NOT NULL,
				md5 CHAR(32) NOT NULL DEFAULT '',
				sha256 CHAR(64) NOT NULL DEFAULT '',
				last_modified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE(software_module_id, filename)
			);
			CREATE TABLE IF NOT EXISTS artifact_binaries (
				tenant VARCHAR(64) NOT NULL,
				sha1 CHAR(40) NOT NULL,
				content BYTEA NOT NULL,
				PRIMARY KEY (tenant, sha1)
			)`,
		},
		{
			Version:     4,
			Description: "Create distribution sets tables",
			SQL: `CREATE TABLE IF NOT EXISTS distribution_sets (
				id BIGSERIAL PRIMARY KEY,
				tenant VARCHAR(64) NOT NULL REFERENCES tenants(name) ON DELETE CASCADE,
				name VARCHAR(128) NOT NULL,
				version VARCHAR(64) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE TABLE IF NOT EXISTS distribution_set_modules (
				distribution_set_id BIGINT NOT NULL REFERENCES distribution_sets(id) ON DELETE CASCADE,
				software_module_id BIGINT NOT NULL REFERENCES software_modules(id) ON DELETE CASCADE,
				PRIMARY KEY (distribution_set_id, software_module_id)
			)`,
		},
		{
			Version:     5,
			Description: "Create actions tables",
			SQL: `CREATE TABLE IF NOT EXISTS actions (
				id BIGSERIAL PRIMARY KEY,
				tenant VARCHAR(64) NOT NULL,
				device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
				distribution_set_id BIGINT NOT NULL REFERENCES distribution_sets(id),
				status VARCHAR(32) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE TABLE IF NOT EXISTS action_status (
				id BIGSERIAL PRIMARY KEY,
				action_id BIGINT NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
				status VARCHAR(32) NOT NULL,
				messages TEXT[] NOT NULL DEFAULT '{}',
				occurred_at TIMESTAMPTZ NOT NULL,
				created_by VARCHAR(64) NOT NULL
			)`,
		},
		{
			Version:     6,
			Description: "Create indexes",
			SQL: `CREATE INDEX IF NOT EXISTS idx_artifacts_sha1 ON artifacts(tenant, sha1);
				  CREATE INDEX IF NOT EXISTS idx_artifacts_filename ON artifacts(tenant, filename);
				  CREATE INDEX IF NOT EXISTS idx_actions_device ON actions(device_id, status);
				  CREATE INDEX IF NOT EXISTS idx_action_status_action ON action_status(action_id)`,
		},
	}
}

// RunMigrations executes all pending migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range Migrations() {
		var exists bool
		err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// CurrentVersion returns the current schema version.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}
