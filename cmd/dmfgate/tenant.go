package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/models"
	"github.com/witlox/dmfgate/pkg/postgres"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Tenant authentication settings",
}

var tenantSetCmd = &cobra.Command{
	Use:   "set <tenant>",
	Short: "Create a tenant or replace its authentication settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantSet,
}

var tenantShowCmd = &cobra.Command{
	Use:   "show <tenant>",
	Short: "Print the authentication settings of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantShow,
}

func init() {
	addTenantFlags(tenantSetCmd)
	tenantCmd.AddCommand(tenantSetCmd)
	tenantCmd.AddCommand(tenantShowCmd)
}

func addTenantFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("gateway-token", false, "Accept the tenant gateway token")
	f.String("gateway-key", "", "Shared gateway token of the tenant")
	f.Bool("header-auth", false, "Accept certificate fields forwarded by a TLS proxy")
	f.StringSlice("issuer-hash", nil, "Authorized certificate issuer hash (repeatable)")
	f.Bool("target-token", false, "Accept per-device security tokens")
	f.Bool("anonymous-download", false, "Allow downloads without device credentials")
}

// tenantConfigFromFlags builds the configuration of tenant from the set flags.
func tenantConfigFromFlags(cmd *cobra.Command, tenant string) (*models.TenantConfiguration, error) {
	f := cmd.Flags()
	cfg := &models.TenantConfiguration{Tenant: tenant}
	cfg.GatewayTokenEnabled, _ = f.GetBool("gateway-token")
	cfg.GatewayToken, _ = f.GetString("gateway-key")
	cfg.HeaderAuthEnabled, _ = f.GetBool("header-auth")
	cfg.AuthorizedIssuerHashes, _ = f.GetStringSlice("issuer-hash")
	cfg.TargetTokenEnabled, _ = f.GetBool("target-token")
	cfg.AnonymousDownloadEnabled, _ = f.GetBool("anonymous-download")

	if cfg.GatewayTokenEnabled && cfg.GatewayToken == "" {
		return nil, fmt.Errorf("--gateway-token requires --gateway-key")
	}
	if cfg.HeaderAuthEnabled && len(cfg.AuthorizedIssuerHashes) == 0 {
		return nil, fmt.Errorf("--header-auth requires at least one --issuer-hash")
	}
	return cfg, nil
}

// withDB opens the database and runs fn as system code for tenant.
func withDB(cmd *cobra.Command, tenant string, fn func(context.Context, *postgres.DB) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := postgres.New(cmd.Context(), postgresConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	return security.With(cmd.Context(), security.SystemContext(tenant), func(ctx context.Context) error {
		return fn(ctx, db)
	})
}

func runTenantSet(cmd *cobra.Command, args []string) error {
	tcfg, err := tenantConfigFromFlags(cmd, args[0])
	if err != nil {
		return err
	}
	return withDB(cmd, args[0], func(ctx context.Context, db *postgres.DB) error {
		t, err := postgres.NewTenantRepository(db).SaveTenant(ctx, tcfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tenant %s saved (id %d)\n", t.Name, t.ID)
		return nil
	})
}

func runTenantShow(cmd *cobra.Command, args []string) error {
	return withDB(cmd, args[0], func(ctx context.Context, db *postgres.DB) error {
		tcfg, err := postgres.NewTenantRepository(db).TenantConfiguration(ctx, args[0])
		if err != nil {
			return err
		}
		// The shared gateway key is a secret.
		if tcfg.GatewayToken != "" {
			tcfg.GatewayToken = "********"
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(tcfg)
	})
}
