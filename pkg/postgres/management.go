package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/models"
)

// ManagementRepository writes the software, distribution and assignment
// data devices are served from.
type ManagementRepository struct {
	db *DB
}

// NewManagementRepository creates a new management repository.
func NewManagementRepository(db *DB) *ManagementRepository {
	return &ManagementRepository{db: db}
}

// CreateSoftwareModule stores a module with its artifacts and sets the
// generated ids.
func (r *ManagementRepository) CreateSoftwareModule(ctx context.Context, sm *models.SoftwareModule) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	metadata := sm.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO software_modules (tenant, type, name, version, metadata)
			 VALUES ($1, $2, $3, $4, $5::jsonb) RETURNING id`,
			tenant, sm.Type, sm.Name, sm.Version, string(raw),
		).Scan(&sm.ID)
		if err != nil {
			return fmt.Errorf("failed to create software module: %w", err)
		}

		for i := range sm.Artifacts {
			a := &sm.Artifacts[i]
			a.Tenant = tenant
			a.SoftwareModuleID = sm.ID
			err := tx.QueryRowContext(ctx,
				`INSERT INTO artifacts (tenant, software_module_id, filename, size, sha1, md5, sha256, last_modified)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
				 RETURNING id, last_modified`,
				tenant, sm.ID, a.Filename, a.Size, a.SHA1, a.MD5, a.SHA256, nullTime(a),
			).Scan(&a.ID, &a.LastModified)
			if err != nil {
				return fmt.Errorf("failed to create artifact %s: %w", a.Filename, err)
			}
		}
		return nil
	})
}

func nullTime(a *models.Artifact) sql.NullTime {
	return sql.NullTime{Time: a.LastModified, Valid: !a.LastModified.IsZero()}
}

// StoreArtifactBinary stores the content of an artifact.
func (r *ManagementRepository) StoreArtifactBinary(ctx context.Context, sha1 string, content []byte) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO artifact_binaries (tenant, sha1, content) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant, sha1) DO UPDATE SET content = EXCLUDED.content`,
		tenant, sha1, content,
	)
	if err != nil {
		return fmt.Errorf("failed to store artifact content: %w", err)
	}
	return nil
}

// CreateDistributionSet groups modules into an assignable set.
func (r *ManagementRepository) CreateDistributionSet(ctx context.Context, name, version string, moduleIDs ...int64) (int64, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO distribution_sets (tenant, name, version) VALUES ($1, $2, $3) RETURNING id`,
			tenant, name, version,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to create distribution set: %w", err)
		}
		for _, moduleID := range moduleIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO distribution_set_modules (distribution_set_id, software_module_id)
				 SELECT $1::bigint, id FROM software_modules WHERE tenant = $2 AND id = $3`,
				id, tenant, moduleID,
			)
			if err != nil {
				return fmt.Errorf("failed to add module %d: %w", moduleID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AssignDistributionSet creates a running action for the device.
func (r *ManagementRepository) AssignDistributionSet(ctx context.Context, controllerID string, distributionSetID int64) (*models.Action, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	a := &models.Action{Tenant: tenant, ControllerID: controllerID, DistributionSetID: distributionSetID, Status: models.StatusRunning}
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO actions (tenant, device_id, distribution_set_id, status)
		 SELECT $1::varchar, d.id, ds.id, $4::varchar
		 FROM devices d, distribution_sets ds
		 WHERE d.tenant = $1 AND d.controller_id = $2 AND ds.tenant = $1 AND ds.id = $3
		 RETURNING id, device_id, created_at, updated_at`,
		tenant, controllerID, distributionSetID, models.StatusRunning,
	).Scan(&a.ID, &a.DeviceID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to assign distribution set: %w", err)
	}
	return a, nil
}

// CancelAction requests cancellation of an active action.
func (r *ManagementRepository) CancelAction(ctx context.Context, actionID int64) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE actions SET status = $3, updated_at = NOW()
		 WHERE tenant = $1 AND id = $2 AND status NOT IN ($4, $5)`,
		tenant, actionID, models.StatusCanceling, models.StatusFinished, models.StatusCanceled,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel action: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errors.ErrNotFound
	}
	return nil
}
