package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/witlox/dmfgate/internal/dmf"
	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/models"
)

// ControllerRepository implements dmf.ControllerManagement.
type ControllerRepository struct {
	db *DB
}

// NewControllerRepository creates a new controller repository.
func NewControllerRepository(db *DB) *ControllerRepository {
	return &ControllerRepository{db: db}
}

var _ dmf.ControllerManagement = (*ControllerRepository)(nil)

const deviceColumns = `id, tenant, controller_id, name, type, address, attributes, last_poll, created_at`

func scanDevice(row interface{ Scan(...any) error }) (*models.Device, error) {
	d := &models.Device{}
	var attrs []byte
	var lastPoll sql.NullTime
	if err := row.Scan(&d.ID, &d.Tenant, &d.ControllerID, &d.Name, &d.Type, &d.Address, &attrs, &lastPoll, &d.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &d.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	if lastPoll.Valid {
		d.LastPoll = &lastPoll.Time
	}
	return d, nil
}

// FindOrRegisterDevice returns the device, creating it with a fresh
// security token when unknown. The address and poll time are refreshed.
func (r *ControllerRepository) FindOrRegisterDevice(ctx context.Context, controllerID, address string, reg *dmf.Registration) (*models.Device, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	var name, typ string
	if reg != nil {
		name, typ = reg.Name, reg.Type
	}

	d, err := scanDevice(r.db.QueryRowContext(ctx,
		`INSERT INTO devices (tenant, controller_id, name, type, address, security_token, last_poll)
		 VALUES ($1, $2, COALESCE(NULLIF($3, ''), $2), $4, $5, $6, NOW())
		 ON CONFLICT (tenant, controller_id) DO UPDATE SET
		     address = EXCLUDED.address,
		     name = COALESCE(NULLIF($3, ''), devices.name),
		     type = COALESCE(NULLIF($4, ''), devices.type),
		     last_poll = NOW()
		 RETURNING `+deviceColumns,
		tenant, controllerID, name, typ, address, uuid.NewString(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	return d, nil
}

// FindDevice returns a device by controller id.
func (r *ControllerRepository) FindDevice(ctx context.Context, controllerID string) (*models.Device, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE tenant = $1 AND controller_id = $2`,
		tenant, controllerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// DeleteDevice removes a device together with its actions.
func (r *ControllerRepository) DeleteDevice(ctx context.Context, controllerID string) (*models.Device, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	d, err := scanDevice(r.db.QueryRowContext(ctx,
		`DELETE FROM devices WHERE tenant = $1 AND controller_id = $2 RETURNING `+deviceColumns,
		tenant, controllerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete device: %w", err)
	}
	return d, nil
}

// UpdateAttributes applies reported attributes in the given mode.
func (r *ControllerRepository) UpdateAttributes(ctx context.Context, controllerID string, attributes map[string]string, mode models.AttributeUpdateMode) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}

	var query string
	var arg any
	switch mode {
	case models.AttributeUpdateRemove:
		keys := make([]string, 0, len(attributes))
		for k := range attributes {
			keys = append(keys, k)
		}
		query = `UPDATE devices SET attributes = attributes - $3::text[] WHERE tenant = $1 AND controller_id = $2`
		arg = pq.Array(keys)
	case models.AttributeUpdateReplace, models.AttributeUpdateMerge:
		if attributes == nil {
			attributes = map[string]string{}
		}
		raw, err := json.Marshal(attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes: %w", err)
		}
		query = `UPDATE devices SET attributes = attributes || $3::jsonb WHERE tenant = $1 AND controller_id = $2`
		if mode == models.AttributeUpdateReplace {
			query = `UPDATE devices SET attributes = $3::jsonb WHERE tenant = $1 AND controller_id = $2`
		}
		arg = string(raw)
	default:
		return errors.NewValidationError("mode", "unknown attribute update mode "+string(mode))
	}

	result, err := r.db.ExecContext(ctx, query, tenant, controllerID, arg)
	if err != nil {
		return fmt.Errorf("failed to update attributes: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// UpdateLastPoll records when the device was last heard from.
func (r *ControllerRepository) UpdateLastPoll(ctx context.Context, controllerID string, at time.Time) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_poll = $3 WHERE tenant = $1 AND controller_id = $2`,
		tenant, controllerID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update last poll: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.ErrNotFound
	}
	return nil
}

const actionQuery = `SELECT a.id, a.tenant, a.device_id, d.controller_id, a.distribution_set_id, a.status, a.created_at, a.updated_at
	FROM actions a JOIN devices d ON d.id = a.device_id`

func scanAction(row interface{ Scan(...any) error }) (*models.Action, error) {
	a := &models.Action{}
	err := row.Scan(&a.ID, &a.Tenant, &a.DeviceID, &a.ControllerID, &a.DistributionSetID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// FindOldestActiveAction returns the oldest action of the device that is
// neither finished nor canceled.
func (r *ControllerRepository) FindOldestActiveAction(ctx context.Context, controllerID string) (*models.Action, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	a, err := scanAction(r.db.QueryRowContext(ctx,
		actionQuery+` WHERE a.tenant = $1 AND d.controller_id = $2 AND a.status NOT IN ($3, $4)
		 ORDER BY a.id LIMIT 1`,
		tenant, controllerID, models.StatusFinished, models.StatusCanceled,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active action: %w", err)
	}
	return a, nil
}

// FindAction returns an action by id.
func (r *ControllerRepository) FindAction(ctx context.Context, actionID int64) (*models.Action, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	return r.findAction(ctx, r.db, tenant, actionID)
}

func (r *ControllerRepository) findAction(ctx context.Context, q queryer, tenant string, actionID int64) (*models.Action, error) {
	a, err := scanAction(q.QueryRowContext(ctx, actionQuery+` WHERE a.tenant = $1 AND a.id = $2`, tenant, actionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

// FindSoftwareModules returns the modules, with artifacts, of the
// distribution set an action assigns.
func (r *ControllerRepository) FindSoftwareModules(ctx context.Context, actionID int64) ([]models.SoftwareModule, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT sm.id, sm.type, sm.name, sm.version, sm.metadata
		 FROM actions a
		 JOIN distribution_set_modules dsm ON dsm.distribution_set_id = a.distribution_set_id
		 JOIN software_modules sm ON sm.id = dsm.software_module_id
		 WHERE a.tenant = $1 AND a.id = $2
		 ORDER BY sm.id`,
		tenant, actionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list software modules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var modules []models.SoftwareModule
	index := make(map[int64]int)
	var ids []int64
	for rows.Next() {
		var sm models.SoftwareModule
		var metadata []byte
		if err := rows.Scan(&sm.ID, &sm.Type, &sm.Name, &sm.Version, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan software module: %w", err)
		}
		if err := json.Unmarshal(metadata, &sm.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		index[sm.ID] = len(modules)
		ids = append(ids, sm.ID)
		modules = append(modules, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return modules, nil
	}

	artifacts, err := queryArtifacts(ctx, r.db,
		`WHERE software_module_id = ANY($1) ORDER BY id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		i := index[a.SoftwareModuleID]
		modules[i].Artifacts = append(modules[i].Artifacts, *a)
	}
	return modules, nil
}

// AddActionStatus appends entry and moves the action from status from to
// status to atomically. The action row is locked first; if it has left from
// in the meantime, ErrConflict is returned and nothing is written.
func (r *ControllerRepository) AddActionStatus(ctx context.Context, entry *models.ActionStatus, from, to models.Status) (*models.Action, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}

	var action *models.Action
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var current models.Status
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM actions WHERE tenant = $1 AND id = $2 FOR UPDATE`,
			tenant, entry.ActionID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock action: %w", err)
		}
		if current != from {
			return fmt.Errorf("action %d is %s: %w", entry.ActionID, current, errors.ErrConflict)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE actions SET status = $3, updated_at = NOW() WHERE tenant = $1 AND id = $2`,
			tenant, entry.ActionID, to,
		); err != nil {
			return fmt.Errorf("failed to update action: %w", err)
		}

		messages := entry.Messages
		if messages == nil {
			messages = []string{}
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO action_status (action_id, status, messages, occurred_at, created_by)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			entry.ActionID, entry.Status, pq.Array(messages), entry.OccurredAt, entry.CreatedBy,
		).Scan(&entry.ID)
		if err != nil {
			return fmt.Errorf("failed to insert action status: %w", err)
		}

		action, err = r.findAction(ctx, tx, tenant, entry.ActionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

// CountStatusEntries returns the number of status entries of an action.
func (r *ControllerRepository) CountStatusEntries(ctx context.Context, actionID int64) (int, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_status s JOIN actions a ON a.id = s.action_id
		 WHERE a.tenant = $1 AND s.action_id = $2`,
		tenant, actionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count status entries: %w", err)
	}
	return n, nil
}

// ListStatusEntries returns the status history of an action, oldest first.
func (r *ControllerRepository) ListStatusEntries(ctx context.Context, actionID int64) ([]models.ActionStatus, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.action_id, s.status, s.messages, s.occurred_at, s.created_by
		 FROM action_status s JOIN actions a ON a.id = s.action_id
		 WHERE a.tenant = $1 AND s.action_id = $2 ORDER BY s.id`,
		tenant, actionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list status entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.ActionStatus
	for rows.Next() {
		var s models.ActionStatus
		if err := rows.Scan(&s.ID, &s.ActionID, &s.Status, pq.Array(&s.Messages), &s.OccurredAt, &s.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan status entry: %w", err)
		}
		entries = append(entries, s)
	}
	return entries, rows.Err()
}

// HasArtifactAssigned reports whether any action of the device assigns a
// module carrying the artifact.
func (r *ControllerRepository) HasArtifactAssigned(ctx context.Context, controllerID, sha1 string) (bool, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS(
		     SELECT 1 FROM actions a
		     JOIN devices d ON d.id = a.device_id
		     JOIN distribution_set_modules dsm ON dsm.distribution_set_id = a.distribution_set_id
		     JOIN artifacts ar ON ar.software_module_id = dsm.software_module_id
		     WHERE a.tenant = $1 AND d.controller_id = $2 AND ar.sha1 = $3)`,
		tenant, controllerID, sha1,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check artifact assignment: %w", err)
	}
	return exists, nil
}

// DeviceSecurityToken returns the device's security token. Requires the
// system context.
func (r *ControllerRepository) DeviceSecurityToken(ctx context.Context, controllerID string) (string, error) {
	if !security.IsSystemCode(ctx) {
		return "", errors.ErrForbidden
	}
	tenant, err := tenantOf(ctx)
	if err != nil {
		return "", err
	}
	var token string
	err = r.db.QueryRowContext(ctx,
		`SELECT security_token FROM devices WHERE tenant = $1 AND controller_id = $2`,
		tenant, controllerID,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get security token: %w", err)
	}
	return token, nil
}
