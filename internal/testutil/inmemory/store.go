// Package inmemory provides in-memory implementations for testing.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/witlox/dmfgate/internal/dmf"
	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/models"
)

type deviceKey struct {
	tenant       string
	controllerID string
}

// Store is an in-memory device, action and artifact store. Like the
// postgres repositories it takes the tenant from the security context and
// refuses privileged reads outside the system context.
type Store struct {
	mu sync.RWMutex

	tenants   map[string]*models.Tenant
	configs   map[string]*models.TenantConfiguration
	devices   map[deviceKey]*models.Device
	actions   map[int64]*models.Action
	modules   map[int64][]models.SoftwareModule
	statuses  map[int64][]models.ActionStatus
	artifacts []*models.Artifact
	binaries  map[string][]byte

	nextID int64
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tenants:  make(map[string]*models.Tenant),
		configs:  make(map[string]*models.TenantConfiguration),
		devices:  make(map[deviceKey]*models.Device),
		actions:  make(map[int64]*models.Action),
		modules:  make(map[int64][]models.SoftwareModule),
		statuses: make(map[int64][]models.ActionStatus),
		binaries: make(map[string][]byte),
		now:      time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func tenantOf(ctx context.Context) (string, error) {
	tenant := security.TenantOf(ctx)
	if tenant == "" {
		return "", errors.ErrNoContext
	}
	return tenant, nil
}

// =============================================================================
// Seeding
// =============================================================================

// AddTenant registers a tenant with its authentication configuration.
func (s *Store) AddTenant(cfg models.TenantConfiguration) *models.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &models.Tenant{ID: s.id(), Name: cfg.Tenant, CreatedAt: s.now()}
	s.tenants[cfg.Tenant] = t
	s.configs[cfg.Tenant] = &cfg
	return t
}

// AddDevice registers a device directly.
func (s *Store) AddDevice(tenant, controllerID, address, token string) *models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &models.Device{
		ID:            s.id(),
		Tenant:        tenant,
		ControllerID:  controllerID,
		Name:          controllerID,
		Address:       address,
		SecurityToken: token,
		Attributes:    map[string]string{},
		CreatedAt:     s.now(),
	}
	s.devices[deviceKey{tenant, controllerID}] = d
	return cloneDevice(d)
}

// AddAction assigns modules to a device. The device must exist.
func (s *Store) AddAction(tenant, controllerID string, status models.Status, modules ...models.SoftwareModule) *models.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[deviceKey{tenant, controllerID}]
	if d == nil {
		panic("inmemory: AddAction for unknown device " + controllerID)
	}
	a := &models.Action{
		ID:           s.id(),
		Tenant:       tenant,
		DeviceID:     d.ID,
		ControllerID: controllerID,
		Status:       status,
		CreatedAt:    s.now(),
		UpdatedAt:    s.now(),
	}
	for i := range modules {
		if modules[i].ID == 0 {
			modules[i].ID = s.id()
		}
		for j := range modules[i].Artifacts {
			art := &modules[i].Artifacts[j]
			if art.ID == 0 {
				art.ID = s.id()
			}
			art.Tenant = tenant
			art.SoftwareModuleID = modules[i].ID
			cp := *art
			s.artifacts = append(s.artifacts, &cp)
		}
	}
	s.actions[a.ID] = a
	s.modules[a.ID] = modules
	cp := *a
	return &cp
}

// AddArtifactBinary stores the content of an artifact.
func (s *Store) AddArtifactBinary(tenant, sha1 string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binaries[tenant+"/"+sha1] = content
}

// Device returns a copy of a device, or nil.
func (s *Store) Device(tenant, controllerID string) *models.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d := s.devices[deviceKey{tenant, controllerID}]; d != nil {
		return cloneDevice(d)
	}
	return nil
}

// Action returns a copy of an action, or nil.
func (s *Store) Action(id int64) *models.Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a := s.actions[id]; a != nil {
		cp := *a
		return &cp
	}
	return nil
}

// CancelAction moves an active action to CANCELING, as an operator would.
func (s *Store) CancelAction(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.actions[id]
	if a == nil || a.Status.IsTerminal() {
		return false
	}
	a.Status = models.StatusCanceling
	a.UpdatedAt = s.now()
	return true
}

// Statuses returns the status entries of an action in insertion order.
func (s *Store) Statuses(actionID int64) []models.ActionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.statuses[actionID])
}

func cloneDevice(d *models.Device) *models.Device {
	cp := *d
	cp.Attributes = maps.Clone(d.Attributes)
	return &cp
}

// =============================================================================
// auth.TenantManagement / auth.SecurityTokens
// =============================================================================

func (s *Store) LookupTenant(ctx context.Context, tenantID int64) (*models.Tenant, error) {
	if !security.IsSystemCode(ctx) {
		return nil, errors.ErrForbidden
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.ID == tenantID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errors.ErrTenantNotFound
}

func (s *Store) TenantConfiguration(ctx context.Context, tenant string) (*models.TenantConfiguration, error) {
	if !security.IsSystemCode(ctx) {
		return nil, errors.ErrForbidden
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[tenant]
	if !ok {
		return nil, errors.ErrTenantNotFound
	}
	cp := *cfg
	cp.AuthorizedIssuerHashes = slices.Clone(cfg.AuthorizedIssuerHashes)
	return &cp, nil
}

func (s *Store) DeviceSecurityToken(ctx context.Context, controllerID string) (string, error) {
	if !security.IsSystemCode(ctx) {
		return "", errors.ErrForbidden
	}
	tenant, err := tenantOf(ctx)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.devices[deviceKey{tenant, controllerID}]
	if d == nil {
		return "", errors.ErrNotFound
	}
	return d.SecurityToken, nil
}

// =============================================================================
// dmf.ControllerManagement
// =============================================================================

func (s *Store) FindOrRegisterDevice(ctx context.Context, controllerID, address string, reg *dmf.Registration) (*models.Device, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey{tenant, controllerID}
	d := s.devices[key]
	if d == nil {
		d = &models.Device{
			ID:            s.id(),
			Tenant:        tenant,
			ControllerID:  controllerID,
			Name:          controllerID,
			SecurityToken: uuid.NewString(),
			Attributes:    map[string]string{},
			CreatedAt:     s.now(),
		}
		s.devices[key] = d
	}
	d.Address = address
	if reg != nil {
		if reg.Name != "" {
			d.Name = reg.Name
		}
		if reg.Type != "" {
			d.Type = reg.Type
		}
	}
	now := s.now()
	d.LastPoll = &now
	return cloneDevice(d), nil
}

func (s *Store) FindDevice(ctx context.Context, controllerID string) (*models.Device, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.devices[deviceKey{tenant, controllerID}]
	if d == nil {
		return nil, errors.ErrNotFound
	}
	return cloneDevice(d), nil
}

func (s *Store) DeleteDevice(ctx context.Context, controllerID string) (*models.Device, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey{tenant, controllerID}
	d := s.devices[key]
	if d == nil {
		return nil, errors.ErrNotFound
	}
	delete(s.devices, key)
	for id, a := range s.actions {
		if a.DeviceID == d.ID {
			delete(s.actions, id)
			delete(s.modules, id)
			delete(s.statuses, id)
		}
	}
	return d, nil
}

func (s *Store) UpdateAttributes(ctx context.Context, controllerID string, attributes map[string]string, mode models.AttributeUpdateMode) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[deviceKey{tenant, controllerID}]
	if d == nil {
		return errors.ErrNotFound
	}
	switch mode {
	case models.AttributeUpdateReplace:
		d.Attributes = maps.Clone(attributes)
		if d.Attributes == nil {
			d.Attributes = map[string]string{}
		}
	case models.AttributeUpdateRemove:
		for k := range attributes {
			delete(d.Attributes, k)
		}
	default:
		maps.Copy(d.Attributes, attributes)
	}
	return nil
}

func (s *Store) UpdateLastPoll(ctx context.Context, controllerID string, at time.Time) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[deviceKey{tenant, controllerID}]
	if d == nil {
		return errors.ErrNotFound
	}
	d.LastPoll = &at
	return nil
}

func (s *Store) FindOldestActiveAction(ctx context.Context, controllerID string) (*models.Action, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *models.Action
	for _, a := range s.actions {
		if a.Tenant != tenant || a.ControllerID != controllerID || !a.IsActive() {
			continue
		}
		if oldest == nil || a.ID < oldest.ID {
			oldest = a
		}
	}
	if oldest == nil {
		return nil, errors.ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (s *Store) FindAction(ctx context.Context, actionID int64) (*models.Action, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.actions[actionID]
	if a == nil || a.Tenant != tenant {
		return nil, errors.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindSoftwareModules(ctx context.Context, actionID int64) ([]models.SoftwareModule, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.actions[actionID]
	if a == nil || a.Tenant != tenant {
		return nil, errors.ErrNotFound
	}
	return slices.Clone(s.modules[actionID]), nil
}

func (s *Store) AddActionStatus(ctx context.Context, entry *models.ActionStatus, from, to models.Status) (*models.Action, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.actions[entry.ActionID]
	if a == nil || a.Tenant != tenant {
		return nil, errors.ErrNotFound
	}
	if a.Status != from {
		return nil, fmt.Errorf("action %d is %s: %w", a.ID, a.Status, errors.ErrConflict)
	}
	entry.ID = s.id()
	s.statuses[a.ID] = append(s.statuses[a.ID], *entry)
	a.Status = to
	a.UpdatedAt = s.now()
	cp := *a
	return &cp, nil
}

func (s *Store) CountStatusEntries(ctx context.Context, actionID int64) (int, error) {
	if _, err := tenantOf(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.statuses[actionID]), nil
}

func (s *Store) HasArtifactAssigned(ctx context.Context, controllerID, sha1 string) (bool, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, a := range s.actions {
		if a.Tenant != tenant || a.ControllerID != controllerID {
			continue
		}
		for _, sm := range s.modules[id] {
			for _, art := range sm.Artifacts {
				if art.SHA1 == sha1 {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// =============================================================================
// dmf.ArtifactManagement
// =============================================================================

func (s *Store) findArtifact(ctx context.Context, match func(*models.Artifact) bool) (*models.Artifact, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.artifacts {
		if a.Tenant == tenant && match(a) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, errors.ErrNotFound
}

func (s *Store) FindArtifactBySHA1(ctx context.Context, sha1 string) (*models.Artifact, error) {
	return s.findArtifact(ctx, func(a *models.Artifact) bool { return a.SHA1 == sha1 })
}

func (s *Store) FindArtifactByFilename(ctx context.Context, filename string) (*models.Artifact, error) {
	return s.findArtifact(ctx, func(a *models.Artifact) bool { return a.Filename == filename })
}

func (s *Store) FindArtifactByModuleFilename(ctx context.Context, moduleID int64, filename string) (*models.Artifact, error) {
	return s.findArtifact(ctx, func(a *models.Artifact) bool {
		return a.SoftwareModuleID == moduleID && a.Filename == filename
	})
}

// OpenArtifact returns the artifact and its content.
func (s *Store) OpenArtifact(ctx context.Context, sha1 string) (*models.Artifact, io.ReadCloser, error) {
	art, err := s.FindArtifactBySHA1(ctx, sha1)
	if err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.binaries[art.Tenant+"/"+sha1]
	if !ok {
		return nil, nil, errors.ErrNotFound
	}
	return art, io.NopCloser(bytes.NewReader(content)), nil
}

var (
	_ dmf.ControllerManagement = (*Store)(nil)
	_ dmf.ArtifactManagement   = (*Store)(nil)
)
