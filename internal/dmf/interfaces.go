package dmf

import (
	"context"
	"time"

	"github.com/witlox/dmfgate/internal/auth"
	"github.com/witlox/dmfgate/pkg/models"
)

// Registration carries the optional device fields of THING_CREATED.
type Registration struct {
	Name string
	Type string
}

// ControllerManagement is the device and action store used by the protocol
// handlers. The tenant is taken from the security context of ctx. Lookups of
// absent entities return errors.ErrNotFound.
type ControllerManagement interface {
	// FindOrRegisterDevice returns the device, creating it with a fresh
	// security token when unknown, and records its address.
	FindOrRegisterDevice(ctx context.Context, controllerID, address string, reg *Registration) (*models.Device, error)
	FindDevice(ctx context.Context, controllerID string) (*models.Device, error)
	// DeleteDevice removes the device and returns what was removed.
	DeleteDevice(ctx context.Context, controllerID string) (*models.Device, error)
	UpdateAttributes(ctx context.Context, controllerID string, attributes map[string]string, mode models.AttributeUpdateMode) error
	UpdateLastPoll(ctx context.Context, controllerID string, at time.Time) error

	// FindOldestActiveAction returns the oldest non-terminal action.
	FindOldestActiveAction(ctx context.Context, controllerID string) (*models.Action, error)
	FindAction(ctx context.Context, actionID int64) (*models.Action, error)
	FindSoftwareModules(ctx context.Context, actionID int64) ([]models.SoftwareModule, error)
	// AddActionStatus appends entry and moves the action from status from to
	// status to in one transaction. It returns the updated action, or
	// errors.ErrConflict when the action is no longer in from.
	AddActionStatus(ctx context.Context, entry *models.ActionStatus, from, to models.Status) (*models.Action, error)
	CountStatusEntries(ctx context.Context, actionID int64) (int, error)

	HasArtifactAssigned(ctx context.Context, controllerID, sha1 string) (bool, error)

	// DeviceSecurityToken requires the system context.
	DeviceSecurityToken(ctx context.Context, controllerID string) (string, error)
}

// ArtifactManagement resolves artifacts by the file resource forms devices
// use in authentication requests.
type ArtifactManagement interface {
	FindArtifactBySHA1(ctx context.Context, sha1 string) (*models.Artifact, error)
	FindArtifactByFilename(ctx context.Context, filename string) (*models.Artifact, error)
	FindArtifactByModuleFilename(ctx context.Context, moduleID int64, filename string) (*models.Artifact, error)
}

// DownloadIssuer issues single-use download ids.
type DownloadIssuer interface {
	Issue(ctx context.Context, tenant, sha1 string) (string, error)
}

// Authenticator authenticates device credential bundles.
type Authenticator interface {
	Authenticate(ctx context.Context, req *auth.Request) (*auth.Authentication, error)
}
