// Package models defines the core domain types for dmfgate.
package models

import (
	"time"
)

// Tenant represents an isolated customer scope.
type Tenant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantConfiguration holds the per-tenant device authentication switches.
type TenantConfiguration struct {
	Tenant                   string   `json:"tenant"`
	GatewayTokenEnabled      bool     `json:"gateway_token_enabled"`
	GatewayToken             string   `json:"gateway_token,omitempty"`
	HeaderAuthEnabled        bool     `json:"header_auth_enabled"`
	AuthorizedIssuerHashes   []string `json:"authorized_issuer_hashes,omitempty"`
	TargetTokenEnabled       bool     `json:"target_token_enabled"`
	AnonymousDownloadEnabled bool     `json:"anonymous_download_enabled"`
}

// Device represents a registered controller (a "thing" on the DMF channel).
type Device struct {
	ID            int64             `json:"id"`
	Tenant        string            `json:"tenant"`
	ControllerID  string            `json:"controller_id"`
	Name          string            `json:"name"`
	Type          string            `json:"type,omitempty"`
	Address       string            `json:"address"`
	SecurityToken string            `json:"-"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	LastPoll      *time.Time        `json:"last_poll,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Status is the state of an action or of one reported action status entry.
type Status string

const (
	StatusRunning        Status = "RUNNING"
	StatusCanceling      Status = "CANCELING"
	StatusCanceled       Status = "CANCELED"
	StatusFinished       Status = "FINISHED"
	StatusError          Status = "ERROR"
	StatusDownload       Status = "DOWNLOAD"
	StatusRetrieved      Status = "RETRIEVED"
	StatusWarning        Status = "WARNING"
	StatusCancelRejected Status = "CANCEL_REJECTED"
)

// IsTerminal reports whether no further status may become current.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusCanceled
}

// ParseStatus converts a wire literal into a Status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusRunning, StatusCanceling, StatusCanceled, StatusFinished, StatusError,
		StatusDownload, StatusRetrieved, StatusWarning, StatusCancelRejected:
		return st, true
	}
	return "", false
}

// Action is the assignment of a distribution to a device.
type Action struct {
	ID                int64     `json:"id"`
	Tenant            string    `json:"tenant"`
	DeviceID          int64     `json:"device_id"`
	ControllerID      string    `json:"controller_id"`
	DistributionSetID int64     `json:"distribution_set_id"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsActive reports whether the action still expects device work.
func (a *Action) IsActive() bool {
	return !a.Status.IsTerminal()
}

// IsCanceling reports whether a cancellation has been requested.
func (a *Action) IsCanceling() bool {
	return a.Status == StatusCanceling
}

// ActionStatus is one immutable, time-stamped status entry of an action.
type ActionStatus struct {
	ID         int64     `json:"id"`
	ActionID   int64     `json:"action_id"`
	Status     Status    `json:"status"`
	Messages   []string  `json:"messages,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedBy  string    `json:"created_by"`
}

// SoftwareModule is one installable unit of a distribution.
type SoftwareModule struct {
	ID        int64             `json:"id"`
	Type      string            `json:"type"`
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Artifact describes a binary attached to a software module.
type Artifact struct {
	ID               int64     `json:"id"`
	Tenant           string    `json:"tenant"`
	SoftwareModuleID int64     `json:"software_module_id"`
	Filename         string    `json:"filename"`
	Size             int64     `json:"size"`
	SHA1             string    `json:"sha1"`
	MD5              string    `json:"md5"`
	SHA256           string    `json:"sha256"`
	LastModified     time.Time `json:"last_modified"`
}

// AttributeUpdateMode controls how reported attributes are applied.
type AttributeUpdateMode string

const (
	AttributeUpdateMerge   AttributeUpdateMode = "MERGE"
	AttributeUpdateReplace AttributeUpdateMode = "REPLACE"
	AttributeUpdateRemove  AttributeUpdateMode = "REMOVE"
)
