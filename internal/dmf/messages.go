// Package dmf implements the server side of the Device Management
// Federation protocol: inbound message routing, the action status state
// machine, outbound commands and the retry policy applied to failures.
package dmf

import (
	"bytes"
	"encoding/json"

	"github.com/witlox/dmfgate/pkg/broker"
	"github.com/witlox/dmfgate/pkg/errors"
	"github.com/witlox/dmfgate/pkg/models"
)

// Message headers.
const (
	HeaderType    = broker.TypeHeader
	HeaderTopic   = broker.TopicHeader
	HeaderTenant  = "tenant"
	HeaderThingID = "thingId"
)

// MessageType is the value of the type header.
type MessageType string

const (
	TypeThingCreated MessageType = "THING_CREATED"
	TypeThingRemoved MessageType = "THING_REMOVED"
	TypeThingDeleted MessageType = "THING_DELETED"
	TypeEvent        MessageType = "EVENT"
	TypePing         MessageType = "PING"
	TypePingResponse MessageType = "PING_RESPONSE"
)

// EventTopic is the value of the topic header of EVENT messages.
type EventTopic string

const (
	TopicUpdateActionStatus EventTopic = "UPDATE_ACTION_STATUS"
	TopicUpdateAttributes   EventTopic = "UPDATE_ATTRIBUTES"
	TopicDownloadAndInstall EventTopic = "DOWNLOAD_AND_INSTALL"
	TopicCancelDownload     EventTopic = "CANCEL_DOWNLOAD"
)

// AnonymousControllerActor is the actor of the context installed for every
// inbound message before any device is authenticated.
const AnonymousControllerActor = "AMQP-Controller"

// ServerMessagePrefix marks status messages written by the server itself.
const ServerMessagePrefix = "Update Server: "

// ActionUpdateStatus is the body of EVENT/UPDATE_ACTION_STATUS.
type ActionUpdateStatus struct {
	ActionID         int64    `json:"actionId"`
	SoftwareModuleID int64    `json:"softwareModuleId,omitempty"`
	ActionStatus     string   `json:"actionStatus"`
	Message          []string `json:"message,omitempty"`
	Code             *int     `json:"code,omitempty"`
}

// AttributeUpdate is the body of EVENT/UPDATE_ATTRIBUTES.
type AttributeUpdate struct {
	Attributes map[string]string          `json:"attributes"`
	Mode       models.AttributeUpdateMode `json:"mode,omitempty"`
}

// CreateThing is the optional body of THING_CREATED.
type CreateThing struct {
	Name            string           `json:"name,omitempty"`
	Type            string           `json:"type,omitempty"`
	AttributeUpdate *AttributeUpdate `json:"attributeUpdate,omitempty"`
}

// ActionRequest is the body of CANCEL_DOWNLOAD.
type ActionRequest struct {
	ActionID int64 `json:"actionId"`
}

// DownloadAndUpdateRequest is the body of DOWNLOAD_AND_INSTALL.
type DownloadAndUpdateRequest struct {
	ActionID            int64            `json:"actionId"`
	TargetSecurityToken string           `json:"targetSecurityToken"`
	SoftwareModules     []SoftwareModule `json:"softwareModules"`
}

// SoftwareModule is one module of a DOWNLOAD_AND_INSTALL request.
type SoftwareModule struct {
	ModuleID      int64      `json:"moduleId"`
	ModuleType    string     `json:"moduleType"`
	ModuleVersion string     `json:"moduleVersion"`
	Artifacts     []Artifact `json:"artifacts"`
	Metadata      []Metadata `json:"metadata,omitempty"`
}

// Artifact describes one downloadable file.
type Artifact struct {
	Filename     string            `json:"filename"`
	URLs         map[string]string `json:"urls,omitempty"`
	Hashes       ArtifactHash      `json:"hashes"`
	Size         int64             `json:"size"`
	LastModified int64             `json:"lastModified,omitempty"`
}

// ArtifactHash holds the checksums of an artifact.
type ArtifactHash struct {
	SHA1   string `json:"sha1"`
	MD5    string `json:"md5,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Metadata is a key/value pair visible to the device.
type Metadata struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DownloadResponse is the reply to an authentication request.
type DownloadResponse struct {
	ResponseCode int               `json:"responseCode"`
	Message      string            `json:"message,omitempty"`
	Artifact     *DownloadArtifact `json:"artifact,omitempty"`
	DownloadURL  string            `json:"downloadUrl,omitempty"`
}

// DownloadArtifact describes the artifact granted by a download response.
type DownloadArtifact struct {
	Size         int64        `json:"size"`
	Hashes       ArtifactHash `json:"hashes"`
	LastModified int64        `json:"lastModified,omitempty"`
}

// isEmptyBody treats a missing body and an encoded empty string alike.
func isEmptyBody(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 || string(trimmed) == `""`
}

func decodeBody(msg *broker.Message, v any) error {
	if !msg.IsJSON() {
		return errors.NewStructuralError("content_type", "expected JSON, got "+quoteOrNone(msg.ContentType))
	}
	if isEmptyBody(msg.Body) {
		return errors.NewStructuralError("body", "must not be empty")
	}
	if err := json.Unmarshal(msg.Body, v); err != nil {
		return &errors.StructuralError{Field: "body", Message: "invalid JSON", Cause: err}
	}
	return nil
}

func quoteOrNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return `"` + s + `"`
}
