package security

import (
	"encoding/json"
	"slices"

	"github.com/witlox/dmfgate/pkg/errors"
)

// serializedContext is the wire form of a captured context.
type serializedContext struct {
	Tenant      string    `json:"tenant,omitempty"`
	Auditor     *string   `json:"auditor,omitempty"`
	Username    *string   `json:"username,omitempty"` // legacy spelling of auditor, read only
	Authorities *[]string `json:"authorities"`
}

// Serialize encodes a context for deferred execution. Controller contexts
// are rejected with ErrNotSerializable.
func Serialize(sc *Context) (string, error) {
	if sc == nil {
		return "", errors.ErrNoContext
	}
	if sc.controller {
		return "", errors.ErrNotSerializable
	}
	auditor := sc.actor
	authorities := slices.Clone(sc.authorities)
	data, err := json.Marshal(serializedContext{
		Tenant:      sc.tenant,
		Auditor:     &auditor,
		Authorities: &authorities,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Deserialize decodes a serialized context. A missing authorities field is
// a MalformedContextError; a missing auditor defaults to UnknownAuditor.
func Deserialize(serialized string) (*Context, error) {
	if serialized == "" {
		return nil, errors.ErrNoContext
	}

	var dto serializedContext
	if err := json.Unmarshal([]byte(serialized), &dto); err != nil {
		return nil, &errors.MalformedContextError{Field: "json", Cause: err}
	}
	if dto.Authorities == nil {
		return nil, &errors.MalformedContextError{Field: "authorities"}
	}

	auditor := UnknownAuditor
	switch {
	case dto.Auditor != nil:
		auditor = *dto.Auditor
	case dto.Username != nil:
		auditor = *dto.Username
	}

	authorities := normalize(*dto.Authorities)
	if auditor == SystemActor && slices.Contains(authorities, RoleSystemCode) {
		return SystemContext(dto.Tenant), nil
	}
	return &Context{
		tenant:      dto.Tenant,
		actor:       auditor,
		authorities: authorities,
	}, nil
}
