package api

import (
	"fmt"
	"time"

	"github.com/platinummonkey/tether/pkg/compatibility"
	"github.com/platinummonkey/tether/pkg/registry"
	"github.com/platinummonkey/tether/pkg/schema"
	"github.com/platinummonkey/tether/pkg/storage"
)

// CreateGroupRequest is the body of POST /v1/groups. Policy takes precedence
// over Compatibility; with neither the server default applies.
type CreateGroupRequest struct {
	Name                string                `json:"name"`
	SerializationFormat string                `json:"serialization_format"`
	Compatibility       string                `json:"compatibility,omitempty"`
	Policy              *compatibility.Policy `json:"policy,omitempty"`
	VersionBySchemaType bool                  `json:"version_by_schema_type"`
	Properties          map[string]string     `json:"properties,omitempty"`
}

// UpdatePolicyRequest is the body of PUT /v1/groups/{group}/policy
type UpdatePolicyRequest struct {
	Compatibility string                `json:"compatibility,omitempty"`
	Till          *schema.VersionInfo   `json:"till,omitempty"`
	Policy        *compatibility.Policy `json:"policy,omitempty"`
	Actor         string                `json:"actor,omitempty"`
}

func (r UpdatePolicyRequest) policy() (compatibility.Policy, error) {
	if r.Policy != nil {
		return *r.Policy, nil
	}
	if r.Compatibility == "" {
		return compatibility.Policy{}, fmt.Errorf("%w: policy or compatibility is required", registry.ErrInvalidArgument)
	}
	return policyFromMode(r.Compatibility, r.Till)
}

func policyFromMode(name string, till *schema.VersionInfo) (compatibility.Policy, error) {
	mode, err := compatibility.ParseCompatibilityMode(name)
	if err != nil {
		return compatibility.Policy{}, fmt.Errorf("%w: %w", registry.ErrInvalidArgument, err)
	}
	policy, err := compatibility.PolicyForMode(mode, till)
	if err != nil {
		return compatibility.Policy{}, fmt.Errorf("%w: %w", registry.ErrInvalidArgument, err)
	}
	return policy, nil
}

// SchemaRequest carries a schema. An empty serialization format means the
// group's format.
type SchemaRequest struct {
	Type                string            `json:"type"`
	SerializationFormat string            `json:"serialization_format,omitempty"`
	Schema              string            `json:"schema"`
	Properties          map[string]string `json:"properties,omitempty"`
}

// SchemaEntry is a stored schema as returned by the API
type SchemaEntry struct {
	Version             schema.VersionInfo `json:"version"`
	SerializationFormat string             `json:"serialization_format"`
	Schema              string             `json:"schema"`
	Properties          map[string]string  `json:"properties,omitempty"`
	Deleted             bool               `json:"deleted,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}

func toSchemaEntry(s schema.SchemaWithVersion) SchemaEntry {
	return SchemaEntry{
		Version:             s.Version,
		SerializationFormat: s.Schema.Format.String(),
		Schema:              string(s.Schema.Data),
		Properties:          s.Schema.Properties,
		Deleted:             s.Deleted,
		CreatedAt:           s.CreatedAt,
	}
}

// RegisterResponse is the body of POST /v1/groups/{group}/schemas
type RegisterResponse = registry.RegistrationResult

// CanReadResponse is the body of POST /v1/groups/{group}/can-read
type CanReadResponse struct {
	CanRead bool `json:"can_read"`
}

// CodecRequest is the body of POST /v1/groups/{group}/codecs
type CodecRequest struct {
	Codec string `json:"codec"`
}

// EncodingRequest is the body of POST /v1/groups/{group}/encodings
type EncodingRequest struct {
	Ordinal int    `json:"ordinal"`
	Codec   string `json:"codec,omitempty"`
}

// EncodingResponse carries an allocated encoding id
type EncodingResponse struct {
	ID schema.EncodingID `json:"id"`
}

// EncodingInfoResponse is what GET /v1/groups/{group}/encodings/{id} returns
type EncodingInfoResponse struct {
	ID        schema.EncodingID `json:"id"`
	CodecType string            `json:"codec_type"`
	Schema    SchemaEntry       `json:"schema"`
}

// GroupResponse is a group as returned by the API
type GroupResponse = storage.Group
