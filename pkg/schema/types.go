package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"
	"time"
)

// SerializationFormat identifies the schema language of a SchemaInfo
type SerializationFormat int

const (
	FormatAny SerializationFormat = iota
	FormatJSON
	FormatAvro
	FormatProtobuf
	FormatCustom
)

func (f SerializationFormat) String() string {
	switch f {
	case FormatAny:
		return "Any"
	case FormatJSON:
		return "Json"
	case FormatAvro:
		return "Avro"
	case FormatProtobuf:
		return "Protobuf"
	case FormatCustom:
		return "Custom"
	default:
		return fmt.Sprintf("SerializationFormat(%d)", int(f))
	}
}

// ParseSerializationFormat converts a string to SerializationFormat, case-insensitively
func ParseSerializationFormat(s string) (SerializationFormat, error) {
	switch strings.ToLower(s) {
	case "any", "":
		return FormatAny, nil
	case "json", "jsonschema", "json_schema":
		return FormatJSON, nil
	case "avro":
		return FormatAvro, nil
	case "protobuf", "proto":
		return FormatProtobuf, nil
	case "custom":
		return FormatCustom, nil
	}
	return FormatAny, fmt.Errorf("unknown serialization format: %s", s)
}

// MarshalText implements encoding.TextMarshaler
func (f SerializationFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (f *SerializationFormat) UnmarshalText(text []byte) error {
	parsed, err := ParseSerializationFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// SchemaInfo is the unit of identity kept by a schema store. Two values are the
// same schema iff Type, Format and Data are equal; Properties are informational.
type SchemaInfo struct {
	Type       string              `json:"type"`
	Format     SerializationFormat `json:"serialization_format"`
	Data       []byte              `json:"schema_data"`
	Properties map[string]string   `json:"properties,omitempty"`
}

// SameContent reports whether two schemas have identical identity fields
func (s SchemaInfo) SameContent(other SchemaInfo) bool {
	return s.Type == other.Type && s.Format == other.Format && bytes.Equal(s.Data, other.Data)
}

// Clone returns a copy of s that shares no memory with it
func (s SchemaInfo) Clone() SchemaInfo {
	s.Data = bytes.Clone(s.Data)
	s.Properties = maps.Clone(s.Properties)
	return s
}

// Fingerprint returns the content hash used for cross-group deduplication
func Fingerprint(info SchemaInfo) string {
	h := sha256.New()
	h.Write([]byte(info.Format.String()))
	h.Write([]byte{0})
	h.Write([]byte(info.Type))
	h.Write([]byte{0})
	h.Write(info.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// VersionInfo locates a schema within a group. Version is the per-type
// ordinal, Ordinal is group-wide; neither is ever reused.
type VersionInfo struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Ordinal int    `json:"ordinal"`
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%s/v%d(#%d)", v.Type, v.Version, v.Ordinal)
}

// SchemaWithVersion pairs a stored schema with its assigned version
type SchemaWithVersion struct {
	Schema    SchemaInfo  `json:"schema"`
	Version   VersionInfo `json:"version"`
	Deleted   bool        `json:"deleted,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// EncodingID binds a schema version to a codec
type EncodingID int32

// EncodingInfo is what an EncodingID resolves to
type EncodingInfo struct {
	ID        EncodingID  `json:"id"`
	Version   VersionInfo `json:"version"`
	Schema    SchemaInfo  `json:"schema"`
	CodecType string      `json:"codec_type"`
}

// DefaultCodec is registered on every new group
const DefaultCodec = "none"
