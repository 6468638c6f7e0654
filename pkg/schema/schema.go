// Package schema defines the entity model for adaptive extraction: field
// descriptors reported by the source, the normalized schema types resolved
// from them, and the builder that turns metadata and sampled records into
// flat entity schemas.
//
// Field types are resolved from declared source types first and from
// field-name patterns second. Raw sampled values are never used to guess a
// type; the same record normalization runs at schema-build time and at
// extraction time so the two can never drift apart.
package schema

import (
	"github.com/elliotchance/orderedmap/v2"

	"github.com/inletlabs/inlet/pkg/strings"
)

// FieldType is the normalized type of a schema field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeNull    FieldType = "null"
)

// Provenance records how a field's type was resolved.
type Provenance string

const (
	// ProvenanceMetadata means the type came from a declared source type
	ProvenanceMetadata Provenance = "metadata"
	// ProvenancePattern means the type came from a field-name pattern
	ProvenancePattern Provenance = "pattern"
)

// SchemaField is one resolved field in an entity schema.
type SchemaField struct {
	// Type is the normalized field type
	Type FieldType `json:"type"`
	// Format refines string types, e.g. date-time or date
	Format string `json:"format,omitempty"`
	// Nullable reports whether null values are accepted
	Nullable bool `json:"nullable"`
	// Provenance records how the type was resolved, for debugging drift
	Provenance Provenance `json:"provenance,omitempty"`
}

// FieldDescriptor is a source-declared field as reported by the metadata
// endpoint. DeclaredType may be empty for sources that do not describe
// every field.
type FieldDescriptor struct {
	Name         string `json:"name"`
	DeclaredType string `json:"type,omitempty"`
	MaxLength    int    `json:"max_length,omitempty"`
	Required     bool   `json:"required,omitempty"`
	Nullable     bool   `json:"nullable,omitempty"`
}

// EntityMetadata is the describe-endpoint payload for one entity.
type EntityMetadata struct {
	Name string `json:"name"`
	// Fields lists the declared field descriptors
	Fields []FieldDescriptor `json:"fields"`
	// PrimaryKey optionally names the unique key field
	PrimaryKey string `json:"primary_key,omitempty"`
	// ReplicationKey optionally names the modification timestamp field
	ReplicationKey string `json:"replication_key,omitempty"`
}

// Entity is a discovered extractable entity.
type Entity struct {
	// Name is the entity identifier used in paths and state
	Name string `json:"name"`
	// Endpoint is the absolute collection URL
	Endpoint string `json:"endpoint"`
	// PrimaryKey is the resolved unique key field
	PrimaryKey string `json:"primary_key,omitempty"`
	// ReplicationKey is the resolved modification timestamp field, empty
	// when the entity does not support incremental extraction
	ReplicationKey string `json:"replication_key,omitempty"`
	// Fields carries the declared descriptors from metadata
	Fields []FieldDescriptor `json:"fields,omitempty"`
}

// SupportsIncremental reports whether the entity exposes a replication key.
func (e *Entity) SupportsIncremental() bool {
	return e.ReplicationKey != ""
}

// EntitySchema is the resolved flat schema for one entity. Field order is
// preserved so downstream columnar sinks see stable column ordering.
type EntitySchema struct {
	// Entity names the entity this schema describes
	Entity string
	// Fields maps field name to its resolved type, in insertion order
	Fields *orderedmap.OrderedMap[string, SchemaField]
	// AdditionalProperties is true when the schema may be incomplete
	// (sample-derived fields can appear that metadata never declared)
	AdditionalProperties bool
	// PrimaryKey is carried through from the entity for sinks
	PrimaryKey string
	// ReplicationKey is carried through from the entity for sinks
	ReplicationKey string
}

// NewEntitySchema creates an empty schema for entity.
func NewEntitySchema(entity string) *EntitySchema {
	return &EntitySchema{
		Entity: entity,
		Fields: orderedmap.NewOrderedMap[string, SchemaField](),
	}
}

// Field returns the schema field by name.
func (s *EntitySchema) Field(name string) (SchemaField, bool) {
	return s.Fields.Get(name)
}

// SetField inserts or replaces a field.
func (s *EntitySchema) SetField(name string, f SchemaField) {
	s.Fields.Set(name, f)
}

// FieldNames returns field names in schema order.
func (s *EntitySchema) FieldNames() []string {
	return s.Fields.Keys()
}

// Len returns the number of fields.
func (s *EntitySchema) Len() int {
	return s.Fields.Len()
}

// Clone returns a deep copy of the schema.
func (s *EntitySchema) Clone() *EntitySchema {
	out := NewEntitySchema(s.Entity)
	out.AdditionalProperties = s.AdditionalProperties
	out.PrimaryKey = s.PrimaryKey
	out.ReplicationKey = s.ReplicationKey
	for el := s.Fields.Front(); el != nil; el = el.Next() {
		out.Fields.Set(el.Key, el.Value)
	}
	return out
}

// MarshalMap renders the schema as a JSON-friendly map in field order,
// the shape sinks emit as a schema message.
func (s *EntitySchema) MarshalMap() map[string]interface{} {
	props := make(map[string]interface{}, s.Fields.Len())
	order := make([]string, 0, s.Fields.Len())
	for el := s.Fields.Front(); el != nil; el = el.Next() {
		order = append(order, el.Key)
		prop := map[string]interface{}{
			"type":     string(el.Value.Type),
			"nullable": el.Value.Nullable,
		}
		if el.Value.Format != "" {
			prop["format"] = el.Value.Format
		}
		props[el.Key] = prop
	}
	return map[string]interface{}{
		"entity":                s.Entity,
		"properties":            props,
		"field_order":           order,
		"additional_properties": s.AdditionalProperties,
	}
}

// replicationKeyCandidates are recognized modification timestamp field
// names, in preference order.
var replicationKeyCandidates = []string{
	"updated_at",
	"modified_at",
	"last_modified",
	"updated_ts",
	"modified_ts",
	"modify_ts",
	"last_updated",
	"updated_on",
	"modified_on",
}

// FindReplicationKey returns the first recognized modification timestamp
// field among the descriptors, or empty when none qualifies.
func FindReplicationKey(fields []FieldDescriptor) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return FindReplicationKeyNames(names)
}

// FindReplicationKeyNames is FindReplicationKey over bare field names, for
// schemas derived from samples where no descriptors exist.
func FindReplicationKeyNames(names []string) string {
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	for _, candidate := range replicationKeyCandidates {
		if present[candidate] {
			return candidate
		}
	}
	return ""
}

// FindPrimaryKey resolves the unique key for an entity: a literal "id"
// field wins, then "<entity>_id" (or its singular form), then the first
// "*_id" field in declared order.
func FindPrimaryKey(entity string, fields []FieldDescriptor) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return FindPrimaryKeyNames(entity, names)
}

// FindPrimaryKeyNames is FindPrimaryKey over bare field names.
func FindPrimaryKeyNames(entity string, names []string) string {
	entityID := entity + "_id"
	singularID := strings.TrimSuffix(entity, "s") + "_id"

	var hasEntityID, hasSingularID bool
	var firstIDSuffix string
	for _, name := range names {
		switch name {
		case "id":
			return "id"
		case entityID:
			hasEntityID = true
		case singularID:
			hasSingularID = true
		}
		if firstIDSuffix == "" && strings.HasSuffix(name, "_id") {
			firstIDSuffix = name
		}
	}
	if hasEntityID {
		return entityID
	}
	if hasSingularID {
		return singularID
	}
	return firstIDSuffix
}
