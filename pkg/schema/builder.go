package schema

import (
	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
)

// Builder assembles entity schemas. Declared metadata is always preferred;
// sampled records only contribute fields the metadata did not declare.
type Builder struct {
	inferrer  *Inferrer
	flattener *Flattener
	logger    *zap.Logger
}

// NewBuilder returns a Builder sharing the given inferrer and flattener.
// The flattener must be the same instance used during extraction so that
// schema fields and record fields are produced by one code path.
func NewBuilder(inferrer *Inferrer, flattener *Flattener) *Builder {
	return &Builder{
		inferrer:  inferrer,
		flattener: flattener,
		logger:    logger.Get().With(zap.String("component", "schema_builder")),
	}
}

// Flattener exposes the normalization pipeline used by this builder.
func (b *Builder) Flattener() *Flattener {
	return b.flattener
}

// FromMetadata builds a closed schema from declared field descriptors.
// Field order follows declaration order and additional properties are
// rejected, since the source has told us exactly what exists.
func (b *Builder) FromMetadata(meta *EntityMetadata) (*EntitySchema, error) {
	if meta == nil {
		return nil, errors.New(errors.ClassConfig, "entity metadata is nil")
	}
	if len(meta.Fields) == 0 {
		return nil, errors.New(errors.ClassConfig, "entity metadata declares no fields").
			WithDetail("entity", meta.Name)
	}

	s := NewEntitySchema(meta.Name)
	s.AdditionalProperties = false

	for _, fd := range meta.Fields {
		field, err := b.inferrer.InferDescriptor(fd)
		if err != nil {
			return nil, err
		}
		s.SetField(fd.Name, field)
	}

	s.PrimaryKey = meta.PrimaryKey
	if s.PrimaryKey == "" {
		s.PrimaryKey = FindPrimaryKey(meta.Name, meta.Fields)
	}
	s.ReplicationKey = meta.ReplicationKey
	if s.ReplicationKey == "" {
		s.ReplicationKey = FindReplicationKey(meta.Fields)
	}

	b.logger.Debug("built schema from metadata",
		zap.String("entity", meta.Name),
		zap.Int("fields", s.Len()),
		zap.String("primary_key", s.PrimaryKey),
		zap.String("replication_key", s.ReplicationKey))
	return s, nil
}

// FromSamples builds an open schema by normalizing sampled records and
// typing each discovered field name. Values are never inspected for type;
// only the flattened field names drive inference, which is why sampled
// schemas stay permissive (additional properties allowed).
func (b *Builder) FromSamples(entity string, samples []map[string]interface{}) (*EntitySchema, error) {
	s := NewEntitySchema(entity)
	s.AdditionalProperties = true

	for _, sample := range samples {
		normalized, err := b.flattener.Normalize(sample)
		if err != nil {
			return nil, err
		}
		for _, name := range sortedKeys(normalized) {
			if _, exists := s.Field(name); exists {
				continue
			}
			field, err := b.inferrer.Infer(name, "")
			if err != nil {
				return nil, err
			}
			field.Nullable = true
			s.SetField(name, field)
		}
	}

	names := s.FieldNames()
	s.PrimaryKey = FindPrimaryKeyNames(entity, names)
	s.ReplicationKey = FindReplicationKeyNames(names)

	b.logger.Debug("built schema from samples",
		zap.String("entity", entity),
		zap.Int("samples", len(samples)),
		zap.Int("fields", s.Len()),
		zap.String("primary_key", s.PrimaryKey),
		zap.String("replication_key", s.ReplicationKey))
	return s, nil
}

// Merge combines a metadata-derived schema with a sample-derived one.
// Declared fields keep their declared types; sampled fields are only added
// when metadata never mentioned them. Any sampled contribution reopens the
// schema to additional properties, since the samples have proven the
// declaration incomplete.
func (b *Builder) Merge(declared, sampled *EntitySchema) *EntitySchema {
	if declared == nil {
		return sampled
	}
	if sampled == nil {
		return declared
	}

	merged := declared.Clone()
	added := 0
	for _, name := range sampled.FieldNames() {
		if _, exists := merged.Field(name); exists {
			continue
		}
		field, _ := sampled.Field(name)
		merged.SetField(name, field)
		added++
	}
	if added > 0 {
		merged.AdditionalProperties = true
		b.logger.Debug("samples extended declared schema",
			zap.String("entity", merged.Entity),
			zap.Int("undeclared_fields", added))
	}
	if merged.PrimaryKey == "" {
		merged.PrimaryKey = sampled.PrimaryKey
	}
	if merged.ReplicationKey == "" {
		merged.ReplicationKey = sampled.ReplicationKey
	}
	return merged
}
