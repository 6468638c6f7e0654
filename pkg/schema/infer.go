package schema

import (
	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/strings"
)

// declaredTypes maps source-declared type names to normalized field types.
// The map is the single place new source types get wired in; a declared
// type missing from it is a configuration error, never a guess.
var declaredTypes = map[string]SchemaField{
	// integers
	"int":      {Type: TypeInteger},
	"integer":  {Type: TypeInteger},
	"smallint": {Type: TypeInteger},
	"bigint":   {Type: TypeInteger},
	"long":     {Type: TypeInteger},
	"serial":   {Type: TypeInteger},

	// decimals
	"number":  {Type: TypeNumber},
	"numeric": {Type: TypeNumber},
	"decimal": {Type: TypeNumber},
	"float":   {Type: TypeNumber},
	"double":  {Type: TypeNumber},
	"real":    {Type: TypeNumber},
	"money":   {Type: TypeNumber},

	// booleans
	"bool":    {Type: TypeBoolean},
	"boolean": {Type: TypeBoolean},
	"bit":     {Type: TypeBoolean},

	// temporal types stay strings on the wire with a format annotation
	"datetime":  {Type: TypeString, Format: "date-time"},
	"timestamp": {Type: TypeString, Format: "date-time"},
	"date":      {Type: TypeString, Format: "date"},
	"time":      {Type: TypeString, Format: "time"},

	// text
	"string":   {Type: TypeString},
	"str":      {Type: TypeString},
	"text":     {Type: TypeString},
	"varchar":  {Type: TypeString},
	"nvarchar": {Type: TypeString},
	"char":     {Type: TypeString},
	"nchar":    {Type: TypeString},
	"clob":     {Type: TypeString},
	"uuid":     {Type: TypeString, Format: "uuid"},

	// containers
	"object": {Type: TypeObject},
	"json":   {Type: TypeObject},
	"array":  {Type: TypeArray},
	"list":   {Type: TypeArray},
}

// namePattern is one row of the ordered field-name pattern table.
type namePattern struct {
	match func(name string) bool
	field SchemaField
}

// Inferrer resolves declared source types and field-name patterns into
// normalized schema field types. It never inspects sampled values.
type Inferrer struct {
	logger   *zap.Logger
	patterns []namePattern
}

// NewInferrer creates an inferrer with the standard pattern table.
func NewInferrer() *Inferrer {
	return &Inferrer{
		logger: logger.Get().With(zap.String("component", "schema_inferrer")),
		// Ordered: the first matching row wins.
		patterns: []namePattern{
			{
				match: func(name string) bool {
					return name == "id" || strings.HasSuffix(name, "_id")
				},
				field: SchemaField{Type: TypeInteger},
			},
			{
				match: func(name string) bool {
					return strings.HasSuffix(name, "_count") ||
						strings.HasSuffix(name, "_nbr") ||
						strings.HasSuffix(name, "_num")
				},
				field: SchemaField{Type: TypeInteger},
			},
			{
				match: func(name string) bool {
					return strings.HasSuffix(name, "_qty") ||
						strings.HasSuffix(name, "_amount") ||
						strings.HasSuffix(name, "_price") ||
						strings.HasSuffix(name, "_total")
				},
				field: SchemaField{Type: TypeNumber},
			},
			{
				match: func(name string) bool {
					return strings.HasSuffix(name, "_ts") ||
						strings.HasSuffix(name, "_date") ||
						strings.HasSuffix(name, "_at") ||
						strings.HasSuffix(name, "_time")
				},
				field: SchemaField{Type: TypeString, Format: "date-time"},
			},
			{
				match: func(name string) bool {
					return strings.HasSuffix(name, "_flg") ||
						strings.HasSuffix(name, "_flag") ||
						strings.HasPrefix(name, "is_") ||
						strings.HasPrefix(name, "has_")
				},
				field: SchemaField{Type: TypeBoolean},
			},
		},
	}
}

// Infer resolves one field. When declaredType is non-empty it must map to
// a known primitive; an unmapped declared type aborts discovery for the
// field rather than silently guessing. When declaredType is empty the
// field name is matched against the pattern table, defaulting to string.
func (i *Inferrer) Infer(fieldName, declaredType string) (SchemaField, error) {
	if fieldName == "" {
		return SchemaField{}, errors.New(errors.ClassConfig, "cannot infer type for unnamed field")
	}

	if declaredType != "" {
		resolved, ok := declaredTypes[normalizeTypeName(declaredType)]
		if !ok {
			return SchemaField{}, errors.New(errors.ClassConfig, "declared type has no mapping").
				WithDetail("field", fieldName).
				WithDetail("declared_type", declaredType)
		}
		resolved.Provenance = ProvenanceMetadata
		return resolved, nil
	}

	resolved := i.inferFromName(fieldName)
	resolved.Provenance = ProvenancePattern
	i.logger.Debug("resolved field type from name pattern",
		zap.String("field", fieldName),
		zap.String("type", string(resolved.Type)))
	return resolved, nil
}

// inferFromName walks the ordered pattern table; matching is
// case-insensitive and unmatched names default to string.
func (i *Inferrer) inferFromName(name string) SchemaField {
	name = strings.ToLowerASCII(name)
	for _, p := range i.patterns {
		if p.match(name) {
			return p.field
		}
	}
	return SchemaField{Type: TypeString}
}

// InferDescriptor resolves a full descriptor, carrying nullability through.
// Required fields are non-nullable; everything else defaults to nullable.
func (i *Inferrer) InferDescriptor(fd FieldDescriptor) (SchemaField, error) {
	field, err := i.Infer(fd.Name, fd.DeclaredType)
	if err != nil {
		return SchemaField{}, err
	}
	field.Nullable = !fd.Required
	if fd.Nullable {
		field.Nullable = true
	}
	return field, nil
}

// normalizeTypeName lowercases ASCII and strips a parenthesized length
// suffix, so "VARCHAR(255)" and "varchar" resolve identically.
func normalizeTypeName(t string) string {
	if idx := strings.Index(t, "("); idx >= 0 {
		t = t[:idx]
	}

	b := strings.GetBuilder(strings.Small)
	defer strings.PutBuilder(b, strings.Small)

	for j := 0; j < len(t); j++ {
		c := t[j]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c == ' ' {
			continue
		}
		b.WriteByte(c)
	}
	return strings.Clone(b.String())
}
