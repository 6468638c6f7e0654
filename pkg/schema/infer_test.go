package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/pkg/errors"
)

func TestInferFromDeclaredType(t *testing.T) {
	inf := NewInferrer()

	tests := []struct {
		name       string
		field      string
		declared   string
		wantType   FieldType
		wantFormat string
	}{
		{"integer", "order_nbr", "int", TypeInteger, ""},
		{"bigint", "row_version", "BIGINT", TypeInteger, ""},
		{"number", "amount", "decimal", TypeNumber, ""},
		{"money", "unit_price", "money", TypeNumber, ""},
		{"boolean", "archived", "bool", TypeBoolean, ""},
		{"datetime", "updated_at", "datetime", TypeString, "date-time"},
		{"timestamp", "modify_ts", "TIMESTAMP", TypeString, "date-time"},
		{"date", "due_date", "date", TypeString, "date"},
		{"sized varchar", "note", "VARCHAR(255)", TypeString, ""},
		{"uuid", "external_ref", "uuid", TypeString, "uuid"},
		{"object", "payload", "json", TypeObject, ""},
		{"array", "tags", "list", TypeArray, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field, err := inf.Infer(tt.field, tt.declared)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, field.Type)
			assert.Equal(t, tt.wantFormat, field.Format)
			assert.Equal(t, ProvenanceMetadata, field.Provenance,
				"declared types must be recorded as metadata-derived")
		})
	}
}

func TestInferUnknownDeclaredTypeFails(t *testing.T) {
	inf := NewInferrer()

	// A declared type with no mapping must fail the run rather than be
	// silently defaulted; guessing here corrupts every downstream sink.
	_, err := inf.Infer("flags", "bitmask64")
	require.Error(t, err)
	assert.Equal(t, errors.ClassConfig, errors.GetClass(err))
}

func TestInferEmptyFieldNameFails(t *testing.T) {
	inf := NewInferrer()
	_, err := inf.Infer("", "")
	require.Error(t, err)
	assert.Equal(t, errors.ClassConfig, errors.GetClass(err))
}

func TestInferFromNamePattern(t *testing.T) {
	inf := NewInferrer()

	tests := []struct {
		field      string
		wantType   FieldType
		wantFormat string
	}{
		{"id", TypeInteger, ""},
		{"vendor_id", TypeInteger, ""},
		{"line_count", TypeInteger, ""},
		{"order_nbr", TypeInteger, ""},
		{"order_qty", TypeNumber, ""},
		{"total_amount", TypeNumber, ""},
		{"unit_price", TypeNumber, ""},
		{"modify_ts", TypeString, "date-time"},
		{"updated_at", TypeString, "date-time"},
		{"ship_date", TypeString, "date-time"},
		{"active_flg", TypeBoolean, ""},
		{"is_taxable", TypeBoolean, ""},
		{"has_attachments", TypeBoolean, ""},
		{"description", TypeString, ""},
		{"paid", TypeString, ""}, // ends in "id" but not "_id"
		{"VENDOR_ID", TypeInteger, ""},
		{"Updated_At", TypeString, "date-time"},
		{"camelCasedAt", TypeString, ""}, // no separator, no pattern hit
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			field, err := inf.Infer(tt.field, "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, field.Type)
			assert.Equal(t, tt.wantFormat, field.Format)
			assert.Equal(t, ProvenancePattern, field.Provenance)
		})
	}
}

func TestInferDescriptorNullability(t *testing.T) {
	inf := NewInferrer()

	tests := []struct {
		name         string
		fd           FieldDescriptor
		wantNullable bool
	}{
		{
			name:         "optional field is nullable",
			fd:           FieldDescriptor{Name: "note", DeclaredType: "text"},
			wantNullable: true,
		},
		{
			name:         "required field is not",
			fd:           FieldDescriptor{Name: "id", DeclaredType: "int", Required: true},
			wantNullable: false,
		},
		{
			name:         "explicit nullable overrides required",
			fd:           FieldDescriptor{Name: "closed_at", DeclaredType: "datetime", Required: true, Nullable: true},
			wantNullable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			field, err := inf.InferDescriptor(tt.fd)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNullable, field.Nullable)
		})
	}
}
