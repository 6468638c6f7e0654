package file

import (
	"encoding/json"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/strings"
)

// parquetWriter streams batches through an arrow record builder into a
// pqarrow file writer. Each WriteBatch call becomes one row group write.
type parquetWriter struct {
	schema  *arrow.Schema
	builder *array.RecordBuilder
	writer  *pqarrow.FileWriter
	fields  []string
	pending int
}

func newParquetWriter(w io.Writer, es *schema.EntitySchema) (*parquetWriter, error) {
	if es.Len() == 0 {
		return nil, errors.New(errors.ClassDataValidation, "parquet output needs at least one schema field").
			WithDetail("entity", es.Entity)
	}

	arrowSchema := arrowSchemaFor(es)
	alloc := memory.NewGoAllocator()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithAllocator(alloc),
	)

	fw, err := pqarrow.NewFileWriter(arrowSchema, w, props, arrowProps)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassConfig, "failed to create parquet writer").
			WithDetail("entity", es.Entity)
	}

	return &parquetWriter{
		schema:  arrowSchema,
		builder: array.NewRecordBuilder(alloc, arrowSchema),
		writer:  fw,
		fields:  es.FieldNames(),
	}, nil
}

func (p *parquetWriter) writeRecords(records []*pool.Record) error {
	for _, rec := range records {
		for i, name := range p.fields {
			appendValue(p.builder.Field(i), rec.Data[name])
		}
		p.pending++
	}
	return p.flush()
}

func (p *parquetWriter) flush() error {
	if p.pending == 0 {
		return nil
	}

	rec := p.builder.NewRecord()
	defer rec.Release()

	if err := p.writer.WriteBuffered(rec); err != nil {
		return err
	}
	p.pending = 0
	return nil
}

func (p *parquetWriter) close() error {
	if err := p.flush(); err != nil {
		p.writer.Close()
		return err
	}
	return p.writer.Close()
}

// arrowSchemaFor maps the entity schema to arrow column types. Every
// column is nullable: sample-inferred schemas cannot promise presence.
func arrowSchemaFor(es *schema.EntitySchema) *arrow.Schema {
	names := es.FieldNames()
	fields := make([]arrow.Field, 0, len(names))
	for _, name := range names {
		f, _ := es.Field(name)
		fields = append(fields, arrow.Field{
			Name:     name,
			Type:     arrowType(f),
			Nullable: true,
		})
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(f schema.SchemaField) arrow.DataType {
	switch f.Type {
	case schema.TypeInteger:
		return arrow.PrimitiveTypes.Int64
	case schema.TypeNumber:
		return arrow.PrimitiveTypes.Float64
	case schema.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case schema.TypeString:
		if f.Format == "date-time" {
			return arrow.FixedWidthTypes.Timestamp_ns
		}
		return arrow.BinaryTypes.String
	default:
		return arrow.BinaryTypes.String
	}
}

// appendValue coerces one extracted value into its column builder.
// Values that do not fit the column type become nulls rather than
// failing the batch: the schema is advisory for sample-inferred fields.
func appendValue(builder array.Builder, value interface{}) {
	if value == nil {
		builder.AppendNull()
		return
	}

	switch b := builder.(type) {
	case *array.Int64Builder:
		switch v := value.(type) {
		case json.Number:
			if n, err := v.Int64(); err == nil {
				b.Append(n)
			} else {
				b.AppendNull()
			}
		case int:
			b.Append(int64(v))
		case int64:
			b.Append(v)
		case float64:
			b.Append(int64(v))
		default:
			b.AppendNull()
		}

	case *array.Float64Builder:
		switch v := value.(type) {
		case json.Number:
			if n, err := v.Float64(); err == nil {
				b.Append(n)
			} else {
				b.AppendNull()
			}
		case float64:
			b.Append(v)
		case int:
			b.Append(float64(v))
		case int64:
			b.Append(float64(v))
		default:
			b.AppendNull()
		}

	case *array.BooleanBuilder:
		if v, ok := value.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}

	case *array.TimestampBuilder:
		switch v := value.(type) {
		case time.Time:
			b.Append(arrow.Timestamp(v.UnixNano()))
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				b.Append(arrow.Timestamp(t.UnixNano()))
			} else {
				b.AppendNull()
			}
		default:
			b.AppendNull()
		}

	case *array.StringBuilder:
		if v, ok := value.(string); ok {
			b.Append(v)
		} else {
			b.Append(strings.ValueToString(value))
		}

	default:
		builder.AppendNull()
	}
}
