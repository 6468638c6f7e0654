package file

import (
	"io"

	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/strings"
)

// csvWriter renders rows in schema field order. Fields missing from a
// record become empty cells; fields the schema never declared are
// dropped, csv has nowhere to put them.
type csvWriter struct {
	w      io.Writer
	fields []string
}

func newCSVWriter(w io.Writer, es *schema.EntitySchema) (*csvWriter, error) {
	if es.Len() == 0 {
		return nil, errors.New(errors.ClassDataValidation, "csv output needs at least one schema field").
			WithDetail("entity", es.Entity)
	}
	fields := es.FieldNames()

	cb := strings.NewCSVBuilder(1, len(fields))
	defer cb.Close()
	cb.WriteHeader(fields)

	if _, err := io.WriteString(w, cb.String()); err != nil {
		return nil, err
	}
	return &csvWriter{w: w, fields: fields}, nil
}

func (c *csvWriter) writeRecords(records []*pool.Record) error {
	cb := strings.NewCSVBuilder(len(records), len(c.fields))
	defer cb.Close()

	row := pool.GetStringSlice()
	defer pool.PutStringSlice(row)

	for _, rec := range records {
		row = row[:0]
		for _, name := range c.fields {
			value, ok := rec.Data[name]
			if !ok || value == nil {
				row = append(row, "")
				continue
			}
			row = append(row, strings.ValueToString(value))
		}
		cb.WriteRow(row)
	}

	_, err := io.WriteString(c.w, cb.String())
	return err
}

func (c *csvWriter) close() error {
	return nil
}
