package file

import (
	"io"

	jsonpool "github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/pool"
)

// jsonlWriter emits one JSON object per line.
type jsonlWriter struct {
	enc *jsonpool.StreamingEncoder
}

func newJSONLWriter(w io.Writer) *jsonlWriter {
	return &jsonlWriter{enc: jsonpool.NewStreamingEncoder(w, false)}
}

func (j *jsonlWriter) writeRecords(records []*pool.Record) error {
	for _, rec := range records {
		if err := j.enc.Encode(rec.Data); err != nil {
			return err
		}
	}
	return nil
}

func (j *jsonlWriter) close() error {
	return j.enc.Close()
}
