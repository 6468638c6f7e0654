// Package bigquery streams extracted records into BigQuery tables through
// the streaming insert API. The dataset is created on demand, one table
// per entity with a column layout derived from the entity schema, and
// bookmarks land in an append-only bookmarks table where the newest row
// per entity wins.
package bigquery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	jsonpool "github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/sink"
	"github.com/inletlabs/inlet/pkg/state"
	"github.com/inletlabs/inlet/pkg/strings"
)

const (
	sinkName      = "bigquery"
	bookmarkTable = "bookmarks"
)

func init() {
	sink.Register(sinkName, NewSink)
}

// rowInserter is the slice of bigquery.Inserter the sink uses.
type rowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// tableOpener ensures an entity table exists and hands back its inserter.
type tableOpener interface {
	openTable(ctx context.Context, name string, bqSchema bigquery.Schema) (rowInserter, error)
}

// Sink streams one table per entity.
type Sink struct {
	mu        sync.Mutex
	projectID string
	dataset   string
	location  string
	credsFile string
	client    *bigquery.Client
	tables    tableOpener
	inserters map[string]rowInserter
	schemas   map[string]*schema.EntitySchema
	logger    *zap.Logger
}

// NewSink creates a BigQuery sink from the configuration.
func NewSink(cfg *config.Config) (sink.Sink, error) {
	sc := cfg.Sink.BigQuery
	if sc.ProjectID == "" {
		return nil, errors.New(errors.ClassConfig, "bigquery sink needs a project id")
	}
	if sc.Dataset == "" {
		return nil, errors.New(errors.ClassConfig, "bigquery sink needs a dataset")
	}

	return &Sink{
		projectID: sc.ProjectID,
		dataset:   sc.Dataset,
		location:  sc.Location,
		credsFile: sc.CredentialsFile,
		inserters: make(map[string]rowInserter),
		schemas:   make(map[string]*schema.EntitySchema),
		logger: logger.Get().With(
			zap.String("component", "bigquery_sink"),
			zap.String("dataset", sc.Dataset)),
	}, nil
}

func newSinkWithTables(tables tableOpener) *Sink {
	return &Sink{
		projectID: "test",
		dataset:   "test",
		tables:    tables,
		inserters: make(map[string]rowInserter),
		schemas:   make(map[string]*schema.EntitySchema),
		logger:    logger.Get().With(zap.String("component", "bigquery_sink")),
	}
}

// Open builds the client and creates the dataset when it is missing.
func (s *Sink) Open(ctx context.Context) error {
	if s.tables != nil {
		return nil
	}

	opts := []option.ClientOption{}
	if s.credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(s.credsFile))
	}
	client, err := bigquery.NewClient(ctx, s.projectID, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ClassConfig, "failed to create bigquery client")
	}

	dataset := client.Dataset(s.dataset)
	if _, err := dataset.Metadata(ctx); err != nil {
		if err := dataset.Create(ctx, &bigquery.DatasetMetadata{Location: s.location}); err != nil {
			client.Close()
			return errors.Wrap(err, errors.ClassServer, "failed to create dataset").
				WithDetail("dataset", s.dataset)
		}
		s.logger.Info("dataset created", zap.String("location", s.location))
	}

	s.client = client
	s.tables = &datasetTables{dataset: dataset}
	s.logger.Info("bigquery sink opened")
	return nil
}

// WriteSchema ensures the entity table and keeps its inserter.
func (s *Sink) WriteSchema(ctx context.Context, entity string, es *schema.EntitySchema) error {
	s.mu.Lock()
	if _, ok := s.inserters[entity]; ok {
		s.mu.Unlock()
		return errors.New(errors.ClassDataValidation, "schema already written for entity").
			WithDetail("entity", entity)
	}
	s.mu.Unlock()

	inserter, err := s.tables.openTable(ctx, entity, bqSchemaFor(es))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.inserters[entity] = inserter
	s.schemas[entity] = es
	s.mu.Unlock()
	return nil
}

// WriteBatch streams records into the entity table.
func (s *Sink) WriteBatch(ctx context.Context, entity string, records []*pool.Record) error {
	if len(records) == 0 {
		return nil
	}
	timer := metrics.NewTimer("bigquery_put")

	s.mu.Lock()
	inserter, ok := s.inserters[entity]
	es := s.schemas[entity]
	s.mu.Unlock()
	if !ok {
		return errors.New(errors.ClassDataValidation, "no schema written for entity").
			WithDetail("entity", entity)
	}

	savers := make([]*rowSaver, 0, len(records))
	for _, rec := range records {
		savers = append(savers, saverFor(es, rec))
	}
	if err := inserter.Put(ctx, savers); err != nil {
		metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
		return errors.Wrap(err, errors.ClassServer, "failed to stream rows").
			WithDetail("entity", entity).
			WithDetail("records", len(records))
	}

	metrics.RecordsWritten.WithLabelValues(entity, sinkName, "success").Add(float64(len(records)))
	metrics.BatchFlushDuration.WithLabelValues(sinkName).Observe(timer.Stop().Seconds())
	return nil
}

// WriteState appends one bookmark row per entity.
func (s *Sink) WriteState(ctx context.Context, st *state.File) error {
	if len(st.Bookmarks) == 0 {
		return nil
	}

	inserter, err := s.tables.openTable(ctx, bookmarkTable, bookmarkSchema())
	if err != nil {
		return err
	}

	savers := make([]*rowSaver, 0, len(st.Bookmarks))
	for entity, bm := range st.Bookmarks {
		value, err := jsonpool.Marshal(bm.Value)
		if err != nil {
			return errors.Wrap(err, errors.ClassDataValidation, "failed to encode bookmark value").
				WithDetail("entity", entity)
		}
		savers = append(savers, &rowSaver{
			insertID: pool.GenerateID("bm"),
			row: map[string]bigquery.Value{
				"entity":          entity,
				"replication_key": bm.ReplicationKey,
				"value":           strings.BytesToString(value),
				"last_synced_at":  bm.LastSyncedAt.UTC(),
			},
		})
	}
	if err := inserter.Put(ctx, savers); err != nil {
		return errors.Wrap(err, errors.ClassServer, "failed to write bookmarks")
	}
	return nil
}

// Close releases the client.
func (s *Sink) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return errors.Wrap(err, errors.ClassUnknown, "failed to close bigquery client")
	}
	s.logger.Debug("bigquery sink closed")
	return nil
}

// datasetTables ensures tables inside the run's dataset.
type datasetTables struct {
	dataset *bigquery.Dataset
}

func (d *datasetTables) openTable(ctx context.Context, name string, bqSchema bigquery.Schema) (rowInserter, error) {
	table := d.dataset.Table(name)
	if _, err := table.Metadata(ctx); err != nil {
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bqSchema}); err != nil {
			return nil, errors.Wrap(err, errors.ClassServer, "failed to create table").
				WithDetail("table", name)
		}
	}

	inserter := table.Inserter()
	inserter.SkipInvalidRows = true
	inserter.IgnoreUnknownValues = true
	return inserter, nil
}

// rowSaver adapts an extracted row to the streaming insert API. The
// insert id gives the service a best-effort dedup handle on retries.
type rowSaver struct {
	insertID string
	row      map[string]bigquery.Value
}

func (r *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	return r.row, r.insertID, nil
}

func saverFor(es *schema.EntitySchema, rec *pool.Record) *rowSaver {
	row := make(map[string]bigquery.Value, len(rec.Data))
	for _, name := range es.FieldNames() {
		value, ok := rec.Data[name]
		if !ok || value == nil {
			continue
		}
		f, _ := es.Field(name)
		row[name] = coerceValue(f, value)
	}
	return &rowSaver{insertID: rec.ID, row: row}
}

func bqSchemaFor(es *schema.EntitySchema) bigquery.Schema {
	fields := make(bigquery.Schema, 0, es.Len())
	for _, name := range es.FieldNames() {
		f, _ := es.Field(name)
		fields = append(fields, &bigquery.FieldSchema{
			Name:     name,
			Type:     bqType(f),
			Required: !f.Nullable,
		})
	}
	return fields
}

func bookmarkSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: "entity", Type: bigquery.StringFieldType, Required: true},
		{Name: "replication_key", Type: bigquery.StringFieldType},
		{Name: "value", Type: bigquery.StringFieldType},
		{Name: "last_synced_at", Type: bigquery.TimestampFieldType, Required: true},
	}
}

func bqType(f schema.SchemaField) bigquery.FieldType {
	switch f.Type {
	case schema.TypeInteger:
		return bigquery.IntegerFieldType
	case schema.TypeNumber:
		return bigquery.FloatFieldType
	case schema.TypeBoolean:
		return bigquery.BooleanFieldType
	case schema.TypeString:
		if f.Format == "date-time" {
			return bigquery.TimestampFieldType
		}
		return bigquery.StringFieldType
	default:
		// Objects and arrays land as JSON text.
		return bigquery.StringFieldType
	}
}

func coerceValue(f schema.SchemaField, value interface{}) bigquery.Value {
	switch v := value.(type) {
	case json.Number:
		switch f.Type {
		case schema.TypeInteger:
			if n, err := v.Int64(); err == nil {
				return n
			}
		case schema.TypeNumber:
			if n, err := v.Float64(); err == nil {
				return n
			}
		}
		return v.String()
	case string:
		if f.Format == "date-time" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		}
		return v
	case bool, int, int64, float64, time.Time:
		return v
	default:
		if data, err := jsonpool.Marshal(v); err == nil {
			return strings.BytesToString(data)
		}
		return strings.ValueToString(v)
	}
}
