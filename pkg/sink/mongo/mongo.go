// Package mongo lands extracted records in MongoDB, one collection per
// entity under a configurable prefix. Values arrive as BSON native types:
// numbers decoded as json.Number are converted to int64 or float64 and
// date-time strings become time.Time, including inside nested documents.
// Bookmarks are upserted into a bookmarks collection keyed by entity.
package mongo

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/sink"
	"github.com/inletlabs/inlet/pkg/state"
	"github.com/inletlabs/inlet/pkg/strings"
)

const (
	sinkName           = "mongodb"
	bookmarkCollection = "bookmarks"
)

func init() {
	sink.Register(sinkName, NewSink)
}

// collectionAPI is the slice of mongo.Collection the sink uses.
type collectionAPI interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// collectionOpener hands out collections by name so tests can swap in an
// in-memory database.
type collectionOpener interface {
	collection(name string) collectionAPI
}

type databaseCollections struct {
	db *mongo.Database
}

func (d *databaseCollections) collection(name string) collectionAPI {
	return d.db.Collection(name)
}

// Sink inserts one document per record.
type Sink struct {
	mu               sync.Mutex
	uri              string
	database         string
	collectionPrefix string
	client           *mongo.Client
	collections      collectionOpener
	schemas          map[string]*schema.EntitySchema
	logger           *zap.Logger
}

// NewSink creates a MongoDB sink from the configuration.
func NewSink(cfg *config.Config) (sink.Sink, error) {
	sc := cfg.Sink.Mongo
	if sc.URI == "" {
		return nil, errors.New(errors.ClassConfig, "mongodb sink needs a uri")
	}
	if sc.Database == "" {
		return nil, errors.New(errors.ClassConfig, "mongodb sink needs a database")
	}

	return &Sink{
		uri:              sc.URI,
		database:         sc.Database,
		collectionPrefix: sc.CollectionPrefix,
		schemas:          make(map[string]*schema.EntitySchema),
		logger: logger.Get().With(
			zap.String("component", "mongodb_sink"),
			zap.String("database", sc.Database)),
	}, nil
}

func newSinkWithCollections(collections collectionOpener, collectionPrefix string) *Sink {
	return &Sink{
		database:         "test",
		collectionPrefix: collectionPrefix,
		collections:      collections,
		schemas:          make(map[string]*schema.EntitySchema),
		logger:           logger.Get().With(zap.String("component", "mongodb_sink")),
	}
}

// Open connects and pings the deployment.
func (s *Sink) Open(ctx context.Context) error {
	if s.collections != nil {
		return nil
	}

	clientOpts := options.Client().ApplyURI(s.uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return errors.Wrap(err, errors.ClassNetwork, "failed to connect to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return errors.Wrap(err, errors.ClassNetwork, "failed to ping mongodb")
	}

	s.client = client
	s.collections = &databaseCollections{db: client.Database(s.database)}
	s.logger.Info("mongodb sink opened")
	return nil
}

// WriteSchema keeps the entity schema for value conversion.
func (s *Sink) WriteSchema(ctx context.Context, entity string, es *schema.EntitySchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schemas[entity]; ok {
		return errors.New(errors.ClassDataValidation, "schema already written for entity").
			WithDetail("entity", entity)
	}
	s.schemas[entity] = es
	return nil
}

// WriteBatch inserts the records into the entity collection.
func (s *Sink) WriteBatch(ctx context.Context, entity string, records []*pool.Record) error {
	if len(records) == 0 {
		return nil
	}
	timer := metrics.NewTimer("mongodb_insert")

	s.mu.Lock()
	es, ok := s.schemas[entity]
	s.mu.Unlock()
	if !ok {
		return errors.New(errors.ClassDataValidation, "no schema written for entity").
			WithDetail("entity", entity)
	}

	docs := make([]interface{}, 0, len(records))
	for _, rec := range records {
		docs = append(docs, documentFor(es, rec))
	}

	coll := s.collections.collection(s.collectionName(entity))
	if _, err := coll.InsertMany(ctx, docs); err != nil {
		metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
		return errors.Wrap(err, errors.ClassServer, "failed to insert batch").
			WithDetail("entity", entity).
			WithDetail("records", len(records))
	}

	metrics.RecordsWritten.WithLabelValues(entity, sinkName, "success").Add(float64(len(records)))
	metrics.BatchFlushDuration.WithLabelValues(sinkName).Observe(timer.Stop().Seconds())
	return nil
}

// WriteState upserts one bookmark document per entity.
func (s *Sink) WriteState(ctx context.Context, st *state.File) error {
	if len(st.Bookmarks) == 0 {
		return nil
	}

	coll := s.collections.collection(s.collectionName(bookmarkCollection))
	upsert := options.Update().SetUpsert(true)
	for entity, bm := range st.Bookmarks {
		update := bson.M{"$set": bson.M{
			"entity":          entity,
			"replication_key": bm.ReplicationKey,
			"value":           convertValue(nil, bm.Value),
			"last_synced_at":  bm.LastSyncedAt.UTC(),
		}}
		if _, err := coll.UpdateOne(ctx, bson.M{"entity": entity}, update, upsert); err != nil {
			return errors.Wrap(err, errors.ClassServer, "failed to upsert bookmark").
				WithDetail("entity", entity)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *Sink) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, errors.ClassNetwork, "failed to disconnect from mongodb")
	}
	s.logger.Debug("mongodb sink closed")
	return nil
}

func (s *Sink) collectionName(entity string) string {
	if s.collectionPrefix == "" {
		return entity
	}
	b := strings.GetBuilder(strings.Small)
	defer strings.PutBuilder(b, strings.Small)
	b.WriteString(s.collectionPrefix)
	b.WriteString(entity)
	return strings.Clone(b.String())
}

func documentFor(es *schema.EntitySchema, rec *pool.Record) bson.M {
	doc := make(bson.M, len(rec.Data))
	for name, value := range rec.Data {
		if f, ok := es.Field(name); ok {
			doc[name] = convertValue(&f, value)
		} else {
			doc[name] = convertValue(nil, value)
		}
	}
	return doc
}

// convertValue rewrites decoded JSON values into BSON native types. The
// field hint steers json.Number and date-time conversion for schema
// fields, nested values convert by shape alone.
func convertValue(f *schema.SchemaField, value interface{}) interface{} {
	switch v := value.(type) {
	case json.Number:
		if f != nil && f.Type == schema.TypeNumber {
			if n, err := v.Float64(); err == nil {
				return n
			}
		}
		if n, err := v.Int64(); err == nil {
			return n
		}
		if n, err := v.Float64(); err == nil {
			return n
		}
		return v.String()
	case string:
		if f != nil && f.Format == "date-time" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		}
		return v
	case map[string]interface{}:
		doc := make(bson.M, len(v))
		for k, item := range v {
			doc[k] = convertValue(nil, item)
		}
		return doc
	case []interface{}:
		arr := make([]interface{}, len(v))
		for i, item := range v {
			arr[i] = convertValue(nil, item)
		}
		return arr
	default:
		return v
	}
}
