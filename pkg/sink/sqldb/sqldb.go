// Package sqldb loads extracted records into a relational database
// through database/sql. Dialects cover postgres (via the pgx stdlib
// driver), mysql and snowflake. Tables are append-only landing tables
// created from the entity schema; bookmarks land in their own table so
// a warehouse-side scheduler can see run progress.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

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

const sinkName = "sqldb"

const bookmarkTable = "bookmarks"

func init() {
	sink.Register(sinkName, NewSink)
}

// Sink writes batches as multi-row INSERTs.
type Sink struct {
	db           *sql.DB
	dialect      dialect
	dsn          string
	tablePrefix  string
	createTables bool
	schemas      map[string]*schema.EntitySchema
	logger       *zap.Logger
}

// NewSink builds a sql sink from the configuration.
func NewSink(cfg *config.Config) (sink.Sink, error) {
	d, err := dialectFor(cfg.Sink.SQL.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.Sink.SQL.DSN == "" {
		return nil, errors.New(errors.ClassConfig, "sql sink needs a dsn")
	}

	return &Sink{
		dialect:      d,
		dsn:          cfg.Sink.SQL.DSN,
		tablePrefix:  cfg.Sink.SQL.TablePrefix,
		createTables: cfg.Sink.SQL.CreateTables,
		schemas:      make(map[string]*schema.EntitySchema),
		logger: logger.Get().With(
			zap.String("component", "sqldb_sink"),
			zap.String("dialect", d.name),
		),
	}, nil
}

// newSinkWithDB wires an existing connection, used by tests.
func newSinkWithDB(db *sql.DB, d dialect, tablePrefix string, createTables bool) *Sink {
	return &Sink{
		db:           db,
		dialect:      d,
		tablePrefix:  tablePrefix,
		createTables: createTables,
		schemas:      make(map[string]*schema.EntitySchema),
		logger: logger.Get().With(
			zap.String("component", "sqldb_sink"),
			zap.String("dialect", d.name),
		),
	}
}

// Open connects, verifies the connection and prepares the bookmark
// table.
func (s *Sink) Open(ctx context.Context) error {
	if s.db == nil {
		db, err := sql.Open(s.dialect.driver, s.dsn)
		if err != nil {
			return errors.Wrap(err, errors.ClassConfig, "failed to open database")
		}
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return errors.Wrap(err, errors.ClassNetwork, "failed to ping database")
		}
		s.db = db
	}

	if s.createTables {
		if _, err := s.db.ExecContext(ctx, s.bookmarkTableSQL()); err != nil {
			return errors.Wrap(err, errors.ClassServer, "failed to create bookmark table")
		}
	}

	s.logger.Info("sql sink opened")
	return nil
}

// WriteSchema remembers the column order and creates the entity table.
func (s *Sink) WriteSchema(ctx context.Context, entity string, es *schema.EntitySchema) error {
	if es.Len() == 0 {
		return errors.New(errors.ClassDataValidation, "sql output needs at least one schema field").
			WithDetail("entity", entity)
	}
	s.schemas[entity] = es

	if !s.createTables {
		return nil
	}

	stmt := s.createTableSQL(entity, es)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, errors.ClassServer, "failed to create entity table").
			WithDetail("entity", entity)
	}

	s.logger.Debug("entity table ready",
		zap.String("entity", entity),
		zap.Int("columns", es.Len()))
	return nil
}

// WriteBatch inserts all records in one multi-row statement.
func (s *Sink) WriteBatch(ctx context.Context, entity string, records []*pool.Record) error {
	if len(records) == 0 {
		return nil
	}

	es, ok := s.schemas[entity]
	if !ok {
		return errors.New(errors.ClassDataValidation, "no schema written for entity").
			WithDetail("entity", entity)
	}

	timer := metrics.NewTimer("sql_flush")
	fields := es.FieldNames()
	stmt := s.insertSQL(entity, fields, len(records))
	args := s.insertArgs(es, fields, records)

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
		return errors.Wrap(err, errors.ClassServer, "failed to insert batch").
			WithDetail("entity", entity).
			WithDetail("records", len(records))
	}

	metrics.RecordsWritten.WithLabelValues(entity, sinkName, "success").Add(float64(len(records)))
	metrics.BatchFlushDuration.WithLabelValues(sinkName).Observe(timer.Stop().Seconds())
	return nil
}

// WriteState replaces each entity's bookmark row inside one transaction.
func (s *Sink) WriteState(ctx context.Context, st *state.File) error {
	if len(st.Bookmarks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ClassServer, "failed to begin bookmark transaction")
	}

	table := s.quotedTable(bookmarkTable)
	for entity, bm := range st.Bookmarks {
		value, err := jsonpool.Marshal(bm.Value)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.ClassDataValidation, "failed to encode bookmark value").
				WithDetail("entity", entity)
		}

		del := strings.NewSQLBuilder(128)
		delSQL := del.WriteQuery("DELETE FROM ").WriteQuery(table).
			WriteQuery(" WHERE entity = ").WriteQuery(s.dialect.placeholder(1)).String()
		del.Close()
		if _, err := tx.ExecContext(ctx, delSQL, entity); err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.ClassServer, "failed to clear bookmark").
				WithDetail("entity", entity)
		}

		ins := strings.NewSQLBuilder(256)
		insSQL := ins.WriteQuery("INSERT INTO ").WriteQuery(table).
			WriteQuery(" (entity, replication_key, value, last_synced_at) VALUES (").
			WriteQuery(s.dialect.placeholder(1)).WriteQuery(", ").
			WriteQuery(s.dialect.placeholder(2)).WriteQuery(", ").
			WriteQuery(s.dialect.placeholder(3)).WriteQuery(", ").
			WriteQuery(s.dialect.placeholder(4)).WriteQuery(")").String()
		ins.Close()
		if _, err := tx.ExecContext(ctx, insSQL,
			entity, bm.ReplicationKey, strings.BytesToString(value), bm.LastSyncedAt.UTC()); err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.ClassServer, "failed to write bookmark").
				WithDetail("entity", entity)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ClassServer, "failed to commit bookmarks")
	}
	return nil
}

// Close releases the connection pool.
func (s *Sink) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, errors.ClassUnknown, "failed to close database")
	}
	s.logger.Debug("sql sink closed")
	return nil
}

func (s *Sink) quotedTable(name string) string {
	return s.dialect.quote(s.tablePrefix + name)
}

func (s *Sink) createTableSQL(entity string, es *schema.EntitySchema) string {
	b := strings.NewSQLBuilder(1024)
	defer b.Close()

	b.WriteQuery("CREATE TABLE IF NOT EXISTS ").
		WriteQuery(s.quotedTable(entity)).
		WriteQuery(" (")

	for i, name := range es.FieldNames() {
		if i > 0 {
			b.WriteQuery(", ")
		}
		f, _ := es.Field(name)
		b.WriteQuery(s.dialect.quote(name)).
			WriteQuery(" ").
			WriteQuery(s.dialect.columnType(f))
	}
	return b.WriteQuery(")").String()
}

func (s *Sink) bookmarkTableSQL() string {
	b := strings.NewSQLBuilder(512)
	defer b.Close()

	return b.WriteQuery("CREATE TABLE IF NOT EXISTS ").
		WriteQuery(s.quotedTable(bookmarkTable)).
		WriteQuery(" (entity ").WriteQuery(s.dialect.textType).
		WriteQuery(", replication_key ").WriteQuery(s.dialect.textType).
		WriteQuery(", value ").WriteQuery(s.dialect.textType).
		WriteQuery(", last_synced_at ").WriteQuery(s.dialect.timestampType).
		WriteQuery(")").String()
}

func (s *Sink) insertSQL(entity string, fields []string, rows int) string {
	b := strings.NewSQLBuilder(4096)
	defer b.Close()

	b.WriteQuery("INSERT INTO ").
		WriteQuery(s.quotedTable(entity)).
		WriteQuery(" (")
	for i, name := range fields {
		if i > 0 {
			b.WriteQuery(", ")
		}
		b.WriteQuery(s.dialect.quote(name))
	}
	b.WriteQuery(") VALUES ")

	arg := 1
	for row := 0; row < rows; row++ {
		if row > 0 {
			b.WriteQuery(", ")
		}
		b.WriteQuery("(")
		for col := range fields {
			if col > 0 {
				b.WriteQuery(", ")
			}
			b.WriteQuery(s.dialect.placeholder(arg))
			arg++
		}
		b.WriteQuery(")")
	}
	return b.String()
}

func (s *Sink) insertArgs(es *schema.EntitySchema, fields []string, records []*pool.Record) []interface{} {
	args := make([]interface{}, 0, len(records)*len(fields))
	for _, rec := range records {
		for _, name := range fields {
			f, _ := es.Field(name)
			args = append(args, coerceValue(f, rec.Data[name]))
		}
	}
	return args
}

// coerceValue converts an extracted value into something every driver
// accepts: json.Number becomes int64/float64 per the column type,
// date-time strings become time.Time, and leftover composites are
// serialized to JSON text.
func coerceValue(f schema.SchemaField, value interface{}) interface{} {
	if value == nil {
		return nil
	}

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
