// Package config provides the unified configuration system for Inlet.
// It defines a single Config structure covering the source connection,
// extraction behavior, caching, error recovery, the sink, and
// observability, so every component reads from the same place.
//
// Example usage:
//
//	cfg := config.NewConfig()
//	cfg.Source.BaseURL = "https://api.example.com/v2"
//	cfg.Sink.Type = "file"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"runtime"
	"time"

	"github.com/inletlabs/inlet/pkg/errors"
)

// Config is the single unified configuration structure for an extraction
// run. Sections are organized by concern; zero values fall back to the
// defaults applied by NewConfig.
type Config struct {
	// Source describes the REST API to extract from
	Source SourceConfig `yaml:"source" json:"source"`

	// Extraction controls pagination, concurrency and flattening
	Extraction ExtractionConfig `yaml:"extraction" json:"extraction"`

	// Cache controls discovery-layer TTL caching
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Recovery controls retry policies and circuit breaking
	Recovery RecoveryConfig `yaml:"recovery" json:"recovery"`

	// Sink selects and configures the output destination
	Sink SinkConfig `yaml:"sink" json:"sink"`

	// Observability settings for logging, metrics and tracing
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// SourceConfig describes the upstream REST API.
type SourceConfig struct {
	// BaseURL is the API root, e.g. https://api.example.com/v2
	BaseURL string `yaml:"base_url" json:"base_url"`
	// CatalogPath is the path segment listing available entities
	CatalogPath string `yaml:"catalog_path" json:"catalog_path"`
	// Auth selects and configures the authentication provider
	Auth AuthConfig `yaml:"auth" json:"auth"`
	// PageSize is the number of records requested per page
	PageSize int `yaml:"page_size" json:"page_size"`
	// PaginationMode selects cursor or offset pagination
	PaginationMode string `yaml:"pagination_mode" json:"pagination_mode"`
	// CursorParam is the query parameter carrying the page cursor
	CursorParam string `yaml:"cursor_param" json:"cursor_param"`
	// RequestTimeout bounds a single page request
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// ConnectTimeout bounds connection establishment
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	// KeepAlive interval for transport connections
	KeepAlive time.Duration `yaml:"keep_alive" json:"keep_alive"`
	// MaxIdleConns caps idle connections held by the transport
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`
	// UserAgent sent with every request
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	// EnableHTTP2 upgrades the transport to HTTP/2 when the server supports it
	EnableHTTP2 bool `yaml:"enable_http2" json:"enable_http2"`
}

// AuthConfig configures the authentication provider for the source.
// Kind selects the provider; the remaining fields apply per kind.
type AuthConfig struct {
	// Kind is one of: none, apikey, bearer, basic, oauth2
	Kind string `yaml:"kind" json:"kind"`
	// Header carries the API key header name (apikey)
	Header string `yaml:"header" json:"header"`
	// Key is the API key value (apikey)
	Key string `yaml:"key" json:"key"`
	// Token is the static bearer token (bearer)
	Token string `yaml:"token" json:"token"`
	// Username and Password for HTTP basic auth (basic)
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	// ClientID, ClientSecret, TokenURL and Scopes for the OAuth2
	// client-credentials flow (oauth2)
	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret"`
	TokenURL     string   `yaml:"token_url" json:"token_url"`
	Scopes       []string `yaml:"scopes" json:"scopes"`
}

// ExtractionConfig controls how entities are selected and drained.
type ExtractionConfig struct {
	// Parallelism is the number of entities extracted concurrently
	Parallelism int `yaml:"parallelism" json:"parallelism"`
	// HTTPConcurrency caps in-flight page requests across all entities
	HTTPConcurrency int64 `yaml:"http_concurrency" json:"http_concurrency"`
	// RateLimit is the shared request budget in requests/second (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	// RateBurst is the token bucket burst size
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
	// Overlap is subtracted from incremental bookmarks to absorb clock skew
	Overlap time.Duration `yaml:"overlap" json:"overlap"`
	// Include restricts extraction to entities matching these glob patterns
	Include []string `yaml:"include" json:"include"`
	// Exclude drops entities matching these glob patterns
	Exclude []string `yaml:"exclude" json:"exclude"`
	// VerifyAccess probes each entity with a single-record read before the run
	VerifyAccess bool `yaml:"verify_access" json:"verify_access"`
	// VerifyTimeout bounds the whole access-verification sweep
	VerifyTimeout time.Duration `yaml:"verify_timeout" json:"verify_timeout"`
	// SampleLimit is the number of records sampled per entity for schema work
	SampleLimit int `yaml:"sample_limit" json:"sample_limit"`
	// StatePath locates the bookmark file
	StatePath string `yaml:"state_path" json:"state_path"`
	// Flattening controls nested-structure handling
	Flattening FlattenConfig `yaml:"flattening" json:"flattening"`
}

// FlattenConfig controls how nested JSON structures are collapsed into
// flat column-like fields.
type FlattenConfig struct {
	// Enabled turns flattening on; when off, nested values are stored as
	// opaque JSON strings
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Separator joins path segments in generated field names
	Separator string `yaml:"separator" json:"separator"`
	// MaxDepth bounds recursion; deeper structures degrade to JSON strings
	MaxDepth int `yaml:"max_depth" json:"max_depth"`
	// MaxListElements bounds how many list elements get indexed fields
	MaxListElements int `yaml:"max_list_elements" json:"max_list_elements"`
}

// CacheConfig sets per-namespace TTLs for the discovery cache.
type CacheConfig struct {
	// EntitiesTTL covers the discovered entity list
	EntitiesTTL time.Duration `yaml:"entities_ttl" json:"entities_ttl"`
	// MetadataTTL covers per-entity field descriptors
	MetadataTTL time.Duration `yaml:"metadata_ttl" json:"metadata_ttl"`
	// SchemaTTL covers built entity schemas
	SchemaTTL time.Duration `yaml:"schema_ttl" json:"schema_ttl"`
	// SamplesTTL covers sampled records
	SamplesTTL time.Duration `yaml:"samples_ttl" json:"samples_ttl"`
	// AccessTTL covers access-verification results
	AccessTTL time.Duration `yaml:"access_ttl" json:"access_ttl"`
}

// RecoveryConfig tunes error recovery. Per-class retry policies have
// fixed defaults; Policies overrides them by error class name.
type RecoveryConfig struct {
	// BreakerThreshold is the consecutive-failure count that opens a breaker
	BreakerThreshold int `yaml:"breaker_threshold" json:"breaker_threshold"`
	// BreakerRecovery is how long an open breaker waits before half-open
	BreakerRecovery time.Duration `yaml:"breaker_recovery" json:"breaker_recovery"`
	// RetryBudget caps total retries per error class for the whole run
	RetryBudget int `yaml:"retry_budget" json:"retry_budget"`
	// HistorySize is the error history ring buffer capacity
	HistorySize int `yaml:"history_size" json:"history_size"`
	// Policies overrides the default policy table, keyed by error class
	Policies map[string]PolicyConfig `yaml:"policies" json:"policies"`
}

// PolicyConfig overrides one error class policy.
type PolicyConfig struct {
	// Action is one of: retry, skip, escalate, abort
	Action string `yaml:"action" json:"action"`
	// MaxAttempts caps attempts for retry policies
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// BaseDelay is the initial backoff delay
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	// Multiplier scales the delay each attempt
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// SinkConfig selects the sink implementation and carries per-sink options.
type SinkConfig struct {
	// Type names the registered sink: stdout, file, sqldb, s3, gcs,
	// bigquery, kafka, mongodb
	Type string `yaml:"type" json:"type"`
	// BatchSize is the number of records per sink write
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	File     FileSinkConfig     `yaml:"file" json:"file"`
	SQL      SQLSinkConfig      `yaml:"sql" json:"sql"`
	S3       S3SinkConfig       `yaml:"s3" json:"s3"`
	GCS      GCSSinkConfig      `yaml:"gcs" json:"gcs"`
	BigQuery BigQuerySinkConfig `yaml:"bigquery" json:"bigquery"`
	Kafka    KafkaSinkConfig    `yaml:"kafka" json:"kafka"`
	Mongo    MongoSinkConfig    `yaml:"mongodb" json:"mongodb"`
}

// FileSinkConfig configures the local file sink.
type FileSinkConfig struct {
	// Directory receives one file per entity
	Directory string `yaml:"directory" json:"directory"`
	// Format is jsonl, csv or parquet
	Format string `yaml:"format" json:"format"`
	// Compression is none, gzip, zstd, snappy, s2 or lz4 (jsonl/csv only)
	Compression string `yaml:"compression" json:"compression"`
}

// SQLSinkConfig configures the relational database sink.
type SQLSinkConfig struct {
	// Driver is pgx, mysql or snowflake
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific connection string
	DSN string `yaml:"dsn" json:"dsn"`
	// TablePrefix is prepended to entity table names
	TablePrefix string `yaml:"table_prefix" json:"table_prefix"`
	// CreateTables creates destination tables from the entity schema
	CreateTables bool `yaml:"create_tables" json:"create_tables"`
}

// S3SinkConfig configures the Amazon S3 sink.
type S3SinkConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
	Region string `yaml:"region" json:"region"`
	// PartSize is the multipart upload part size in bytes
	PartSize int64 `yaml:"part_size" json:"part_size"`
}

// GCSSinkConfig configures the Google Cloud Storage sink.
type GCSSinkConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
	// CredentialsFile optionally points at a service account key
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// BigQuerySinkConfig configures the BigQuery streaming sink.
type BigQuerySinkConfig struct {
	ProjectID string `yaml:"project_id" json:"project_id"`
	Dataset   string `yaml:"dataset" json:"dataset"`
	// Location is used when the dataset must be created
	Location string `yaml:"location" json:"location"`
	// CredentialsFile optionally points at a service account key
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
}

// KafkaSinkConfig configures the Kafka producer sink.
type KafkaSinkConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	// TopicPrefix is prepended to entity names to form topics
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	// Encoding is json or avro
	Encoding string `yaml:"encoding" json:"encoding"`
	// Acks is all, leader or none
	Acks string `yaml:"acks" json:"acks"`
	// Compression is none, gzip, snappy or lz4
	Compression string `yaml:"compression" json:"compression"`
}

// MongoSinkConfig configures the MongoDB sink.
type MongoSinkConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	Database string `yaml:"database" json:"database"`
	// CollectionPrefix is prepended to entity collection names
	CollectionPrefix string `yaml:"collection_prefix" json:"collection_prefix"`
}

// ObservabilityConfig covers logging, metrics and tracing.
type ObservabilityConfig struct {
	// LogLevel is debug, info, warn or error
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// Development enables colored console logging with stack traces
	Development bool `yaml:"development" json:"development"`
	// MetricsAddr exposes Prometheus metrics when non-empty, e.g. :9090
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// TracingEnabled turns on OpenTelemetry tracing
	TracingEnabled bool `yaml:"tracing_enabled" json:"tracing_enabled"`
	// TracingSampleRate is the trace sampling ratio in [0,1]
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	// ServiceName identifies this process in traces
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// NewConfig returns a Config populated with production defaults.
func NewConfig() *Config {
	return &Config{
		Source: SourceConfig{
			CatalogPath:    "entities",
			Auth:           AuthConfig{Kind: "none"},
			PageSize:       100,
			PaginationMode: "cursor",
			CursorParam:    "cursor",
			RequestTimeout: 30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			KeepAlive:      30 * time.Second,
			MaxIdleConns:   32,
			UserAgent:      "inlet/1.0",
			EnableHTTP2:    true,
		},
		Extraction: ExtractionConfig{
			Parallelism:     runtime.NumCPU(),
			HTTPConcurrency: 8,
			RateLimit:       0,
			RateBurst:       1,
			Overlap:         5 * time.Minute,
			VerifyAccess:    false,
			VerifyTimeout:   30 * time.Second,
			SampleLimit:     10,
			StatePath:       "state.json",
			Flattening: FlattenConfig{
				Enabled:         true,
				Separator:       "_",
				MaxDepth:        3,
				MaxListElements: 3,
			},
		},
		Cache: CacheConfig{
			EntitiesTTL: 2 * time.Hour,
			MetadataTTL: time.Hour,
			SchemaTTL:   time.Hour,
			SamplesTTL:  30 * time.Minute,
			AccessTTL:   time.Hour,
		},
		Recovery: RecoveryConfig{
			BreakerThreshold: 5,
			BreakerRecovery:  60 * time.Second,
			RetryBudget:      10,
			HistorySize:      256,
		},
		Sink: SinkConfig{
			Type:      "stdout",
			BatchSize: 500,
			File: FileSinkConfig{
				Directory:   "output",
				Format:      "jsonl",
				Compression: "none",
			},
			Kafka: KafkaSinkConfig{
				Encoding:    "json",
				Acks:        "all",
				Compression: "snappy",
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			TracingSampleRate: 0.1,
			ServiceName:       "inlet",
		},
	}
}

var validAuthKinds = map[string]bool{
	"none":   true,
	"apikey": true,
	"bearer": true,
	"basic":  true,
	"oauth2": true,
}

// Validate checks the configuration for inconsistencies that would make
// a run fail midway. All validation failures are configuration errors.
func (c *Config) Validate() error {
	if c.Source.BaseURL == "" {
		return errors.New(errors.ClassConfig, "source.base_url is required")
	}
	if c.Source.PageSize <= 0 {
		return errors.New(errors.ClassConfig, "source.page_size must be positive").
			WithDetail("page_size", c.Source.PageSize)
	}
	if c.Source.PaginationMode != "cursor" && c.Source.PaginationMode != "offset" {
		return errors.New(errors.ClassConfig, "source.pagination_mode must be cursor or offset").
			WithDetail("pagination_mode", c.Source.PaginationMode)
	}
	if !validAuthKinds[c.Source.Auth.Kind] {
		return errors.New(errors.ClassConfig, "unknown auth kind").
			WithDetail("kind", c.Source.Auth.Kind)
	}
	if c.Extraction.Parallelism < 1 {
		return errors.New(errors.ClassConfig, "extraction.parallelism must be at least 1")
	}
	if c.Extraction.HTTPConcurrency < 1 {
		return errors.New(errors.ClassConfig, "extraction.http_concurrency must be at least 1")
	}
	if c.Extraction.RateLimit < 0 {
		return errors.New(errors.ClassConfig, "extraction.rate_limit cannot be negative")
	}
	if c.Extraction.Overlap < 0 {
		return errors.New(errors.ClassConfig, "extraction.overlap cannot be negative")
	}
	if c.Extraction.Flattening.Enabled && c.Extraction.Flattening.MaxDepth < 1 {
		return errors.New(errors.ClassConfig, "extraction.flattening.max_depth must be at least 1")
	}
	for _, inc := range c.Extraction.Include {
		for _, exc := range c.Extraction.Exclude {
			if inc == exc {
				return errors.New(errors.ClassConfig, "pattern appears in both include and exclude").
					WithDetail("pattern", inc)
			}
		}
	}
	if c.Recovery.BreakerThreshold < 1 {
		return errors.New(errors.ClassConfig, "recovery.breaker_threshold must be at least 1")
	}
	if c.Recovery.RetryBudget < 0 {
		return errors.New(errors.ClassConfig, "recovery.retry_budget cannot be negative")
	}
	if c.Sink.Type == "" {
		return errors.New(errors.ClassConfig, "sink.type is required")
	}
	if c.Sink.BatchSize <= 0 {
		return errors.New(errors.ClassConfig, "sink.batch_size must be positive")
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		return errors.New(errors.ClassConfig, "observability.tracing_sample_rate must be within [0,1]")
	}
	return nil
}
