package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inletlabs/inlet/internal/runner"
	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/sink"

	// Import all available sinks to register them
	_ "github.com/inletlabs/inlet/pkg/sink/bigquery"
	_ "github.com/inletlabs/inlet/pkg/sink/file"
	_ "github.com/inletlabs/inlet/pkg/sink/gcs"
	_ "github.com/inletlabs/inlet/pkg/sink/kafka"
	_ "github.com/inletlabs/inlet/pkg/sink/mongo"
	_ "github.com/inletlabs/inlet/pkg/sink/s3"
	_ "github.com/inletlabs/inlet/pkg/sink/sqldb"
	_ "github.com/inletlabs/inlet/pkg/sink/stdout"
)

var version = "0.1.0"

// cliFlags carries command line overrides applied on top of the config
// file and INLET_* environment variables.
type cliFlags struct {
	configFile  string
	statePath   string
	sinkType    string
	entities    []string
	exclude     []string
	pageSize    int
	parallelism int
	logLevel    string
	dryRun      bool
	output      string
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "inlet",
		Short: "Inlet - adaptive REST API extraction",
		Long: `Inlet extracts entities from REST APIs into files, databases, object
stores and message brokers. It discovers what an API offers, infers
schemas from metadata and live samples, paginates through every entity
and resumes from per-entity bookmarks on the next run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Version command
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("inlet v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	// List command to show available sinks
	root.AddCommand(&cobra.Command{
		Use:   "sinks",
		Short: "List registered sink types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available sinks:")
			for _, name := range sink.Types() {
				fmt.Printf("  - %s\n", name)
			}
		},
	})

	// Discover command: print the entity catalog without extracting
	var discoverFlags cliFlags
	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover entities and their schemas",
		Long: `Discover queries the API catalog, resolves keys and builds the schema
for every selected entity, without extracting any data.

Example:
  inlet discover --config inlet.yaml --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return discoverCatalog(&discoverFlags)
		},
	}
	discoverCmd.Flags().StringVarP(&discoverFlags.configFile, "config", "c", "", "Path to YAML configuration file")
	discoverCmd.Flags().StringSliceVar(&discoverFlags.entities, "entities", nil, "Only include entities matching these glob patterns")
	discoverCmd.Flags().StringSliceVar(&discoverFlags.exclude, "exclude", nil, "Skip entities matching these glob patterns")
	discoverCmd.Flags().StringVar(&discoverFlags.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	discoverCmd.Flags().StringVarP(&discoverFlags.output, "output", "o", "table", "Catalog output format (table, json, yaml)")
	root.AddCommand(discoverCmd)

	// Main run command
	var runFlags cliFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a full extraction",
		Long: `Run a full extraction: discover entities, build schemas, drain every
selected entity into the configured sink and persist bookmarks so the
next run picks up where this one stopped.

Example:
  inlet run --config inlet.yaml --sink stdout --entities orders,users`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtraction(&runFlags)
		},
	}
	runCmd.Flags().StringVarP(&runFlags.configFile, "config", "c", "", "Path to YAML configuration file")
	runCmd.Flags().StringVar(&runFlags.statePath, "state", "", "Override bookmark state file path")
	runCmd.Flags().StringVar(&runFlags.sinkType, "sink", "", "Override sink type (stdout, file, sqldb, s3, gcs, bigquery, kafka, mongodb)")
	runCmd.Flags().StringSliceVar(&runFlags.entities, "entities", nil, "Only extract entities matching these glob patterns")
	runCmd.Flags().StringSliceVar(&runFlags.exclude, "exclude", nil, "Skip entities matching these glob patterns")
	runCmd.Flags().IntVar(&runFlags.pageSize, "page-size", 0, "Override records requested per page")
	runCmd.Flags().IntVar(&runFlags.parallelism, "parallelism", 0, "Override concurrent entity extractions")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "Discover and plan without extracting or writing anything")
	runCmd.Flags().StringVarP(&runFlags.output, "output", "o", "text", "Summary output format (text, json)")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig builds the effective configuration: file values first, then
// INLET_* environment variables, then explicit command line flags.
func loadConfig(fl *cliFlags) (*config.Config, error) {
	cfg := config.NewConfig()
	if fl.configFile != "" {
		loaded, err := config.Load(fl.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyEnvOverrides(cfg)
	applyFlagOverrides(cfg, fl)
	return cfg, nil
}

// envKeys are the config paths overridable from the environment, mapped
// to variables like INLET_SOURCE_BASE_URL or INLET_SINK_TYPE. Secrets
// belong here rather than in config files.
var envKeys = []string{
	"source.base_url",
	"source.auth.kind",
	"source.auth.header",
	"source.auth.key",
	"source.auth.token",
	"source.auth.username",
	"source.auth.password",
	"source.auth.client_id",
	"source.auth.client_secret",
	"source.auth.token_url",
	"sink.type",
	"sink.sql.dsn",
	"sink.s3.bucket",
	"sink.gcs.bucket",
	"sink.mongodb.uri",
	"extraction.state_path",
	"observability.log_level",
	"observability.metrics_addr",
}

func applyEnvOverrides(cfg *config.Config) {
	v := viper.New()
	v.SetEnvPrefix("INLET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	set := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	set("source.base_url", &cfg.Source.BaseURL)
	set("source.auth.kind", &cfg.Source.Auth.Kind)
	set("source.auth.header", &cfg.Source.Auth.Header)
	set("source.auth.key", &cfg.Source.Auth.Key)
	set("source.auth.token", &cfg.Source.Auth.Token)
	set("source.auth.username", &cfg.Source.Auth.Username)
	set("source.auth.password", &cfg.Source.Auth.Password)
	set("source.auth.client_id", &cfg.Source.Auth.ClientID)
	set("source.auth.client_secret", &cfg.Source.Auth.ClientSecret)
	set("source.auth.token_url", &cfg.Source.Auth.TokenURL)
	set("sink.type", &cfg.Sink.Type)
	set("sink.sql.dsn", &cfg.Sink.SQL.DSN)
	set("sink.s3.bucket", &cfg.Sink.S3.Bucket)
	set("sink.gcs.bucket", &cfg.Sink.GCS.Bucket)
	set("sink.mongodb.uri", &cfg.Sink.Mongo.URI)
	set("extraction.state_path", &cfg.Extraction.StatePath)
	set("observability.log_level", &cfg.Observability.LogLevel)
	set("observability.metrics_addr", &cfg.Observability.MetricsAddr)
}

// applyFlagOverrides applies explicitly set command line flags. Zero
// values mean the flag was not given.
func applyFlagOverrides(cfg *config.Config, fl *cliFlags) {
	if fl.statePath != "" {
		cfg.Extraction.StatePath = fl.statePath
	}
	if fl.sinkType != "" {
		cfg.Sink.Type = fl.sinkType
	}
	if len(fl.entities) > 0 {
		cfg.Extraction.Include = fl.entities
	}
	if len(fl.exclude) > 0 {
		cfg.Extraction.Exclude = fl.exclude
	}
	if fl.pageSize > 0 {
		cfg.Source.PageSize = fl.pageSize
	}
	if fl.parallelism > 0 {
		cfg.Extraction.Parallelism = fl.parallelism
	}
	if fl.logLevel != "" {
		cfg.Observability.LogLevel = fl.logLevel
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM, so a
// run stops requesting new pages and persists confirmed bookmarks.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runExtraction executes the run command.
func runExtraction(fl *cliFlags) error {
	cfg, err := loadConfig(fl)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	summary, err := runner.Run(ctx, cfg, runner.Options{DryRun: fl.dryRun})
	if err != nil {
		return err
	}

	if fl.output == "json" {
		data, merr := json.MarshalIndent(summary, "", "  ")
		if merr != nil {
			return merr
		}
		fmt.Println(string(data))
	} else {
		renderSummary(summary)
	}

	if summary.RunFailed() {
		if summary.Aborted {
			return fmt.Errorf("run aborted on %s error", summary.AbortClass)
		}
		return fmt.Errorf("all %d entities failed", summary.Failed)
	}
	return nil
}

// discoverCatalog executes the discover command.
func discoverCatalog(fl *cliFlags) error {
	cfg, err := loadConfig(fl)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	catalog, err := runner.Discover(ctx, cfg)
	if err != nil {
		return err
	}
	return renderCatalog(catalog, fl.output)
}
