package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/pkg/errors"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 100, cfg.Source.PageSize)
	assert.Equal(t, "cursor", cfg.Source.PaginationMode)
	assert.Equal(t, "none", cfg.Source.Auth.Kind)
	assert.Equal(t, 5*time.Minute, cfg.Extraction.Overlap)
	assert.Equal(t, 2*time.Hour, cfg.Cache.EntitiesTTL)
	assert.Equal(t, time.Hour, cfg.Cache.MetadataTTL)
	assert.Equal(t, 5, cfg.Recovery.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.Recovery.BreakerRecovery)
	assert.Equal(t, 10, cfg.Recovery.RetryBudget)
	assert.True(t, cfg.Extraction.Flattening.Enabled)
	assert.Equal(t, "_", cfg.Extraction.Flattening.Separator)
	assert.Equal(t, 3, cfg.Extraction.Flattening.MaxDepth)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantError bool
	}{
		{
			name:      "valid defaults with base url",
			mutate:    func(c *Config) {},
			wantError: false,
		},
		{
			name:      "missing base url",
			mutate:    func(c *Config) { c.Source.BaseURL = "" },
			wantError: true,
		},
		{
			name:      "zero page size",
			mutate:    func(c *Config) { c.Source.PageSize = 0 },
			wantError: true,
		},
		{
			name:      "bad pagination mode",
			mutate:    func(c *Config) { c.Source.PaginationMode = "token" },
			wantError: true,
		},
		{
			name:      "unknown auth kind",
			mutate:    func(c *Config) { c.Source.Auth.Kind = "hmac" },
			wantError: true,
		},
		{
			name: "conflicting include and exclude",
			mutate: func(c *Config) {
				c.Extraction.Include = []string{"orders*"}
				c.Extraction.Exclude = []string{"orders*"}
			},
			wantError: true,
		},
		{
			name:      "negative rate limit",
			mutate:    func(c *Config) { c.Extraction.RateLimit = -1 },
			wantError: true,
		},
		{
			name:      "zero flatten depth",
			mutate:    func(c *Config) { c.Extraction.Flattening.MaxDepth = 0 },
			wantError: true,
		},
		{
			name:      "empty sink type",
			mutate:    func(c *Config) { c.Sink.Type = "" },
			wantError: true,
		},
		{
			name:      "sample rate above one",
			mutate:    func(c *Config) { c.Observability.TracingSampleRate = 1.5 },
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.Source.BaseURL = "https://api.example.com"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantError {
				require.Error(t, err)
				assert.Equal(t, errors.ClassConfig, errors.GetClass(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadAppliesDefaultsAndEnvSubstitution(t *testing.T) {
	t.Setenv("INLET_TEST_TOKEN", "s3cret")

	dir := t.TempDir()
	path := filepath.Join(dir, "inlet.yaml")
	content := `
source:
  base_url: https://api.example.com/v2
  auth:
    kind: bearer
    token: ${INLET_TEST_TOKEN}
extraction:
  parallelism: 2
sink:
  type: file
  file:
    directory: /tmp/out
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/v2", cfg.Source.BaseURL)
	assert.Equal(t, "s3cret", cfg.Source.Auth.Token)
	assert.Equal(t, 2, cfg.Extraction.Parallelism)
	assert.Equal(t, "file", cfg.Sink.Type)
	// Defaults survive a partial file.
	assert.Equal(t, 100, cfg.Source.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.Extraction.Overlap)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/inlet.yaml")
	require.Error(t, err)
	assert.Equal(t, errors.ClassConfig, errors.GetClass(err))
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")

	cfg := NewConfig()
	cfg.Source.BaseURL = "https://api.example.com"
	cfg.Sink.Type = "stdout"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Source.BaseURL, loaded.Source.BaseURL)
	assert.Equal(t, cfg.Sink.Type, loaded.Sink.Type)
}
