package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/stream"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait.Duration())
	assert.Equal(t, TransportNATS, cfg.Transport.Kind)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 30*time.Second, cfg.Service.RequestTimeout.Duration())
	assert.True(t, cfg.Service.Enabled)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"nats": {
			"urls": ["nats://a:4222", "nats://b:4222"],
			"max_reconnects": 10,
			"reconnect_wait": "5s"
		},
		"log": {"level": "debug"},
		"buckets": [
			{"name": "configs", "chunk_size": 65536, "ttl": "7d", "storage": "memory", "reclaim": true}
		]
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 10, cfg.NATS.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait.Duration())
	// Unset fields keep their defaults
	assert.Equal(t, 5*time.Second, cfg.NATS.Timeout.Duration())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.Len(t, cfg.Buckets, 1)
	b := cfg.Buckets[0]
	assert.Equal(t, 7*24*time.Hour, b.TTL.Duration())

	bc, opts, err := b.ObjectStore()
	require.NoError(t, err)
	assert.Equal(t, "configs", bc.Name)
	assert.Equal(t, 65536, bc.ChunkSize)
	assert.Equal(t, stream.MemoryStorage, bc.Storage)
	assert.Len(t, opts, 1)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
transport:
  kind: local
  data_file: /var/lib/objstore/data.db
log:
  format: text
metrics:
  port: 9090
buckets:
  - name: media
    max_bytes: 1073741824
    chunk_rate: 100
    chunk_burst: 10
    metadata:
      owner: team-a
`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, TransportLocal, cfg.Transport.Kind)
	assert.Equal(t, "/var/lib/objstore/data.db", cfg.Transport.DataFile)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	require.Len(t, cfg.Buckets, 1)
	assert.Equal(t, int64(1073741824), cfg.Buckets[0].MaxBytes)
	assert.Equal(t, "team-a", cfg.Buckets[0].Metadata["owner"])

	_, opts, err := cfg.Buckets[0].ObjectStore()
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}

func TestLoader_Layers(t *testing.T) {
	base := writeConfig(t, "base.json", `{"nats": {"urls": ["nats://base:4222"], "max_reconnects": 3}, "log": {"level": "warn"}}`)
	override := writeConfig(t, "prod.yaml", "nats:\n  max_reconnects: 20\n")

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://base:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 20, cfg.NATS.MaxReconnects)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_SchemaRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", `{"nats": {"servers": ["nats://x"]}}`},
		{"bad transport", `{"transport": {"kind": "kafka"}}`},
		{"bad bucket name", `{"buckets": [{"name": "a.b"}]}`},
		{"negative chunk size", `{"buckets": [{"name": "a", "chunk_size": -1}]}`},
		{"bad duration", `{"service": {"request_timeout": "soon"}}`},
		{"missing bucket name", `{"buckets": [{"description": "x"}]}`},
		{"port out of range", `{"metrics": {"port": 70000}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(writeConfig(t, "config.json", tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoader_FileErrors(t *testing.T) {
	_, err := NewLoader().LoadFile(writeConfig(t, "config.toml", "x = 1"))
	assert.Error(t, err)

	_, err = NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = NewLoader().LoadFile(writeConfig(t, "broken.json", `{"nats": `))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("OBJSTORE_NATS_URLS", "nats://one:4222, nats://two:4222")
	t.Setenv("OBJSTORE_LOG_LEVEL", "error")
	t.Setenv("OBJSTORE_TRANSPORT", "local")
	t.Setenv("OBJSTORE_DATA", "/tmp/objstore.db")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"nats://one:4222", "nats://two:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, TransportLocal, cfg.Transport.Kind)
	assert.Equal(t, "/tmp/objstore.db", cfg.Transport.DataFile)

	t.Setenv("OBJSTORE_LOG_LEVEL", "verbose")
	_, err = NewLoader().Load()
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"local without urls", func(c *Config) { c.Transport.Kind = TransportLocal; c.NATS.URLs = nil }, true},
		{"nats without urls", func(c *Config) { c.NATS.URLs = nil }, false},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "mqtt" }, false},
		{"tls half configured", func(c *Config) { c.NATS.TLS = NATSTLSConfig{Enabled: true, CertFile: "c.pem"} }, false},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, false},
		{"duplicate bucket", func(c *Config) {
			c.Buckets = []BucketConfig{{Name: "a"}, {Name: "a"}}
		}, false},
		{"bad storage", func(c *Config) { c.Buckets = []BucketConfig{{Name: "a", Storage: "tape"}} }, false},
		{"negative ttl", func(c *Config) { c.Buckets = []BucketConfig{{Name: "a", TTL: Duration(-time.Second)}} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			}
		})
	}
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "secret-token"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "secret-token")
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestConfig_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Buckets = []BucketConfig{{Name: "saved", TTL: Duration(time.Hour), ChunkSize: 1024}}

	for _, name := range []string{"out.json", "out.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, cfg.SaveToFile(path))

		loaded, err := NewLoader().LoadFile(path)
		require.NoError(t, err, name)
		require.Len(t, loaded.Buckets, 1)
		assert.Equal(t, time.Hour, loaded.Buckets[0].TTL.Duration())
		assert.Equal(t, 1024, loaded.Buckets[0].ChunkSize)
	}
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": [1, {"b": "]}"}]}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [}`+"")))
	deep := make([]byte, 0, 2*(maxJSONDepth+1))
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, ']')
	}
	assert.Error(t, validateJSONDepth(deep))
}
