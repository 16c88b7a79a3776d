package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/objstore"
	"github.com/c360/objstore/stream"
)

// Transport kinds
const (
	TransportNATS  = "nats"  // JetStream on a NATS server
	TransportLocal = "local" // In-process log, optionally persisted to a bbolt file
)

// Config is the complete application configuration
type Config struct {
	Version   string          `json:"version,omitempty"`
	NATS      NATSConfig      `json:"nats"`
	Transport TransportConfig `json:"transport"`
	Log       LogConfig       `json:"log"`
	Metrics   MetricsConfig   `json:"metrics"`
	Service   ServiceConfig   `json:"service"`
	Buckets   []BucketConfig  `json:"buckets,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait Duration      `json:"reconnect_wait,omitempty"`
	Timeout       Duration      `json:"timeout,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// TransportConfig selects the stream transport
type TransportConfig struct {
	Kind     string `json:"kind"`                // nats or local
	DataFile string `json:"data_file,omitempty"` // bbolt file for the local transport; empty keeps it in memory
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Port int    `json:"port,omitempty"` // 0 disables the endpoint
	Path string `json:"path,omitempty"`
}

// ServiceConfig configures the request/reply API
type ServiceConfig struct {
	Enabled        bool     `json:"enabled"`
	RequestTimeout Duration `json:"request_timeout,omitempty"`
	StrictCreate   bool     `json:"strict_create,omitempty"`
}

// BucketConfig declares a bucket created at startup
type BucketConfig struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ChunkSize   int               `json:"chunk_size,omitempty"`
	TTL         Duration          `json:"ttl,omitempty"`
	MaxBytes    int64             `json:"max_bytes,omitempty"`
	MaxMsgs     int64             `json:"max_msgs,omitempty"`
	Storage     string            `json:"storage,omitempty"` // file or memory
	Replicas    int               `json:"replicas,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	Reclaim    bool    `json:"reclaim,omitempty"`     // purge superseded revisions
	ChunkRate  float64 `json:"chunk_rate,omitempty"`  // chunks per second, 0 for unlimited
	ChunkBurst int     `json:"chunk_burst,omitempty"` // burst for chunk_rate
}

// ObjectStore converts the declaration into the bucket configuration and store options
func (b BucketConfig) ObjectStore() (objstore.BucketConfig, []objstore.StoreOption, error) {
	storage, err := stream.ParseStorageType(b.Storage)
	if err != nil {
		return objstore.BucketConfig{}, nil, err
	}
	cfg := objstore.BucketConfig{
		Name:        b.Name,
		Description: b.Description,
		ChunkSize:   b.ChunkSize,
		TTL:         b.TTL.Duration(),
		MaxBytes:    b.MaxBytes,
		MaxMsgs:     b.MaxMsgs,
		Storage:     storage,
		Replicas:    b.Replicas,
		Metadata:    b.Metadata,
	}

	var opts []objstore.StoreOption
	if b.Reclaim {
		opts = append(opts, objstore.WithReclaimSuperseded())
	}
	if b.ChunkRate > 0 {
		opts = append(opts, objstore.WithChunkRate(rate.Limit(b.ChunkRate), b.ChunkBurst))
	}
	return cfg, opts, nil
}

// Duration is a time.Duration written as a Go duration string. A "d" suffix counts days.
type Duration time.Duration

// Duration returns the value as a time.Duration
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string or integer: %s", data)
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := parseDurationWithDays(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func parseDurationWithDays(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Default returns the configuration used before any file or environment override
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
		},
		Transport: TransportConfig{Kind: TransportNATS},
		Log:       LogConfig{Level: "info", Format: "json"},
		Metrics:   MetricsConfig{Path: "/metrics"},
		Service: ServiceConfig{
			Enabled:        true,
			RequestTimeout: Duration(30 * time.Second),
		},
	}
}

// Validate checks the configuration after schema validation and env overrides
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "validate configuration")
	}

	switch c.Transport.Kind {
	case TransportNATS:
		if len(c.NATS.URLs) == 0 {
			return invalid("nats.urls is required for the nats transport")
		}
	case TransportLocal:
	default:
		return invalid("transport.kind must be nats or local, got %q", c.Transport.Kind)
	}

	if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return invalid("nats.tls cert_file and key_file must be set together")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid("log.format %q is not one of json, text", c.Log.Format)
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}

	seen := make(map[string]bool, len(c.Buckets))
	for i, b := range c.Buckets {
		if err := objstore.ValidateBucketName(b.Name); err != nil {
			return invalid("buckets[%d]: %v", i, err)
		}
		if seen[b.Name] {
			return invalid("buckets[%d]: duplicate bucket %q", i, b.Name)
		}
		seen[b.Name] = true

		if b.ChunkSize < 0 || b.MaxBytes < 0 || b.MaxMsgs < 0 || b.Replicas < 0 || b.TTL < 0 {
			return invalid("buckets[%d]: negative limit", i)
		}
		if _, err := stream.ParseStorageType(b.Storage); err != nil {
			return invalid("buckets[%d]: %v", i, err)
		}
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Loader loads configuration files in layers, later layers overriding earlier ones
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with validation enabled and the OBJSTORE env prefix
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "OBJSTORE",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables schema and semantic validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, every layer and the environment into one Config
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		if l.validation {
			if err := validateSchema(raw); err != nil {
				return nil, errors.WrapInvalid(err, "Loader", "Load", "validate "+path)
			}
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode merged configuration")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
		}
		return val, nil
	}

	overrides := []struct {
		name  string
		apply func(string)
	}{
		{"NATS_URLS", func(v string) { cfg.NATS.URLs = splitList(v) }},
		{"NATS_USERNAME", func(v string) { cfg.NATS.Username = v }},
		{"NATS_PASSWORD", func(v string) { cfg.NATS.Password = v }},
		{"NATS_TOKEN", func(v string) { cfg.NATS.Token = v }},
		{"TRANSPORT", func(v string) { cfg.Transport.Kind = v }},
		{"DATA", func(v string) { cfg.Transport.DataFile = v }},
		{"LOG_LEVEL", func(v string) { cfg.Log.Level = v }},
		{"LOG_FORMAT", func(v string) { cfg.Log.Format = v }},
	}
	for _, o := range overrides {
		val, err := env(o.name)
		if err != nil {
			return err
		}
		if val != "" {
			o.apply(val)
		}
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadRaw reads a JSON or YAML file into a generic map
func loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: parse YAML: %w", errors.ErrInvalidConfig, err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON structure: %w", errors.ErrInvalidConfig, err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: parse JSON: %w", errors.ErrInvalidConfig, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	// Numbers stay json.Number so large integers survive a YAML round trip
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps merges override into base. Nested objects merge key by key; any other
// value, lists included, replaces the base value.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if overrideMap, ok := v.(map[string]any); ok {
			if baseMap, ok := result[k].(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// SaveToFile saves the configuration to a JSON or YAML file, chosen by extension
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if m, err = toMap(c); err == nil {
			data, err = yaml.Marshal(m)
		}
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.WrapFatal(err, "Config", "SaveToFile", "encode configuration")
	}
	if err := safeWriteFile(path, data); err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "write "+path)
	}
	return nil
}
