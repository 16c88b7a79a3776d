package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/c360/objstore/config"
)

// Run modes
const (
	modeServe = "serve"
	modeDemo  = "demo"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	NATSURLs        string
	Transport       string
	DataFile        string
	Bucket          string
	LogLevel        string
	LogFormat       string
	MetricsPort     int
	Mode            string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
	WriteConfig     string

	// set records which flags were given explicitly; only those override the config file
	set map[string]bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("OBJSTORE_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: OBJSTORE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("OBJSTORE_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: OBJSTORE_CONFIG)")
	fs.StringVar(&cfg.NATSURLs, "nats", getEnv("OBJSTORE_NATS_URLS", "nats://localhost:4222"),
		"Comma-separated NATS server URLs (env: OBJSTORE_NATS_URLS)")
	fs.StringVar(&cfg.Transport, "transport", getEnv("OBJSTORE_TRANSPORT", config.TransportNATS),
		"Stream transport: nats, local (env: OBJSTORE_TRANSPORT)")
	fs.StringVar(&cfg.DataFile, "data", getEnv("OBJSTORE_DATA", ""),
		"bbolt file for the local transport, empty for memory only (env: OBJSTORE_DATA)")
	fs.StringVar(&cfg.Bucket, "bucket", getEnv("OBJSTORE_BUCKET", "configs"),
		"Bucket to serve or to run the demo against (env: OBJSTORE_BUCKET)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("OBJSTORE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: OBJSTORE_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("OBJSTORE_LOG_FORMAT", "json"),
		"Log format: json, text (env: OBJSTORE_LOG_FORMAT)")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", getEnvInt("OBJSTORE_METRICS_PORT", 0),
		"Prometheus metrics port, 0 to disable (env: OBJSTORE_METRICS_PORT)")
	fs.StringVar(&cfg.Mode, "mode", getEnv("OBJSTORE_MODE", modeServe),
		"Run mode: serve, demo (env: OBJSTORE_MODE)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("OBJSTORE_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: OBJSTORE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.StringVar(&cfg.WriteConfig, "write-config", "",
		"Write the effective configuration to a .json, .yaml or .yml file")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })
	for flagName, env := range map[string]string{
		"nats":         "OBJSTORE_NATS_URLS",
		"transport":    "OBJSTORE_TRANSPORT",
		"data":         "OBJSTORE_DATA",
		"log-level":    "OBJSTORE_LOG_LEVEL",
		"log-format":   "OBJSTORE_LOG_FORMAT",
		"metrics-port": "OBJSTORE_METRICS_PORT",
	} {
		if os.Getenv(env) != "" {
			cfg.set[flagName] = true
		}
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{config.TransportNATS, config.TransportLocal}, cfg.Transport) {
		return fmt.Errorf("invalid transport: %s", cfg.Transport)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if !slices.Contains([]string{modeServe, modeDemo}, cfg.Mode) {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}
	if cfg.Bucket == "" {
		return fmt.Errorf("bucket name required")
	}
	return nil
}

// applyFlags overrides cfg with the flags that were set explicitly
func applyFlags(cli *CLIConfig, cfg *config.Config) {
	if cli.set["nats"] {
		cfg.NATS.URLs = splitURLs(cli.NATSURLs)
	}
	if cli.set["transport"] {
		cfg.Transport.Kind = cli.Transport
	}
	if cli.set["data"] {
		cfg.Transport.DataFile = cli.DataFile
	}
	if cli.set["log-level"] {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.set["log-format"] {
		cfg.Log.Format = cli.LogFormat
	}
	if cli.set["metrics-port"] {
		cfg.Metrics.Port = cli.MetricsPort
	}
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - chunked object store on an append-only stream

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Serve the configs bucket over NATS request/reply
  %s --nats=nats://localhost:4222 --bucket=configs

  # Run the walkthrough against an in-process store persisted to disk
  %s --transport=local --data=/tmp/objstore.db --mode=demo --log-format=text

  # Validate a configuration file only
  %s --config=/etc/objstore/config.yaml --validate

  # Merge file, environment and flags into one normalised file
  %s --config=base.yaml --transport=local --validate --write-config=effective.yaml

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
