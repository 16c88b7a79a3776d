// Package main runs the object store: it creates the configured buckets and either
// serves them over NATS request/reply or replays a walkthrough of the API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/objstore/config"
	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/metric"
	"github.com/c360/objstore/natsclient"
	"github.com/c360/objstore/objstore"
	"github.com/c360/objstore/pkg/retry"
	"github.com/c360/objstore/stream"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "objstore"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cli, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cli.WriteConfig != "" {
		if err := cfg.SaveToFile(cli.WriteConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		logger.Info("Wrote effective configuration", "path", cli.WriteConfig)
	}

	if cli.Validate {
		logger.Info("Configuration is valid", "config_path", cli.ConfigPath)
		return nil
	}

	logger.Info("Starting objstore",
		"version", Version,
		"build_time", BuildTime,
		"transport", cfg.Transport.Kind,
		"mode", cli.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()
	transport, client, closeTransport, err := setupTransport(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	mgr := objstore.NewManager(transport, managerOptions(cfg, registry, logger)...)
	stores, err := createBuckets(ctx, mgr, cfg, cli.Bucket)
	if err != nil {
		return err
	}

	if cli.Mode == modeDemo {
		return runDemo(ctx, os.Stdout, mgr, stores[cli.Bucket], client)
	}
	return serve(ctx, cfg, cli.ShutdownTimeout, registry, stores, client, logger)
}

// loadConfig merges the config file, the environment and the explicit flags
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	applyFlags(cli, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupTransport connects the configured stream transport. client is nil for the local
// transport.
func setupTransport(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (stream.Transport, *natsclient.Client, func(), error) {
	if cfg.Transport.Kind == config.TransportLocal {
		opts := []stream.LocalOption{stream.WithLocalLogger(logger)}
		if cfg.Transport.DataFile != "" {
			opts = append(opts, stream.WithBoltFile(cfg.Transport.DataFile))
		}
		local, err := stream.NewLocal(opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open local transport: %w", err)
		}
		logger.Info("Using local transport", "data_file", cfg.Transport.DataFile)
		return local, nil, func() {
			if err := local.Close(); err != nil {
				logger.Error("Failed to close local transport", "error", err)
			}
		}, nil
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), natsOptions(cfg, registry, logger)...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	connect := retry.Quick()
	connect.Retryable = errors.IsTransient
	if err := retry.Do(ctx, connect, func() error { return client.Connect(ctx) }); err != nil {
		return nil, nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, nil, nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return stream.NewJetStream(client, stream.WithJetStreamLogger(logger)), client, func() {
		if err := client.Close(context.Background()); err != nil {
			logger.Error("Failed to close NATS client", "error", err)
		}
	}, nil
}

func natsOptions(cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(natsclient.SlogLogger(logger)),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(registry),
	}
	if d := cfg.NATS.ReconnectWait.Duration(); d > 0 {
		opts = append(opts, natsclient.WithReconnectWait(d))
	}
	if d := cfg.NATS.Timeout.Duration(); d > 0 {
		opts = append(opts, natsclient.WithTimeout(d))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if tls := cfg.NATS.TLS; tls.Enabled {
		opts = append(opts, natsclient.WithTLS(tls.CertFile, tls.KeyFile, tls.CAFile))
	}
	return opts
}

func managerOptions(cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) []objstore.ManagerOption {
	opts := []objstore.ManagerOption{
		objstore.WithLogger(logger),
		objstore.WithMetrics(registry),
		objstore.WithStoreOptions(objstore.WithRetry(errors.DefaultRetryConfig().ToRetryConfig())),
	}
	if cfg.Service.StrictCreate {
		opts = append(opts, objstore.WithStrictCreate())
	}
	return opts
}

// createBuckets creates every configured bucket plus the one named on the command line
func createBuckets(
	ctx context.Context,
	mgr *objstore.Manager,
	cfg *config.Config,
	bucket string,
) (map[string]*objstore.Store, error) {
	decls := cfg.Buckets
	found := false
	for _, b := range decls {
		if b.Name == bucket {
			found = true
			break
		}
	}
	if !found {
		decls = append(decls, config.BucketConfig{Name: bucket})
	}

	stores := make(map[string]*objstore.Store, len(decls))
	for _, decl := range decls {
		bc, opts, err := decl.ObjectStore()
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", decl.Name, err)
		}
		store, err := mgr.CreateBucket(ctx, bc, opts...)
		if err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", decl.Name, err)
		}
		stores[decl.Name] = store
	}
	return stores, nil
}

// serve runs the metrics endpoint and one API service per bucket until ctx ends
func serve(
	ctx context.Context,
	cfg *config.Config,
	shutdownTimeout time.Duration,
	registry *metric.MetricsRegistry,
	stores map[string]*objstore.Store,
	client *natsclient.Client,
	logger *slog.Logger,
) error {
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Port > 0 {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
		logger.Info("Metrics server started", "address", server.Address())
	}

	var services []*objstore.Service
	switch {
	case !cfg.Service.Enabled:
		logger.Info("API service disabled in config")
	case client == nil:
		logger.Warn("API service requires the nats transport; buckets are not exposed")
	default:
		for _, store := range stores {
			svc := objstore.NewService(store, client,
				objstore.WithServiceLogger(logger),
				objstore.WithServiceMetrics(registry),
				objstore.WithRequestTimeout(cfg.Service.RequestTimeout.Duration()))
			if err := svc.Start(gctx); err != nil {
				stopServices(services, shutdownTimeout, logger)
				return fmt.Errorf("start service for %s: %w", store.Name(), err)
			}
			services = append(services, svc)
		}
	}

	logger.Info("objstore started", "buckets", len(stores), "services", len(services))
	<-gctx.Done()
	logger.Info("Received shutdown signal")

	stopServices(services, shutdownTimeout, logger)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("objstore shutdown complete")
	return nil
}

func stopServices(services []*objstore.Service, timeout time.Duration, logger *slog.Logger) {
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(timeout); err != nil {
			logger.Error("Error stopping service", "error", err)
		}
	}
}

func splitURLs(s string) []string {
	var out []string
	for _, u := range strings.Split(s, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
