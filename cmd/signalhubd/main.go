package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"signalhub/config"
	"signalhub/crypto"
	"signalhub/observability"
	"signalhub/observability/logging"
	telemetry "signalhub/observability/otel"
	"signalhub/peer"
	"signalhub/relay"
	"signalhub/rendezvous"
	"signalhub/storage"
)

const serviceName = "signalhubd"

// version is overridden at link time.
var version = "dev"

func main() {
	configFile := flag.String("config", "./signalhub.yaml", "Path to the configuration file (YAML, or TOML by extension)")
	port := flag.Int("port", 0, "Override the main rendezvous port")
	relays := flag.String("relay-servers", "", "Override the comma separated relay server list")
	key := flag.String("key", "", "Override the base64 signing key")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg, *port, *relays, *key)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("signalhubd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, port int, relays, key string) {
	if port > 0 {
		cfg.Server.Port = port
	}
	if hosts := relay.ParseHosts(relays); len(hosts) > 0 {
		cfg.Relay.Servers = hosts
	}
	if key != "" {
		cfg.Server.Key = key
	}
}

func run(ctx context.Context, cfg config.Config) error {
	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		return err
	}
	logOpts := []logging.Option{logging.WithLevel(level)}
	if cfg.Logging.File != "" {
		logOpts = append(logOpts, logging.WithFile(logging.FileSink{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}))
	}
	logger, logCloser := logging.Setup(serviceName, cfg.Logging.Env, logOpts...)
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Logging.Env,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		ExportInterval: cfg.Telemetry.ExportInterval.Duration,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	lanPrefix, err := cfg.Server.LANPrefix()
	if err != nil {
		return err
	}

	storeCfg, err := storageConfig(cfg.Database)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, storeCfg, storage.WithLogger(logging.Component(logger, "storage")))
	if err != nil {
		return fmt.Errorf("open peer store: %w", err)
	}
	defer store.Close()
	if n, err := store.SetAllOffline(ctx); err != nil {
		logger.Warn("failed to reset peer status", slog.Any("error", err))
	} else {
		logger.Info("reset peer status", slog.Int64("peers", n))
	}

	status := storage.NewStatusQueue(store,
		storage.WithStatusCapacity(cfg.Database.StatusQueue),
		storage.WithStatusWorkers(cfg.Database.StatusWorkers),
		storage.WithStatusLogger(logging.Component(logger, "status_queue")))
	status.Start(ctx)
	defer status.Close()

	signer, err := loadSigner(cfg.Server)
	if err != nil {
		return err
	}
	logger.Info("server key loaded",
		slog.String("public_key", signer.PublicKeyBase64()),
		slog.String("fingerprint", crypto.Fingerprint(signer.PublicKey())))

	monitor := relay.NewMonitor(cfg.Relay.Servers,
		relay.WithLogger(logging.Component(logger, "relay")),
		relay.WithProbeTimeout(cfg.Relay.ProbeTimeout.Duration))
	if len(monitor.Configured()) == 0 {
		logger.Warn("no relay servers configured; peers behind symmetric NAT cannot connect")
	}

	registry := peer.NewRegistry(store, status, registryConfig(cfg.Peer),
		peer.WithLogger(logging.Component(logger, "peer")))

	srv := rendezvous.NewServer(rendezvous.Config{
		Port:               cfg.Server.Port,
		UDPWorkers:         cfg.Server.UDPWorkers,
		UDPQueue:           cfg.Server.UDPQueue,
		StreamIdleTimeout:  cfg.Server.StreamIdleTimeout.Duration,
		WSOrigins:          cfg.Server.WSOrigins,
		RelayProbeInterval: cfg.Relay.ProbeInterval.Duration,
		SweepInterval:      cfg.Peer.HeartbeatInterval.Duration,
	}, rendezvous.HandlerConfig{
		Serial:            cfg.Server.Serial,
		RendezvousServers: cfg.Server.RendezvousServers,
		LicenceKey:        cfg.Server.LicenceKey,
		LANPrefix:         lanPrefix,
		AlwaysUseRelay:    cfg.Server.AlwaysUseRelay,
		SoftwareVersion:   cfg.Server.SoftwareVersion,
		SoftwareURL:       cfg.Server.SoftwareURL,
	}, registry, monitor, signer, logging.Component(logger, "rendezvous"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if !cfg.Ops.Disabled {
		ops := &http.Server{
			Addr: cfg.Ops.Listen,
			Handler: observability.NewOpsRouter(serviceName, map[string]observability.ReadinessFunc{
				"store": store.Healthy,
				"listeners": func() error {
					select {
					case <-srv.Ready():
						return nil
					default:
						return errors.New("listeners not bound")
					}
				},
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("ops listener starting", slog.String("addr", cfg.Ops.Listen))
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ops.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func storageConfig(db config.DatabaseConfig) (storage.Config, error) {
	dsn := db.DSN
	if dsn == "" {
		var err error
		dsn, err = storage.FileDSN(db.Path)
		if err != nil {
			return storage.Config{}, err
		}
	}
	return storage.Config{
		Driver:           db.Driver,
		DSN:              dsn,
		PoolSize:         db.PoolSize,
		BreakerThreshold: db.BreakerThreshold,
		BreakerReset:     db.BreakerReset.Duration,
	}, nil
}

func loadSigner(server config.ServerConfig) (*crypto.Signer, error) {
	if server.Key != "" {
		signer, err := crypto.ParseSecretKey(server.Key)
		if err != nil {
			return nil, fmt.Errorf("parse configured key: %w", err)
		}
		return signer, nil
	}
	signer, err := crypto.LoadOrCreateSigner(server.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return signer, nil
}

func registryConfig(p config.PeerConfig) peer.Config {
	return peer.Config{
		PeerTimeout:       p.PeerTimeout.Duration,
		RegisterInterval:  p.RegisterInterval.Duration,
		CleanupInterval:   p.CleanupInterval.Duration,
		DegradedThreshold: p.DegradedThreshold,
		CriticalThreshold: p.CriticalThreshold,
		Abuse: peer.AbuseLimits{
			ShortWindow:    p.IPBlockWindow.Duration,
			ShortLimit:     p.IPBlockLimit,
			LongWindow:     p.IPDistinctWindow.Duration,
			LongLimit:      p.IPDistinctLimit,
			RenameCooldown: p.RenameCooldown.Duration,
			IPChangeWindow: p.IPChangeWindow.Duration,
		},
	}
}
