package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	binding "github.com/auriga-m2m/auriga/pkg/binding/http"
	"github.com/auriga-m2m/auriga/pkg/config"
	"github.com/auriga-m2m/auriga/pkg/cse"
	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/registry"
	"github.com/auriga-m2m/auriga/pkg/scheduler"
	"github.com/auriga-m2m/auriga/pkg/storage"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// shutdownGrace bounds the orderly teardown after the listeners drained.
const shutdownGrace = 10 * time.Second

func newServeCommand(version string) *cobra.Command {
	var (
		httpAddr  string
		adminAddr string
		dbPath    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the CSE",
		Long: `Start the CSE: the resource store, the attribute policy registry, the
background scheduler, the notification service and the oneM2M HTTP binding.

The server runs until it receives SIGINT or SIGTERM, then drains in-flight
requests and shuts the services down in reverse start order.`,
		Example: `  # Run with defaults (in-memory store on :8080)
  auriga serve

  # Run against a config file
  auriga serve --config /etc/auriga/config.yaml

  # Override the listen address and persist to SQLite
  auriga serve --http-addr :9090 --db ./auriga.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}
			if httpAddr != "" {
				cfg.HTTP.ListenAddress = httpAddr
			}
			if adminAddr != "" {
				cfg.Admin.Enabled = true
				cfg.Admin.ListenAddress = adminAddr
			}
			if dbPath != "" {
				cfg.Storage.Driver = "sqlite"
				cfg.Storage.Path = dbPath
			}
			return runServe(cmd.Context(), cfg, version)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "oneM2M HTTP binding listen address")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin listener address (health, metrics)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (selects the sqlite driver)")

	return cmd
}

// runServe assembles the service graph, starts the listeners and blocks
// until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, version string) error {
	tc := cfg.TelemetryConfig(version)

	logger, err := telemetry.NewLogger(tc.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tc.Metrics)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(tc.Tracing, tc.ServiceName, tc.ServiceVersion, tc.Environment)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}

	logger.WithField("version", version).
		WithField("cseID", cfg.CSE.SPRelativeID()).
		WithField("cseName", cfg.CSE.ResourceName).
		Info("Starting Auriga CSE")

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := registry.New(cfg.Policies.Dir, logger)
	if err != nil {
		return err
	}
	if cfg.Policies.Watch && cfg.Policies.Dir != "" {
		if err := reg.Watch(); err != nil {
			return fmt.Errorf("watching policy directory: %w", err)
		}
		defer reg.Close()
	}

	sched := scheduler.New(logger, metrics)
	bus := events.NewBus(events.Config{BufferSize: cfg.Events.BufferSize}, logger)

	release := cfg.CSE.SupportedReleaseVersions[len(cfg.CSE.SupportedReleaseVersions)-1]
	client := binding.NewClient(cfg.HTTP, cfg.CSE.CSEID, release, logger)

	service := cse.New(cse.Config{
		CSEID:                    cfg.CSE.CSEID,
		CSEName:                  cfg.CSE.ResourceName,
		SPID:                     cfg.CSE.SPID,
		CSEType:                  cfg.CSE.Type,
		PointOfAccess:            cfg.CSE.PointOfAccess,
		AdminOriginator:          cfg.CSE.AdminOriginator,
		ReleaseVersions:          cfg.CSE.SupportedReleaseVersions,
		RegistrationAllowed:      cfg.CSE.RegistrationAllowed,
		DefaultExpiration:        cfg.CSE.DefaultExpiration,
		MaxExpiration:            cfg.CSE.MaxExpiration,
		DefaultRequestExpiration: cfg.CSE.DefaultRequestExpiration,
		PollingTimeout:           cfg.CSE.PollingChannelTimeout,
		VerificationTimeout:      cfg.Notifier.VerificationTimeout,
		DeliveryTimeout:          cfg.Notifier.DeliveryTimeout,
		AnnounceTimeout:          cfg.Announcer.PushTimeout,
		ExpirySweepInterval:      cfg.Scheduler.ExpirySweepInterval,
		FanoutParallel:           cfg.CSE.FanoutParallel,
		RequestRecording:         cfg.CSE.RequestRecording,
		MaxRecordedRequests:      cfg.CSE.MaxRecordedRequests,
	}, store, reg, sched, bus, client, logger, metrics, tracer)

	if err := service.Init(ctx); err != nil {
		return err
	}
	if err := service.Start(ctx); err != nil {
		return err
	}

	var ut *binding.UpperTester
	if cfg.CSE.EnableUpperTester {
		logger.Warn("Upper Tester hook enabled; do not expose the admin listener")
		ut = binding.NewUpperTester(service, logger)
	}

	server := binding.NewServer(cfg.HTTP, service, logger)
	admin := binding.NewAdmin(cfg.Admin, metrics, store.HealthCheck, ut, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- server.Run(ctx) }()
	go func() { errCh <- admin.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case runErr = <-errCh:
		if runErr != nil {
			logger.WithError(runErr).Error("Listener failed")
		}
	}

	// Reverse start order: listeners drain on ctx cancel, then the service
	// releases parked pollers, then the task runners stop.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := service.Shutdown(sctx); err != nil {
		logger.WithError(err).Warn("Service shutdown incomplete")
	}
	if err := sched.Shutdown(sctx); err != nil {
		logger.WithError(err).Warn("Scheduler shutdown incomplete")
	}
	if err := bus.Shutdown(sctx); err != nil {
		logger.WithError(err).Warn("Event bus shutdown incomplete")
	}
	if err := tracer.Shutdown(sctx); err != nil {
		logger.WithError(err).Warn("Tracer shutdown incomplete")
	}
	logger.Info("Auriga CSE stopped")
	return runErr
}

// openStore builds and initializes the configured storage backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	var store storage.Store
	switch cfg.Driver {
	case "sqlite":
		s, err := storage.NewSQLite(storage.SQLiteConfig{
			Path:        cfg.Path,
			BusyTimeout: cfg.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("configuring sqlite store: %w", err)
		}
		store = s
	default:
		store = storage.NewMemory()
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return store, nil
}
