package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/api"
	"github.com/slipstream/dlsync/internal/broadcast"
	"github.com/slipstream/dlsync/internal/completion"
	"github.com/slipstream/dlsync/internal/config"
	"github.com/slipstream/dlsync/internal/database"
	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/finalize"
	"github.com/slipstream/dlsync/internal/health"
	"github.com/slipstream/dlsync/internal/locator"
	"github.com/slipstream/dlsync/internal/logger"
	"github.com/slipstream/dlsync/internal/naming"
	"github.com/slipstream/dlsync/internal/pathmapping"
	"github.com/slipstream/dlsync/internal/processing"
	"github.com/slipstream/dlsync/internal/queue"
	"github.com/slipstream/dlsync/internal/reconcile"
	"github.com/slipstream/dlsync/internal/scheduler"
	"github.com/slipstream/dlsync/internal/scheduler/tasks"
	"github.com/slipstream/dlsync/internal/startup"
	"github.com/slipstream/dlsync/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	sample := flag.Bool("sample-config", false, "Print a default config file and exit")
	flag.Parse()

	if *sample {
		out, err := config.Sample()
		if err != nil {
			fmt.Fprintf(os.Stderr, "dlsync: %v\n", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "dlsync: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tail := logger.NewTail(1000)
	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Tail:       tail,
	})
	defer log.Close()

	log.Info().Str("logLevel", cfg.Logging.Level).Str("database", cfg.Database.Path).Msg("starting dlsync")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	ctx := context.Background()
	conn := db.Conn()

	clientStore := downloader.NewConfigStore(conn)
	pathMappings := pathmapping.NewService(conn, log.Logger)
	service := downloader.NewService(downloader.NewDefaultRegistry(), log.Logger)
	if err := seedClients(ctx, cfg.Clients, clientStore, service, pathMappings, log.Logger); err != nil {
		return err
	}

	settings := cfg.Reconcile.AppSettings()
	healthSvc := health.NewService(log.Logger)

	enabled, err := clientStore.ListEnabledClientConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list download clients: %w", err)
	}
	probeCtx, cancelProbe := context.WithTimeout(ctx, 2*time.Minute)
	reachable := startup.ProbeClients(probeCtx, enabled, func(ctx context.Context, c *types.ClientConfig) error {
		adapter, err := service.Adapter(c)
		if err != nil {
			return err
		}
		return adapter.Test(ctx)
	}, healthSvc, startup.DefaultRetryConfig(), log.Logger)
	cancelProbe()
	log.Info().Int("clients", len(enabled)).Int("reachable", reachable).Msg("probed download clients")

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := websocket.NewHub(log.Logger)
	go hub.Run(hubCtx)
	healthSvc.SetBroadcaster(hub)

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		return err
	}

	downloadStore := downloads.NewStore(conn)
	jobs := processing.NewStore(conn)

	mode := processing.ParseTransferMode(cfg.Reconcile.CompletedFileAction)
	processor := processing.NewProcessor(jobs, downloadStore, mode, log.Logger)
	processor.SetClientRemoval(clientStore, service)
	processor.SetFailureReporter(healthSvc)

	loc := locator.New(pathMappings, settings.AllowedExtensions, log.Logger)
	namer := naming.NewService(settings.OutputPath, cfg.Reconcile.FileNamingPattern)
	coordinator := finalize.NewCoordinator(loc, jobs, namer, downloadStore, sched, finalize.Settings{
		MaxRetries:   settings.MissingSourceRetries,
		InitialDelay: settings.InitialRetryDelay,
	}, settings.OutputPath, log.Logger)

	detector := completion.NewDetector(completion.NewCandidateStore(), settings.StabilityWindow, hub, log.Logger)
	broadcaster := broadcast.New(hub, cfg.Reconcile.FullListInterval(), cfg.Reconcile.EchoWindow(), log.Logger)
	hub.SetResyncHandler(broadcaster.RequestFullList)

	purger := queue.NewPurger(downloadStore, broadcaster, cfg.Reconcile.PurgeGrace(), log.Logger,
		coordinator.Retries(), detector)
	aggregator := queue.NewAggregator(clientStore, downloadStore, service, settings.ShowCompletedExternal, log.Logger)

	loop := reconcile.New(reconcile.Deps{
		Clients:   clientStore,
		Store:     downloadStore,
		Poller:    service,
		Detector:  detector,
		Finalizer: coordinator,
		Purger:    purger,
		Publisher: broadcaster,
		Health:    healthSvc,
	}, cfg.Reconcile.Interval(), log.Logger)

	if err := tasks.RegisterProcessingTask(sched, processor, cfg.Reconcile.ProcessingInterval(), log.Logger); err != nil {
		return fmt.Errorf("failed to register processing task: %w", err)
	}
	healthTask := tasks.NewClientHealthTask(clientStore, downloadStore, service, healthSvc, log.Logger)
	if err := tasks.RegisterClientHealthTask(sched, healthTask, tasks.DefaultClientHealthInterval); err != nil {
		return fmt.Errorf("failed to register client health task: %w", err)
	}

	server := api.NewServer(api.Deps{
		Queue:     aggregator,
		Downloads: downloadStore,
		Clients:   clientStore,
		Service:   service,
		Hub:       hub,
		Removals:  broadcaster,
		Forget:    []api.Forgetter{coordinator.Retries(), detector, purger},
		Loop:      loop,
		Health:    healthSvc,
		Logs:      tail,
		Tasks:     sched,
	}, api.Options{
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	}, log.Logger)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	loop.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.Address())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdown(loop, sched, server, log.Logger)
	log.Info().Msg("dlsync stopped")
	return nil
}

// shutdown stops intake first so the cycle in flight can finish against live services.
func shutdown(loop *reconcile.Loop, sched *scheduler.Scheduler, server *api.Server, log zerolog.Logger) {
	loop.Stop()

	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
}

// seedClients upserts clients declared in the config file along with their path mappings.
func seedClients(ctx context.Context, seeds []config.ClientSeed, store *downloader.ConfigStore, service *downloader.Service, mappings *pathmapping.Service, log zerolog.Logger) error {
	for _, seed := range seeds {
		client := seed.ClientConfig()
		if !service.Supports(client.Type) {
			return fmt.Errorf("client %s: %w: %s", seed.ID, downloader.ErrUnsupportedClient, client.Type)
		}
		if err := store.UpsertClientConfig(ctx, client); err != nil {
			return fmt.Errorf("failed to seed client %s: %w", seed.ID, err)
		}
		for _, m := range seed.PathMappings {
			if _, err := mappings.Ensure(ctx, &pathmapping.Mapping{
				ClientID:   client.ID,
				Name:       client.Name,
				RemotePath: m.Remote,
				LocalPath:  m.Local,
			}); err != nil {
				return fmt.Errorf("failed to seed path mapping for %s: %w", seed.ID, err)
			}
		}
		log.Info().Str("clientId", client.ID).Str("clientType", string(client.Type)).Bool("enabled", client.Enabled).
			Msg("seeded download client")
	}
	return nil
}
