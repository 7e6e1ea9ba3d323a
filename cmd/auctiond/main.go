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

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"

	"github.com/jensholdgaard/auctiond/internal/api"
	"github.com/jensholdgaard/auctiond/internal/auction"
	"github.com/jensholdgaard/auctiond/internal/clock"
	"github.com/jensholdgaard/auctiond/internal/config"
	"github.com/jensholdgaard/auctiond/internal/event"
	"github.com/jensholdgaard/auctiond/internal/event/natsbus"
	"github.com/jensholdgaard/auctiond/internal/health"
	"github.com/jensholdgaard/auctiond/internal/leader"
	"github.com/jensholdgaard/auctiond/internal/store"
	"github.com/jensholdgaard/auctiond/internal/sweeper"
	"github.com/jensholdgaard/auctiond/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/auctiond/internal/store/docstore"
	_ "github.com/jensholdgaard/auctiond/internal/store/memory"
	_ "github.com/jensholdgaard/auctiond/internal/store/postgres"
	_ "github.com/jensholdgaard/auctiond/internal/store/redisstore"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
		tp.Logger = telemetry.NewJSONLogger(os.Stdout, slog.LevelInfo)
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	backend, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Store.Driver, err)
	}
	defer backend.Closer.Close()
	logger.InfoContext(ctx, "auction store ready", slog.String("driver", cfg.Store.Driver))

	healthHandler := health.NewHandler(clk, version,
		health.Checker{Name: "store", Check: backend.Ping},
	)

	events := event.Multi{event.LogPublisher{Logger: logger}}
	if cfg.NATS.URL != "" {
		nc, natsErr := natsbus.Connect(cfg.NATS.URL, cfg.Telemetry.ServiceName, logger)
		if natsErr != nil {
			return natsErr
		}
		defer nc.Drain()
		events = append(events, natsbus.New(nc, cfg.NATS.SubjectPrefix))
		healthHandler.AddChecker(health.Checker{
			Name: "nats",
			Check: func(context.Context) error {
				if nc.Status() != nats.CONNECTED {
					return fmt.Errorf("nats connection %s", nc.Status())
				}
				return nil
			},
		})
		logger.InfoContext(ctx, "publishing auction events to nats", slog.String("url", cfg.NATS.URL))
	}

	engine, err := auction.NewEngine(backend.Auctions, events, logger,
		tp.TracerProvider, tp.MeterProvider, clk, cfg.Engine.MaxBidAttempts)
	if err != nil {
		return fmt.Errorf("creating bid engine: %w", err)
	}
	manager := auction.NewManager(backend.Auctions, events, logger, tp.TracerProvider, clk, auction.Policy{
		MinDuration:      cfg.Engine.MinAuctionDuration,
		EndingSoonWindow: cfg.Engine.EndingSoonWindow,
	})

	router := mux.NewRouter()
	healthHandler.Register(router)
	api.NewServer(engine, manager, logger, clk).Register(router)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			serveErr <- listenErr
		}
		close(serveErr)
	}()

	// Every replica serves bids; only the lease holder announces ended auctions.
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if !cfg.Sweeper.Enabled {
			return
		}
		leadErr := leader.Lead(ctx, cfg.LeaderElection, logger, func(ctx context.Context) {
			sw := sweeper.New(backend.Auctions, events, logger, tp.TracerProvider, clk, cfg.Sweeper.Interval)
			if runErr := sw.Run(ctx); runErr != nil {
				logger.ErrorContext(ctx, "sweeper failed", slog.Any("error", runErr))
			}
		})
		if leadErr != nil {
			logger.ErrorContext(ctx, "leader election failed", slog.Any("error", leadErr))
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", err))
			cancel()
		}
	}
	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("http server shutdown error", slog.Any("error", shutdownErr))
	}
	<-sweepDone

	logger.Info("shutdown complete")
	if err != nil {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}
