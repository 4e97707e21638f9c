package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/bastiqui/TSAE75644-2024/internal/config"
	"github.com/bastiqui/TSAE75644-2024/internal/handler"
	"github.com/bastiqui/TSAE75644-2024/internal/health"
	"github.com/bastiqui/TSAE75644-2024/internal/metrics"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/bastiqui/TSAE75644-2024/internal/server"
	"github.com/bastiqui/TSAE75644-2024/internal/service"
	"github.com/bastiqui/TSAE75644-2024/internal/storage/recipes"
	"github.com/bastiqui/TSAE75644-2024/internal/transport"
	"github.com/bastiqui/TSAE75644-2024/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.Strings("participants", cfg.ParticipantIDs()),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("gossip", cfg.Gossip.Enabled))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Replica node failed", zap.Error(err))
	}
	logger.Info("Replica node stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	// Recipe store
	store, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	replica, err := service.NewReplicaService(service.ReplicaConfig{
		NodeID:       cfg.Server.NodeID,
		Participants: cfg.ParticipantIDs(),
	}, store, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create replica: %w", err)
	}

	// Outbound sessions
	dialer := transport.NewDialer(transport.DialerConfig{
		KeepaliveTime:    cfg.Server.KeepaliveTime,
		KeepaliveTimeout: cfg.TSAE.SessionTimeout,
	}, logger)
	defer dialer.Close()
	originator := service.NewOriginator(replica, dialer, cfg.TSAE.SessionTimeout, m, logger)

	// Inbound sessions
	partner := service.NewPartner(replica, cfg.TSAE.SessionTimeout, m, logger)
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:           "partner-sessions",
		MaxWorkers:     cfg.PartnerPool.Workers,
		QueueSize:      cfg.PartnerPool.QueueSize,
		Logger:         logger,
		OnActiveChange: m.UpdatePartnerPoolActive,
	})
	sessionHandler := handler.NewSessionHandler(partner, pool, m, logger)
	sessionServer := transport.NewServer(transport.ServerConfig{
		MaxConnections:   cfg.Server.MaxConnections,
		KeepaliveTime:    cfg.Server.KeepaliveTime,
		KeepaliveTimeout: cfg.TSAE.SessionTimeout,
	}, sessionHandler, logger)

	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddr, err)
	}

	// Peer selection
	var peers service.PeerSelector
	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			Participants:   cfg.ParticipantIDs(),
		}, cfg.Server.NodeID, cfg.Server.AdvertiseAddr, m, logger)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to initialize gossip: %w", err)
		}
		peers = gossipSvc
		logger.Info("Gossip service initialized")
	} else {
		peers = service.NewStaticPeers(cfg.Server.NodeID, cfg.TSAE.Participants)
	}

	scheduler := service.NewScheduler(&service.SchedulerConfig{
		SessionDelay:      cfg.TSAE.SessionDelay,
		SessionPeriod:     cfg.TSAE.SessionPeriod,
		NumSessions:       cfg.TSAE.NumSessions,
		PropagationDegree: cfg.TSAE.PropagationDegree,
		PropagationRate:   cfg.TSAE.PropagationRate,
		PropagationBurst:  cfg.TSAE.PropagationBurst,
	}, originator, peers, logger)
	replica.OnLocalWrite(scheduler.Propagate)

	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID: cfg.Server.NodeID,
		OnStatusChange: func(status model.NodeStatus) {
			if gossipSvc == nil {
				return
			}
			if err := gossipSvc.SetStatus(status); err != nil {
				logger.Warn("Failed to advertise node status", zap.Error(err))
			}
		},
	}, store, pool, logger)

	adminServer := server.NewAdminServer(&server.AdminServerConfig{
		Port:         cfg.Admin.Port,
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		ReadyCheck:   healthChecker.Ready,
	}, replica, registry, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	schedulerCtx, stopScheduler := context.WithCancel(gctx)
	defer stopScheduler()

	g.Go(func() error {
		return sessionServer.Serve(listener)
	})
	g.Go(func() error {
		return scheduler.Run(schedulerCtx)
	})
	g.Go(func() error {
		return healthChecker.Start(gctx)
	})
	if cfg.Admin.Enabled {
		g.Go(adminServer.Start)
	}

	logger.Info("Replica node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", listener.Addr().String()))

	// Shutdown: no new originator sessions, drain partner sessions, then
	// close the listener and leave the cluster
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		healthChecker.SetDraining()
		stopScheduler()
		if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("Partner sessions did not drain", zap.Error(err))
		}
		sessionServer.GracefulStop(cfg.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if cfg.Admin.Enabled {
			if err := adminServer.Stop(shutdownCtx); err != nil {
				logger.Error("Failed to stop admin server", zap.Error(err))
			}
		}

		if gossipSvc != nil {
			if err := gossipSvc.Shutdown(cfg.Gossip.ProbeTimeout); err != nil {
				logger.Error("Failed to stop gossip", zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}

func newStore(cfg *config.Config, logger *zap.Logger) (recipes.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		store, err := recipes.NewRedisStore(cfg.Store.RedisAddr, cfg.Store.Password, cfg.Store.DB, cfg.Store.KeyPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Using redis recipe store",
			zap.String("addr", cfg.Store.RedisAddr),
			zap.String("prefix", cfg.Store.KeyPrefix))
		return store, nil
	default:
		return recipes.NewMemoryStore(logger), nil
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	return zc.Build()
}
