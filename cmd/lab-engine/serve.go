package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Ericmiano/CYBER-SENSEI/internal/api"
	"github.com/Ericmiano/CYBER-SENSEI/internal/config"
	"github.com/Ericmiano/CYBER-SENSEI/internal/executor"
	"github.com/Ericmiano/CYBER-SENSEI/internal/health"
	"github.com/Ericmiano/CYBER-SENSEI/internal/history"
	"github.com/Ericmiano/CYBER-SENSEI/internal/kafka"
	"github.com/Ericmiano/CYBER-SENSEI/internal/lifecycle"
	"github.com/Ericmiano/CYBER-SENSEI/internal/metrics"
	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
	"github.com/Ericmiano/CYBER-SENSEI/internal/policy"
	"github.com/Ericmiano/CYBER-SENSEI/internal/provisioner"
	"github.com/Ericmiano/CYBER-SENSEI/internal/rabbitmq"
	"github.com/Ericmiano/CYBER-SENSEI/internal/session"
	"github.com/Ericmiano/CYBER-SENSEI/internal/store"
	"github.com/Ericmiano/CYBER-SENSEI/internal/templates"
)

// archive is what the engine needs from a history backend.
type archive interface {
	Save(ctx context.Context, s models.LabSession) error
	Get(ctx context.Context, sessionID string) (models.LabSession, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.LabSession, error)
	Ping(ctx context.Context) error
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lab engine HTTP API, reaper and queue consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			return serve(cfg, newLogger(cfg.LogLevel, cfg.LogFormat))
		},
	}
}

func serve(cfg *config.Config, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := templates.LoadFile(cfg.TemplatesFile)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}
	log.WithField("count", len(reg.List())).Info("Templates loaded")

	backend, err := newBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}
	log.WithField("backend", backend.Name()).Info("Container backend ready")

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(promRegistry)

	checker := health.NewChecker(log)
	checker.Register("backend", true, backend.Ping)

	st := store.NewInMemoryStore()
	managerOpts := []session.Option{
		session.WithMetrics(mt),
		session.WithProvisionTimeout(cfg.ProvisionTimeout),
	}
	handlerOpts := []api.Option{
		api.WithHealth(checker),
		api.WithMetricsHandler(mt.Handler()),
	}

	hist, err := newHistory(cfg, log)
	if err != nil {
		return err
	}
	if hist != nil {
		checker.Register("history", false, hist.Ping)
		managerOpts = append(managerOpts, session.WithHistory(hist))
		handlerOpts = append(handlerOpts, api.WithHistory(hist))
	}

	var publisher *rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		publisher, err = rabbitmq.NewPublisher(cfg.RabbitMQURL, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
		managerOpts = append(managerOpts, session.WithStatusPublisher(publisher))
	}

	execOpts := []executor.Option{executor.WithMetrics(mt)}
	if cfg.KafkaBrokerURL != "" {
		if err := kafka.EnsureTopicExists(cfg.KafkaBrokerURL, cfg.KafkaAuditTopic, 3); err != nil {
			log.WithError(err).Warn("Could not ensure audit topic exists")
		}
		auditWriter := kafka.NewAuditWriter(cfg.KafkaBrokerURL, cfg.KafkaAuditTopic, log)
		defer auditWriter.Close()
		execOpts = append(execOpts, executor.WithAuditor(auditWriter))
	}

	manager := session.NewManager(st, reg, backend, log, managerOpts...)
	exec := executor.New(st, reg, policy.NewEngine(), backend, executor.Options{
		DefaultTimeout: cfg.DefaultCommandTimeout,
		MaxTimeout:     cfg.MaxCommandTimeout,
		OutputCap:      cfg.OutputCapBytes,
	}, log, execOpts...)

	// Sessions do not survive a restart; anything still labeled as ours is stale.
	if _, err := manager.RemoveOrphans(ctx); err != nil {
		log.WithError(err).Warn("Orphan sweep failed")
	}

	reaper := lifecycle.NewReaper(st, manager, cfg.ReaperInterval, cfg.SessionRetention, log)
	go reaper.Start(ctx)
	go checker.Start(ctx, 15*time.Second)

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, manager, publisher, log)
		if err != nil {
			return err
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("RabbitMQ consumer stopped")
			}
		}()
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, checker.GRPCServer())
	lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCHealthAddr, err)
	}
	go func() {
		log.WithField("addr", lis.Addr().String()).Info("gRPC health service listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.WithError(err).Error("gRPC health server error")
		}
	}()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.New(manager, exec, reg, log, handlerOpts...)
	server := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        api.NewRouter(handler, cfg.AllowOrigins, log),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   cfg.MaxCommandTimeout + cfg.ProvisionTimeout,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("Lab engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("Shutting down lab engine")
	case err := <-serverErr:
		log.WithError(err).Error("HTTP server error")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown failed")
	}
	grpcServer.GracefulStop()
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (provisioner.Backend, error) {
	switch cfg.Backend {
	case "docker":
		return provisioner.NewDockerBackend(ctx, provisioner.DockerOptions{
			IsolatedNetwork: cfg.DockerIsolatedNetwork,
			WrapWithTimeout: true,
		}, log)
	case "kubernetes":
		return provisioner.NewKubernetesBackend(ctx, provisioner.KubernetesOptions{
			Kubeconfig:      cfg.KubeconfigPath,
			Namespace:       cfg.KubeNamespace,
			WrapWithTimeout: true,
		}, log)
	case "memory":
		log.Warn("Using the in-memory backend; commands are not executed")
		return provisioner.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newHistory(cfg *config.Config, log logrus.FieldLogger) (archive, error) {
	switch cfg.HistoryBackend {
	case "", "none":
		return nil, nil
	case "postgres":
		db, err := history.OpenPostgres(cfg.DatabaseURL, cfg.DatabaseSchema)
		if err != nil {
			return nil, err
		}
		return history.NewGormRepository(db)
	case "sqlite":
		db, err := history.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return history.NewGormRepository(db)
	case "redis":
		log.WithField("addr", cfg.RedisAddr).Info("Archiving sessions to Redis")
		return history.NewRedisRepository(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.HistoryTTL), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.HistoryBackend)
	}
}
