package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/witlox/dmfgate/internal/api"
	"github.com/witlox/dmfgate/internal/auth"
	"github.com/witlox/dmfgate/internal/auth/mtls"
	"github.com/witlox/dmfgate/internal/config"
	"github.com/witlox/dmfgate/internal/dmf"
	"github.com/witlox/dmfgate/internal/security"
	"github.com/witlox/dmfgate/pkg/broker"
	"github.com/witlox/dmfgate/pkg/cache"
	"github.com/witlox/dmfgate/pkg/metrics"
	"github.com/witlox/dmfgate/pkg/postgres"
	"github.com/witlox/dmfgate/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume DMF messages and serve artifact downloads",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("migrate", true, "Apply pending database migrations on start")
}

func authConfig(cfg *config.Config) (auth.Config, error) {
	ac := auth.Config{
		AnonymousEnabled: cfg.Auth.AnonymousEnabled,
		GatewayIssuer:    cfg.Auth.GatewayIssuer,
		GatewayAudiences: cfg.Auth.GatewayAudiences,
		Headers: mtls.HeaderConfig{
			CommonNameHeader:       cfg.Auth.CommonNameHeader,
			IssuerHashHeaderFormat: cfg.Auth.IssuerHashHeader,
			MaxIssuerHashes:        cfg.Auth.MaxIssuerHashHeaders,
		},
	}
	if cfg.Auth.GatewayPublicKeyFile != "" {
		key, err := os.ReadFile(cfg.Auth.GatewayPublicKeyFile)
		if err != nil {
			return auth.Config{}, fmt.Errorf("failed to read gateway public key: %w", err)
		}
		ac.GatewayPublicKey = key
	}
	return ac, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "starting dmfgate", "version", version)

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dmfgate",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to initialize telemetry", "error", err)
	} else {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	reg := metrics.GetRegistry()
	serviceMetrics := metrics.NewServiceMetricsFor(reg, "dmfgate", version)
	messagingMetrics := metrics.NewMessagingMetricsFor(reg)
	downloadMetrics := metrics.NewDownloadMetricsFor(reg)

	db, err := postgres.New(ctx, postgresConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()
	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	redisClient, err := cache.NewClient(ctx, cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS:      cfg.Redis.TLS,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()
	downloads := cache.NewDownloadCache(redisClient, cfg.Download.IDTTL, cfg.Redis.KeyPrefix)

	tenants := postgres.NewTenantRepository(db)
	controllers := postgres.NewControllerRepository(db)
	artifacts := postgres.NewArtifactRepository(db)
	propagator := security.NewPropagator(cfg.Auth.PropagateSecurityContext, logger)

	ac, err := authConfig(cfg)
	if err != nil {
		return err
	}
	chain, err := auth.New(ac, tenants, controllers, propagator,
		auth.WithMetrics(serviceMetrics),
		auth.WithLogger(logger))
	if err != nil {
		return err
	}

	kafkaCfg := broker.KafkaConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID,
		TopicPrefix: cfg.Kafka.TopicPrefix,
	}
	writer, err := broker.NewKafkaWriter(kafkaCfg)
	if err != nil {
		return err
	}
	sender := broker.NewKafkaSender(writer, cfg.Kafka.TopicPrefix)
	defer sender.Close()

	machine := dmf.NewStatusMachine(controllers,
		dmf.WithMaxStatusEntries(cfg.DMF.MaxStatusEntriesPerAction),
		dmf.WithStatusMetrics(messagingMetrics),
		dmf.WithStatusLogger(logger))
	dispatcher := newDispatcher(cfg, sender, messagingMetrics, logger)
	router := dmf.NewRouter(controllers, machine, dispatcher, propagator,
		dmf.WithVirtualHost(cfg.Kafka.VHost),
		dmf.WithRouterLogger(logger))
	authHandler := dmf.NewAuthenticationHandler(chain, artifacts, controllers, downloads,
		dmf.WithDownloadBaseURL(cfg.Download.BaseURL),
		dmf.WithDownloadMetrics(downloadMetrics),
		dmf.WithAuthenticationLogger(logger))
	policy := dmf.NewRetryPolicy(cfg.DMF.RequeueDelay, logger)

	receiver, err := newConsumer(cfg, kafkaCfg, cfg.Kafka.ReceiveTopic, router, policy, sender, messagingMetrics, logger)
	if err != nil {
		return err
	}
	defer receiver.Close()
	authenticator, err := newConsumer(cfg, kafkaCfg, cfg.Kafka.AuthTopic, authHandler, policy, sender, messagingMetrics, logger)
	if err != nil {
		return err
	}
	defer authenticator.Close()

	health := api.NewHealthChecker(logger)
	health.Register("postgres", db.HealthCheck)
	health.Register("redis", downloads.Ping)

	server := api.NewServer(api.NewRouter(api.RouterConfig{
		ServiceName: "dmfgate",
		Version:     version,
		Logger:      logger,
		Metrics:     serviceMetrics,
		Tracing:     cfg.Telemetry.Enabled,
		Health:      health,
		Downloads:   api.NewDownloadHandler(downloads, artifacts, propagator, downloadMetrics, logger),
	}), api.ServerConfig{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return receiver.Run(gctx) })
	g.Go(func() error { return authenticator.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.Background())
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.InfoContext(context.Background(), "shutdown complete")
	return nil
}

// newDispatcher builds the outbound dispatcher. Artifact links point at the
// external DDI server only; this process serves downloads by download id,
// which devices obtain through the authentication queue.
func newDispatcher(cfg *config.Config, sender broker.Sender, mm *metrics.MessagingMetrics, logger *slog.Logger) *dmf.Dispatcher {
	return dmf.NewDispatcher(sender,
		dmf.WithArtifactBaseURL(cfg.DMF.ArtifactBaseURL),
		dmf.WithDispatcherMetrics(mm),
		dmf.WithDispatcherLogger(logger))
}

func newConsumer(cfg *config.Config, kafkaCfg broker.KafkaConfig, topic string, handler broker.Handler,
	policy broker.Policy, sender *broker.KafkaSender, mm *metrics.MessagingMetrics, logger *slog.Logger) (*broker.Consumer, error) {
	reader, err := broker.NewKafkaReader(kafkaCfg, topic)
	if err != nil {
		return nil, err
	}
	c, err := broker.NewConsumer(broker.ConsumerConfig{
		Name:            topic,
		Concurrency:     cfg.Kafka.Concurrency,
		MaxDeliveries:   cfg.Kafka.MaxDeliveries,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		VHost:           cfg.Kafka.VHost,
	}, reader, handler, policy,
		broker.WithReplySender(sender),
		broker.WithDeadLetterWriter(sender),
		broker.WithConsumerMetrics(mm),
		broker.WithConsumerLogger(logger))
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	return c, nil
}
