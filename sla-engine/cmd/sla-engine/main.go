package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/auth"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/clients/workflow"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/config"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/executor"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/httpserver"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/lock"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/service"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/store"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/streaming"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/telemetry"
	"github.com/ILLUVRSE/portfolio/sla-engine/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.LogDev)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	var (
		st     store.Store
		pg     *store.PGStore
		mem    *store.MemoryStore
		pinger httpserver.Pinger
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("open db", zap.Error(err))
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("ping db", zap.Error(err))
		}
		pg = store.NewPGStore(db)
		pg.SetStreamReclaimAfter(cfg.StreamReclaimAfter)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("ensure schema", zap.Error(err))
		}
		st = pg
		pinger = pg
	} else {
		logger.Warn("no database configured, using in-memory store")
		mem = store.NewMemoryStore()
		st = mem
	}

	var instances service.InstanceProvider = mem
	caps := executor.Capabilities{
		Webhooks: webhook.New(webhook.Config{BreakerTimeout: cfg.WebhookBreakerTimeout}, logger.Named("webhook"), metrics),
	}
	if cfg.WorkflowURL != "" {
		wf, err := workflow.New(workflow.Config{BaseURL: cfg.WorkflowURL, Token: cfg.WorkflowToken, Retries: 2})
		if err != nil {
			logger.Fatal("workflow client", zap.Error(err))
		}
		instances = wf
		caps.Reassigner = wf
		caps.Priorities = wf
		caps.Comments = wf
	} else if mem != nil {
		logger.Warn("WORKFLOW_SERVICE_URL not set, instances resolve from the in-memory store only")
	} else {
		logger.Fatal("WORKFLOW_SERVICE_URL required with a database-backed store")
	}

	var closers []func() error
	if len(cfg.KafkaBrokers) > 0 {
		notifications := mustProducer(logger, cfg.KafkaBrokers, cfg.NotificationTopic)
		alerts := mustProducer(logger, cfg.KafkaBrokers, cfg.AlertTopic)
		caps.Notifications = streaming.NewNotificationPublisher(notifications)
		caps.Alerts = streaming.NewAlertPublisher(alerts)
		closers = append(closers, notifications.Close, alerts.Close)
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("ping redis", zap.Error(err))
		}
		locker = lock.NewRedisLocker(client, cfg.LockTTL, logger.Named("lock"))
		closers = append(closers, client.Close)
	}

	exec := executor.New(caps, executor.Config{ActionTimeout: cfg.ActionTimeout}, logger.Named("executor"), metrics)
	svc := service.New(service.Deps{
		Store:     st,
		Instances: instances,
		Locker:    locker,
		Executor:  exec,
		Logger:    logger.Named("service"),
		Metrics:   metrics,
	}, service.Config{DefaultWarningThresholdPercent: cfg.DefaultWarningThreshold})

	var wg sync.WaitGroup
	if cfg.StreamingEnabled() && pg != nil {
		producer := mustProducer(logger, cfg.KafkaBrokers, cfg.EscalationTopic)
		closers = append(closers, producer.Close)
		var archiver streaming.Archiver
		if cfg.S3Bucket != "" {
			s3a, err := streaming.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				logger.Fatal("s3 archiver", zap.Error(err))
			}
			archiver = s3a
		}
		streamer := streaming.NewStreamer(pg, producer, archiver, streaming.StreamerConfig{
			BatchSize:      cfg.StreamBatchSize,
			MaxConcurrency: cfg.StreamMaxConcurrency,
			PollInterval:   cfg.StreamPollInterval,
		}, logger.Named("streamer"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := streamer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("streamer stopped", zap.Error(err))
			}
		}()
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if verifier.DevMode() {
		logger.Warn("SLA_ENGINE_JWT_SECRET not set, trusting tenant headers")
	}
	server := httpserver.New(svc, pinger, verifier, reg, logger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("sla engine listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	wg.Wait()
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close dependency", zap.Error(err))
		}
	}
}

func newLogger(dev bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		os.Stderr.WriteString("init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return logger.With(zap.String("service", "sla-engine"))
}

func mustProducer(logger *zap.Logger, brokers []string, topic string) *streaming.KafkaProducer {
	p, err := streaming.NewKafkaProducer(streaming.KafkaProducerConfig{Brokers: brokers, Topic: topic})
	if err != nil {
		logger.Fatal("kafka producer", zap.String("topic", topic), zap.Error(err))
	}
	return p
}
