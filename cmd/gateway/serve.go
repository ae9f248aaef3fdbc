package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/builder"
	"github.com/mrmushfiq/apiengine/internal/codegen"
	"github.com/mrmushfiq/apiengine/internal/gateway/handlers"
	"github.com/mrmushfiq/apiengine/internal/gateway/proxy"
	"github.com/mrmushfiq/apiengine/internal/gateway/testrun"
	"github.com/mrmushfiq/apiengine/internal/identity"
	"github.com/mrmushfiq/apiengine/internal/provisioner"
	"github.com/mrmushfiq/apiengine/internal/quota"
	"github.com/mrmushfiq/apiengine/internal/reconciler"
	"github.com/mrmushfiq/apiengine/internal/registry"
	"github.com/mrmushfiq/apiengine/internal/shared/config"
	"github.com/mrmushfiq/apiengine/internal/shared/database"
	"github.com/mrmushfiq/apiengine/internal/shared/logger"
	"github.com/mrmushfiq/apiengine/internal/shared/metrics"
	"github.com/mrmushfiq/apiengine/internal/shared/models"
	"github.com/mrmushfiq/apiengine/internal/shared/redis"
	"github.com/mrmushfiq/apiengine/internal/usage"
)

const shutdownTimeout = 30 * time.Second

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.WithFields(logrus.Fields{"port": cfg.Port, "env": cfg.Env}).Info("starting apiengine")

	ctx, stop := signalContext(parent)
	defer stop()

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	log.WithField("dialect", db.Dialect()).Info("connected to catalog")

	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()
	log.Info("connected to redis")

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	ledger := quota.New(redisClient)

	prov, err := provisioner.New(provisioner.Options{
		InstanceHost: cfg.InstanceHost,
		ReadyTimeout: cfg.ReadyTimeout,
		BuildTimeout: cfg.BuildTimeout,
		MemoryLimit:  cfg.ContainerMemory,
		CPULimit:     cfg.ContainerCPUs,
		Platform:     cfg.ContainerPlatform,
	}, log)
	if err != nil {
		return err
	}
	defer prov.Close()
	if err := prov.Ping(ctx); err != nil {
		log.WithError(err).Warn("container runtime not reachable; deploys will fail until it is")
	}

	reg := registry.New(db, builder.New(), prov, ledger, registry.Options{
		DefaultQuota: models.QuotaPolicy{
			PerHour:  cfg.DefaultQuotaHour,
			PerDay:   cfg.DefaultQuotaDay,
			PerMonth: cfg.DefaultQuotaMonth,
		},
		ResolveCacheSize: cfg.ResolveCacheSize,
		ResolveCacheTTL:  cfg.ResolveCacheTTL,
	}, m, log)

	var secondary []usage.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := usage.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaUsageTopic)
		if err != nil {
			return err
		}
		defer kafkaSink.Close()
		secondary = append(secondary, kafkaSink)
		log.WithField("topic", cfg.KafkaUsageTopic).Info("publishing usage records to kafka")
	}
	recorder := usage.NewRecorder(usage.NewDBSink(db), secondary, cfg.UsageQueueSize, m, log)

	verifier, err := identity.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}

	var generator handlers.CodeGenerator
	if cfg.CodegenEnabled() {
		var cache *codegen.Cache
		if cfg.CacheEnabled {
			cache = codegen.NewCache(redisClient, cfg.CacheTTL)
		}
		generator = codegen.NewService(codegen.NewManager(cfg, log), cache, ledger, codegen.Options{
			DefaultModel: cfg.CodegenModel,
			DailyLimit:   cfg.CodegenDailyLimit,
		}, m, log)
		log.WithField("model", cfg.CodegenModel).Info("code generation enabled")
	}

	forwarder := proxy.New(cfg.ProxyTimeout, cfg.MaxBodyBytes)

	router := handlers.Router{
		Execute: handlers.NewExecuteHandler(reg, ledger, forwarder, recorder, verifier, handlers.ExecuteOptions{
			InstanceHost: cfg.InstanceHost,
			TrustProxy:   cfg.TrustProxyHeaders,
		}, m, log),
		Management: handlers.NewManagementHandler(reg, db, testrun.New(forwarder, 0), generator, handlers.ManagementOptions{
			InstanceHost: cfg.InstanceHost,
			TrustProxy:   cfg.TrustProxyHeaders,
		}, log),
		Health: handlers.NewHealthHandler(map[string]handlers.Check{
			"database": db.Ping,
			"redis":    redisClient.Ping,
			"docker":   prov.Ping,
		}),
		Middleware: handlers.NewMiddleware(verifier, log),
		Metrics:    m,
	}

	rec := reconciler.New(db, prov, reg, m, log)
	if err := rec.Start(cfg.ReconcileInterval); err != nil {
		return err
	}

	// Deploys run inside the request, so the write timeout has to cover a
	// full image build plus the readiness wait.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.BuildTimeout + cfg.ReadyTimeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down gracefully")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	if err := rec.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("reconciler did not stop in time")
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("usage records left unwritten")
	}

	log.Info("server stopped")
	return nil
}
