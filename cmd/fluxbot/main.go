// Fluxbot platform server.
//
// One process hosts the whole pipeline: the flow, channel and language
// services sharing the in-process topic bus, the bot runtime, and the
// HTTP ingress for webhooks and management.
//
// Usage:
//
//	go run ./cmd/fluxbot -config config.yaml
//	FLUXBOT_DATABASE_USE_IN_MEMORY=true go run ./cmd/fluxbot
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/adapters/telegram"
	"github.com/fluxbot-cluster/fluxbot/commbus"
	"github.com/fluxbot-cluster/fluxbot/config"
	"github.com/fluxbot-cluster/fluxbot/dialog"
	"github.com/fluxbot-cluster/fluxbot/langproviders/openai"
	"github.com/fluxbot-cluster/fluxbot/observability"
	"github.com/fluxbot-cluster/fluxbot/orchestrator"
	"github.com/fluxbot-cluster/fluxbot/runtime"
	"github.com/fluxbot-cluster/fluxbot/secrets"
	"github.com/fluxbot-cluster/fluxbot/service"
	"github.com/fluxbot-cluster/fluxbot/store"
	"github.com/fluxbot-cluster/fluxbot/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fluxbot exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer("fluxbot", cfg.Observability.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	cipher, err := secrets.NewCipher(cfg.Secrets.EncryptionKey)
	if err != nil {
		return err
	}

	bus := commbus.NewInMemoryBus(logger, cfg.Bus.QueueSize)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	bus.AddMiddleware(commbus.NewMetricsMiddleware(observability.PublishedEnvelopes()))

	provisioner := runtime.NewVenvProvisioner(logger)
	if cfg.Runtime.PythonBinary != "" {
		provisioner.PythonBinary = cfg.Runtime.PythonBinary
	}
	manager, err := runtime.NewManager(cfg.Runtime.BaseDir, cfg.Runtime.InvokeTimeout, provisioner, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(st, manager, dialog.NewController(st, logger), bus, cipher, logger)

	var adapters []service.ChannelAdapter
	var extractors []webhook.IdentityExtractor
	if cfg.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.Languages, logger)
		if err != nil {
			return err
		}
		adapters = append(adapters, tg)
		extractors = append(extractors, tg)
	} else {
		logger.Warn("no telegram token configured, telegram channel disabled")
	}

	provider := openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.Model, logger)

	flowSvc := service.NewFlowService(bus, orch, logger)
	channelSvc := service.NewChannelService(st, bus, adapters, logger)
	languageSvc := service.NewLanguageService(st, bus, provider, logger)
	janitor := webhook.NewJanitor(st, cfg.Webhook.ReferenceRetention, cfg.Webhook.SweepInterval, logger)

	ingress := &http.Server{
		Addr:        cfg.Webhook.Addr,
		Handler:     webhook.NewHandler(st, bus, extractors, logger).Router(),
		ReadTimeout: 30 * time.Second,
	}
	metrics := &http.Server{
		Addr:    cfg.Observability.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8)

	runService := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- err
			}
			logger.Info("service stopped", zap.String("service", name))
		}()
	}
	runService("flow", flowSvc.Run)
	runService("channel", channelSvc.Run)
	runService("language", languageSvc.Run)
	runService("janitor", janitor.Run)

	serveHTTP := func(name string, srv *http.Server) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("listening", zap.String("server", name), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	serveHTTP("ingress", ingress)
	serveHTTP("metrics", metrics)

	logger.Info("fluxbot started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ingress.Shutdown(shutdownCtx)
	_ = metrics.Shutdown(shutdownCtx)
	wg.Wait()

	logger.Info("fluxbot stopped")
	return runErr
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Database.UseInMemory {
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}
	pg, err := cfg.Database.Postgres()
	if err != nil {
		return nil, err
	}
	return store.NewPostgresStore(pg, logger)
}
