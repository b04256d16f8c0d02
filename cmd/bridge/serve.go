package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dlchats/accounts-bridge/internal/api"
	"github.com/dlchats/accounts-bridge/internal/biz/usecase"
	"github.com/dlchats/accounts-bridge/internal/conf"
	"github.com/dlchats/accounts-bridge/internal/data"
	"github.com/dlchats/accounts-bridge/internal/infra/driver"
	"github.com/dlchats/accounts-bridge/internal/infra/feishu"
	"github.com/dlchats/accounts-bridge/internal/infra/openai"
	"github.com/dlchats/accounts-bridge/internal/server"
	"github.com/dlchats/accounts-bridge/internal/service"
)

const shutdownTimeout = 20 * time.Second

func newServeCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *conf.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional clients
	opts := data.Options{
		Backend: cfg.Store.Backend,
		DataDir: cfg.Store.DataDir,
	}
	if cfg.Translate.APIKey != "" {
		opts.OpenAI = openai.NewClient(cfg.Translate.APIKey, cfg.Translate.BaseURL, cfg.Translate.Model)
		log.Info().Msg("Translation enabled")
	}
	if cfg.Feishu.Enabled() {
		opts.Feishu = feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret)
		opts.AlertChatID = cfg.Feishu.AlertChatID
		log.Info().Msg("Feishu alerts enabled")
	}

	// Repository layer
	repos, err := data.NewRepositories(opts)
	if err != nil {
		return fmt.Errorf("failed to create repositories: %w", err)
	}
	defer repos.Archive.Close()
	log.Info().Str("backend", cfg.Store.Backend).Str("dir", cfg.Store.DataDir).Msg("Message store opened")

	// Usecase layer
	store := usecase.NewMessageStore(repos.Archive, usecase.SystemScheduler, cfg.Store.Debounce)
	store.Load(ctx)

	fetcher := usecase.NewFetcher(usecase.FetchConfig{
		ListTimeout:     cfg.Timeouts.List,
		HistoryTimeout:  cfg.Timeouts.History,
		EvaluateTimeout: cfg.Timeouts.Evaluate,
		HistoryLimit:    cfg.Timeouts.HistoryLimit,
	}, store)

	sendCfg := usecase.DefaultSendConfig()
	sendCfg.SendTimeout = cfg.Timeouts.Send
	sendCfg.EvaluateTimeout = cfg.Timeouts.Evaluate
	correlator := usecase.NewCorrelator(sendCfg.CorrelationTTL)
	sender := usecase.NewSendPipeline(sendCfg, store, correlator)

	// Service layer
	hub := server.NewHub()
	driverCfg := driver.DefaultConfig()
	driverCfg.Command = cfg.Driver.Command
	driverCfg.Args = cfg.Driver.Args

	regCfg := service.DefaultRegistryConfig()
	regCfg.AuthDir = cfg.Store.AuthDir
	regCfg.InitTimeout = cfg.Timeouts.Init
	regCfg.DestroyTimeout = cfg.Timeouts.Destroy
	regCfg.HistoryLimit = cfg.Timeouts.HistoryLimit
	registry := service.NewRegistry(regCfg, driver.NewFactory(driverCfg), fetcher, sender, store, correlator, hub, repos.Notifier)

	// Transport layer
	obsCfg := server.DefaultObserverConfig()
	obsCfg.CommandRate = cfg.Server.CommandRate
	observers := server.NewObserverServer(obsCfg, hub, registry)

	apiServer := api.NewServer(api.Config{
		Addr:      fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		StaticDir: cfg.Server.StaticDir,
	}, registry, repos.Translator, observers)

	errCh := make(chan error, 1)
	go func() { errCh <- apiServer.Start() }()
	log.Info().Str("version", version).Int("port", cfg.Server.Port).Msg("Bridge started")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err = <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("API server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	registry.Shutdown(shutdownCtx)
	if err := store.Flush(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush message store")
	}
	return err
}
