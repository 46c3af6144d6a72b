package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/api"
	"github.com/qs3c/line_persona_bot/internal/api/handler"
	"github.com/qs3c/line_persona_bot/internal/database"
	"github.com/qs3c/line_persona_bot/internal/pkg/cron"
	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
	"github.com/qs3c/line_persona_bot/internal/pkg/line"
	"github.com/qs3c/line_persona_bot/internal/pkg/llm"
	"github.com/qs3c/line_persona_bot/internal/pkg/logger"
	"github.com/qs3c/line_persona_bot/internal/pkg/metrics"
	"github.com/qs3c/line_persona_bot/internal/repository"
	"github.com/qs3c/line_persona_bot/internal/service"
	"github.com/qs3c/line_persona_bot/internal/worker"
)

func main() {
	configPath := flag.StringP("config", "c", "config/config.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty)

	// 初始化存储
	store, err := database.NewStore(cfg, metrics.ObserveFallback)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store failed")
	}
	defer store.Close()
	log.Info().Str("driver", cfg.Store.Driver).Bool("fallback", cfg.Store.Fallback).Msg("store ready")

	// 外部依赖
	lineClient, err := line.NewClient(cfg.Line.ChannelToken, "")
	if err != nil {
		log.Fatal().Err(err).Msg("create line client failed")
	}
	completer := llm.NewOpenAICompleter(llm.OpenAIConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Timeout:     cfg.LLM.Timeout,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	breaker := llm.NewBreaker(store, cfg.LLM.Backoff)

	// 初始化 Repository
	userRepo := repository.NewUserRepository(store)
	dedupRepo := repository.NewDedupRepository(store, cfg.Store.DerivedTTL)
	historyRepo := repository.NewHistoryRepository(store, cfg.Store.DerivedTTL, cfg.LLM.HistoryTurns)
	subRepo := repository.NewSubscriptionRepository(store)

	// 初始化 Service
	quotaService := service.NewQuotaService(store, cfg)
	onboardingService := service.NewOnboardingService(cfg)
	templateService := service.NewTemplateService(dedupRepo)
	personaService := service.NewPersonaService(completer, breaker, historyRepo, cfg)
	billingService := service.NewBillingService(userRepo, subRepo, cfg)
	userService := service.NewUserService(userRepo, dedupRepo, historyRepo, subRepo,
		quotaService, onboardingService, lineClient, cfg)
	chatService := service.NewChatService(userService, userRepo, onboardingService, quotaService,
		templateService, personaService, billingService, cfg)
	broadcastService := service.NewBroadcastService(userRepo, templateService, lineClient, cfg)

	// 消息分发
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher := worker.NewDispatcher(chatService, lineClient, cfg.Dispatch)
	dispatcher.Start(ctx)

	// 进程内定时广播
	var scheduler *cron.Service
	if cfg.Broadcast.Internal {
		var purger cron.Purger
		if sqlStore := unwrapSQLStore(store); sqlStore != nil {
			purger = sqlStore
		}
		scheduler, err = cron.NewService(broadcastService, purger, cfg.Broadcast.Schedules, cfg.Broadcast.Location())
		if err != nil {
			log.Fatal().Err(err).Msg("create scheduler failed")
		}
		scheduler.Start()
	}

	// 初始化 Router
	router := api.NewRouter(
		handler.NewWebhookHandler(cfg.Line.ChannelSecret, dispatcher),
		handler.NewBillingHandler(billingService),
		handler.NewBroadcastHandler(broadcastService),
		handler.NewAdminHandler(userService, billingService),
		handler.NewHealthHandler(store),
		cfg,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	// 先停止接收，再等待队列中的消息处理完
	dispatcher.Stop()
	if scheduler != nil {
		scheduler.Stop()
	}
	log.Info().Msg("server exited")
}

// unwrapSQLStore 只有 SQL 后端需要定期清理过期行
func unwrapSQLStore(store kv.Store) *kv.SQLStore {
	if fb, ok := store.(*kv.FallbackStore); ok {
		store = fb.Primary()
	}
	sqlStore, _ := store.(*kv.SQLStore)
	return sqlStore
}
