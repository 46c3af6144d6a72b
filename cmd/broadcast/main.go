// broadcast 执行一次广播后退出，供外部 cron 或手动补发使用
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/database"
	"github.com/qs3c/line_persona_bot/internal/pkg/line"
	"github.com/qs3c/line_persona_bot/internal/pkg/logger"
	"github.com/qs3c/line_persona_bot/internal/pkg/metrics"
	"github.com/qs3c/line_persona_bot/internal/repository"
	"github.com/qs3c/line_persona_bot/internal/service"
)

func main() {
	configPath := flag.StringP("config", "c", "config/config.yaml", "config file path")
	occasion := flag.StringP("occasion", "o", "", "morning | night | random")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall deadline")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Pretty)

	if *occasion == "" {
		log.Fatal().Strs("occasions", service.Occasions).Msg("--occasion is required")
	}

	store, err := database.NewStore(cfg, metrics.ObserveFallback)
	if err != nil {
		log.Fatal().Err(err).Msg("open store failed")
	}
	defer store.Close()

	lineClient, err := line.NewClient(cfg.Line.ChannelToken, "")
	if err != nil {
		log.Fatal().Err(err).Msg("create line client failed")
	}

	broadcastService := service.NewBroadcastService(
		repository.NewUserRepository(store),
		service.NewTemplateService(repository.NewDedupRepository(store, cfg.Store.DerivedTTL)),
		lineClient,
		cfg,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := broadcastService.BroadcastOnce(ctx, *occasion)
	if err != nil {
		log.Error().Err(err).Str("occasion", *occasion).Msg("broadcast failed")
		store.Close()
		os.Exit(1)
	}
	fmt.Printf("occasion=%s sent=%d skipped=%d failed=%d\n", result.Occasion, result.Sent, result.Skipped, result.Failed)
}
