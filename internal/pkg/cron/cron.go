package cron

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/line_persona_bot/internal/model/dto"
)

// Broadcaster 执行一次指定场景的广播
type Broadcaster interface {
	BroadcastOnce(ctx context.Context, occasion string) (dto.BroadcastResult, error)
}

// Purger 清理过期数据，仅 SQL 存储需要
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

const (
	broadcastTimeout = 10 * time.Minute
	purgeSpec        = "@hourly"
)

type Service struct {
	cron        *cron.Cron
	broadcaster Broadcaster
	purger      Purger
}

// NewService 按 occasion -> cron 表达式注册广播任务，表达式按 loc 解释
func NewService(broadcaster Broadcaster, purger Purger, schedules map[string]string, loc *time.Location) (*Service, error) {
	s := &Service{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		broadcaster: broadcaster,
		purger:      purger,
	}

	occasions := make([]string, 0, len(schedules))
	for occasion := range schedules {
		occasions = append(occasions, occasion)
	}
	sort.Strings(occasions)

	for _, occasion := range occasions {
		spec := schedules[occasion]
		if spec == "" {
			continue
		}
		occasion := occasion
		if _, err := s.cron.AddFunc(spec, func() { s.runBroadcast(occasion) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", occasion, err)
		}
	}

	if purger != nil {
		if _, err := s.cron.AddFunc(purgeSpec, s.runPurge); err != nil {
			return nil, fmt.Errorf("schedule purge: %w", err)
		}
	}
	return s, nil
}

// Start 启动定时任务
func (s *Service) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("cron service started")
}

// Stop 停止调度并等待运行中的任务结束
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("cron service stopped")
}

// Entries 已注册的任务数
func (s *Service) Entries() int {
	return len(s.cron.Entries())
}

func (s *Service) runBroadcast(occasion string) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()

	if _, err := s.broadcaster.BroadcastOnce(ctx, occasion); err != nil {
		log.Error().Err(err).Str("occasion", occasion).Msg("scheduled broadcast failed")
	}
}

func (s *Service) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("purge expired entries failed")
		return
	}
	if n > 0 {
		log.Info().Int64("removed", n).Msg("expired entries purged")
	}
}
