package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/model/dto"
	"github.com/qs3c/line_persona_bot/internal/pkg/line"
	"github.com/qs3c/line_persona_bot/internal/pkg/metrics"
	"github.com/qs3c/line_persona_bot/internal/repository"
)

var ErrUnknownOccasion = errors.New("unknown broadcast occasion")

// 广播场景
const (
	OccasionMorning = "morning"
	OccasionNight   = "night"
	OccasionRandom  = "random"
)

// Occasions 全部可调度的场景
var Occasions = []string{OccasionMorning, OccasionNight, OccasionRandom}

type broadcastPools struct {
	tag    string
	normal []string
	lover  []string
}

var occasionPools = map[string]broadcastPools{
	OccasionMorning: {TagBroadcastAM, broadcastMorningPool, broadcastMorningLoverPool},
	OccasionNight:   {TagBroadcastPM, broadcastNightPool, broadcastNightLoverPool},
	OccasionRandom:  {TagBroadcastRnd, broadcastRandomPool, broadcastRandomLoverPool},
}

// BroadcastService 遍历广播索引，向已同意且未静音的用户推送一条模板消息
type BroadcastService struct {
	userRepo   *repository.UserRepository
	templates  *TemplateService
	lineClient line.Client
	cfg        config.BroadcastConfig
	loc        *time.Location
	limiter    *rate.Limiter
	now        func() time.Time
	float      func() float64
}

func NewBroadcastService(
	userRepo *repository.UserRepository,
	templates *TemplateService,
	lineClient line.Client,
	cfg *config.Config,
) *BroadcastService {
	limit := rate.Inf
	if cfg.Broadcast.PushRPS > 0 {
		limit = rate.Limit(cfg.Broadcast.PushRPS)
	}
	return &BroadcastService{
		userRepo:   userRepo,
		templates:  templates,
		lineClient: lineClient,
		cfg:        cfg.Broadcast,
		loc:        cfg.Broadcast.Location(),
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
		float:      rand.Float64,
	}
}

// SetClock 测试用
func (s *BroadcastService) SetClock(now func() time.Time) {
	s.now = now
}

// SetRand 测试用，决定随机广播的抽样
func (s *BroadcastService) SetRand(float func() float64) {
	s.float = float
}

// inWindow [start, end) 小时区间，支持跨零点；start == end 表示空区间
func inWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// BroadcastOnce 执行一次广播；单个用户推送失败不会中断整体
func (s *BroadcastService) BroadcastOnce(ctx context.Context, occasion string) (dto.BroadcastResult, error) {
	result := dto.BroadcastResult{Occasion: occasion}
	pools, ok := occasionPools[occasion]
	if !ok {
		return result, ErrUnknownOccasion
	}

	hour := s.now().In(s.loc).Hour()
	if inWindow(hour, s.cfg.QuietStart, s.cfg.QuietEnd) {
		log.Info().Str("occasion", occasion).Int("hour", hour).Msg("quiet hours, broadcast skipped")
		return result, nil
	}
	if occasion == OccasionRandom && !inWindow(hour, s.cfg.RandomStart, s.cfg.RandomEnd) {
		log.Debug().Int("hour", hour).Msg("outside random window, broadcast skipped")
		return result, nil
	}

	ids, err := s.userRepo.ListIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("list users: %w", err)
	}

	for _, id := range ids {
		u, err := s.userRepo.GetByID(ctx, id)
		if err != nil {
			if !errors.Is(err, repository.ErrUserNotFound) {
				log.Warn().Err(err).Str("user_id", id).Msg("load broadcast target failed")
			}
			result.Skipped++
			continue
		}
		if !u.Consent || u.Muted {
			result.Skipped++
			continue
		}
		if occasion == OccasionRandom && s.float() >= s.cfg.RandomRatio {
			result.Skipped++
			continue
		}

		pool := pools.normal
		if u.LoverMode {
			pool = pools.lover
		}
		// 广播不做个性化，也不写入用户的去重记忆
		text := s.templates.Pick(ctx, "", pools.tag, pool)

		if err := s.limiter.Wait(ctx); err != nil {
			return result, err
		}
		if err := s.lineClient.Push(ctx, u.ID, []model.Message{model.TextMessage(text)}); err != nil {
			log.Warn().Err(err).Str("user_id", u.ID).Str("occasion", occasion).Msg("broadcast push failed")
			metrics.BroadcastPushes.WithLabelValues(occasion, "failed").Inc()
			result.Failed++
			continue
		}
		metrics.BroadcastPushes.WithLabelValues(occasion, "sent").Inc()
		result.Sent++
	}

	log.Info().
		Str("occasion", occasion).
		Int("sent", result.Sent).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("broadcast finished")
	return result, nil
}
