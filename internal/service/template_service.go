package service

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/line_persona_bot/internal/repository"
)

// maxRedraws 与上次相同时最多重抽次数
const maxRedraws = 3

// TemplateService 从文案池中抽取，尽量避免对同一用户连续重复
type TemplateService struct {
	dedupRepo *repository.DedupRepository
	intn      func(n int) int
}

func NewTemplateService(dedupRepo *repository.DedupRepository) *TemplateService {
	return &TemplateService{dedupRepo: dedupRepo, intn: rand.IntN}
}

// SetRand 测试用
func (s *TemplateService) SetRand(intn func(n int) int) {
	s.intn = intn
}

// Pick 从 pool 中抽一条；userID 为空时不做去重（广播等无个性化场景）
func (s *TemplateService) Pick(ctx context.Context, userID, tag string, pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	if len(pool) == 1 {
		s.remember(ctx, userID, tag, pool[0])
		return pool[0]
	}

	last := ""
	if userID != "" {
		var err error
		last, err = s.dedupRepo.Last(ctx, userID, tag)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("tag", tag).Msg("load last pick failed")
		}
	}

	choice := pool[s.intn(len(pool))]
	for i := 0; i < maxRedraws && choice == last; i++ {
		choice = pool[s.intn(len(pool))]
	}

	s.remember(ctx, userID, tag, choice)
	return choice
}

func (s *TemplateService) remember(ctx context.Context, userID, tag, value string) {
	if userID == "" {
		return
	}
	if err := s.dedupRepo.Remember(ctx, userID, tag, value); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("tag", tag).Msg("save last pick failed")
	}
}

// Render 替换 {name} 占位符
func Render(tmpl, name string) string {
	return strings.ReplaceAll(tmpl, "{name}", name)
}
