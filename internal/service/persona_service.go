package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/llm"
	"github.com/qs3c/line_persona_bot/internal/pkg/metrics"
	"github.com/qs3c/line_persona_bot/internal/repository"
)

// PersonaService 包装补全后端：熔断、超时、人设提示词和有限的历史窗口
// 任何失败都以 ok=false 返回，由调用方回退到模板
type PersonaService struct {
	completer   llm.Completer
	breaker     *llm.Breaker
	historyRepo *repository.HistoryRepository
	personaName string
	timeout     time.Duration
	now         func() time.Time
}

// NewPersonaService completer 为 nil 时总是回退到模板
func NewPersonaService(completer llm.Completer, breaker *llm.Breaker, historyRepo *repository.HistoryRepository, cfg *config.Config) *PersonaService {
	timeout := cfg.LLM.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &PersonaService{
		completer:   completer,
		breaker:     breaker,
		historyRepo: historyRepo,
		personaName: cfg.LLM.PersonaName,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Generate 返回生成的回复；ok=false 表示应使用模板
func (s *PersonaService) Generate(ctx context.Context, u *model.User, text string) (reply string, ok bool) {
	if s.completer == nil {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("user_id", u.ID).Msg("persona generate panicked")
			reply, ok = "", false
		}
	}()

	if open, until := s.breaker.Open(ctx); open {
		metrics.LLMRequests.WithLabelValues("blackout").Inc()
		log.Debug().Time("until", until).Msg("llm in blackout, using templates")
		return "", false
	}

	req := llm.Request{
		System: s.systemPrompt(u),
		Input:  text,
	}
	// 未同意的用户不读取任何历史
	if u.Consent {
		turns, err := s.historyRepo.Recent(ctx, u.ID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", u.ID).Msg("load history failed")
		}
		for _, t := range turns {
			req.History = append(req.History, llm.Message{Role: llm.Role(t.Role), Content: t.Content})
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.completer.Complete(callCtx, req)
	if err != nil {
		if errors.Is(err, llm.ErrRateLimited) {
			metrics.LLMRequests.WithLabelValues("rate_limited").Inc()
			until, tripErr := s.breaker.Trip(ctx)
			if tripErr != nil {
				log.Error().Err(tripErr).Msg("persist breaker state failed")
			}
			log.Warn().Err(err).Time("blackout_until", until).Msg("llm rate limited")
			return "", false
		}
		metrics.LLMRequests.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("user_id", u.ID).Msg("llm request failed")
		return "", false
	}

	out = strings.TrimSpace(out)
	if out == "" {
		metrics.LLMRequests.WithLabelValues("error").Inc()
		return "", false
	}
	metrics.LLMRequests.WithLabelValues("ok").Inc()

	if err := s.breaker.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("reset breaker failed")
	}
	if u.Consent {
		now := s.now()
		err := s.historyRepo.Append(ctx, u.ID,
			model.Turn{Role: string(llm.RoleUser), Content: text, At: now},
			model.Turn{Role: string(llm.RoleAssistant), Content: out, At: now},
		)
		if err != nil {
			log.Warn().Err(err).Str("user_id", u.ID).Msg("append history failed")
		}
	}
	return out, true
}

func (s *PersonaService) systemPrompt(u *model.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "あなたは「%s」。LINEで話すやさしい女の子のキャラクターです。", s.personaName)
	b.WriteString("返事は日本語で2〜3文、絵文字は1つまで。医療・法律・お金の具体的な助言はしない。露骨な性的話題には応じない。")
	fmt.Fprintf(&b, "相手の呼び方: %s。", u.CallName("きみ"))
	if u.LoverMode {
		b.WriteString("口調: 恋人のように甘く、でも節度を保って。")
	} else {
		b.WriteString("口調: 親しい友達のようにフランクに。")
	}
	fmt.Fprintf(&b, "相手のプラン: %s。", u.Plan.OrFree())
	return b.String()
}
