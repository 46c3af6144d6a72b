package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/logger"
	"github.com/qs3c/line_persona_bot/internal/pkg/metrics"
	"github.com/qs3c/line_persona_bot/internal/repository"
)

// ChatService 每条入站消息的路由：安全过滤 → 引导 → 意图 → 额度 → 模板或生成
type ChatService struct {
	users      *UserService
	userRepo   *repository.UserRepository
	onboarding *OnboardingService
	quota      *QuotaService
	templates  *TemplateService
	persona    *PersonaService
	billing    *BillingService
	cfg        *config.Config
	loc        *time.Location
	now        func() time.Time
	intn       func(n int) int
}

func NewChatService(
	users *UserService,
	userRepo *repository.UserRepository,
	onboarding *OnboardingService,
	quota *QuotaService,
	templates *TemplateService,
	persona *PersonaService,
	billing *BillingService,
	cfg *config.Config,
) *ChatService {
	return &ChatService{
		users:      users,
		userRepo:   userRepo,
		onboarding: onboarding,
		quota:      quota,
		templates:  templates,
		persona:    persona,
		billing:    billing,
		cfg:        cfg,
		loc:        cfg.Quota.Location(),
		now:        time.Now,
		intn:       rand.IntN,
	}
}

// SetClock 测试用
func (s *ChatService) SetClock(now func() time.Time) {
	s.now = now
}

// turn 一次路由的结果
type turn struct {
	replies []model.Message
	intent  string
	// 自助重置后记录已删除，不能再写回
	skipSave bool
}

// Handle 总是返回 1 到 5 条消息；内部错误和 panic 都转成道歉文案
func (s *ChatService) Handle(ctx context.Context, ev model.Event) (replies []model.Message) {
	unlock := s.users.Lock(ev.UserID)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("user_id", ev.UserID).Msg("chat handler panicked")
			replies = []model.Message{model.TextMessage(apologyReply)}
		}
	}()

	replies, err := s.handle(ctx, ev)
	if err != nil {
		log.Error().Err(err).Str("user_id", ev.UserID).Msg("handle message failed")
		return []model.Message{model.TextMessage(apologyReply)}
	}
	if len(replies) == 0 {
		return []model.Message{model.TextMessage(apologyReply)}
	}
	if len(replies) > model.MaxReplies {
		replies = replies[:model.MaxReplies]
	}
	return replies
}

func (s *ChatService) handle(ctx context.Context, ev model.Event) ([]model.Message, error) {
	u, err := s.users.Ensure(ctx, ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	work := u.Clone()
	isText := ev.Kind == model.KindText
	text := strings.TrimSpace(ev.Text)

	t, routeErr := s.safeRoute(ctx, work, text, isText)
	metrics.Messages.WithLabelValues(t.intent).Inc()
	log.Debug().
		Str("user_id", u.ID).
		Str("intent", t.intent).
		Str("text", logger.MaskText(text)).
		Msg("message routed")

	// 轮次与最后活跃时间无论结果如何都要记录
	if !t.skipSave {
		if err := s.save(ctx, u, work); err != nil {
			log.Error().Err(err).Str("user_id", u.ID).Msg("save user failed")
		}
	}
	if routeErr != nil {
		return nil, routeErr
	}
	return t.replies, nil
}

// safeRoute 路由中的 panic 转成错误，保证轮次仍会写回
func (s *ChatService) safeRoute(ctx context.Context, u *model.User, text string, isText bool) (t turn, err error) {
	defer func() {
		if r := recover(); r != nil {
			t = turn{intent: "error"}
			err = fmt.Errorf("route panicked: %v", r)
		}
	}()
	return s.route(ctx, u, text, isText)
}

func (s *ChatService) route(ctx context.Context, u *model.User, text string, isText bool) (turn, error) {
	if isText && IsUnsafe(text) {
		return turn{intent: "safety", replies: texts(safetyRedirect)}, nil
	}

	if res := s.onboarding.Evaluate(u, text, isText); res.Consumed {
		return turn{intent: "onboarding", replies: res.Replies}, nil
	}

	intent := IntentMedia
	if isText {
		intent = Classify(text)
	}
	t := turn{intent: string(intent)}

	if !intent.Metered() {
		replies, err := s.handleFree(ctx, u, intent, text)
		if intent == IntentSelfReset && err == nil {
			t.skipSave = true
		}
		t.replies = replies
		return t, err
	}

	q, err := s.quota.CheckAndConsume(ctx, u.ID, u.Plan)
	if err != nil {
		return t, err
	}
	if !q.Allowed {
		metrics.QuotaRejections.WithLabelValues(string(u.Plan.OrFree())).Inc()
		t.replies = s.limitNotice(u, q)
		return t, nil
	}

	t.replies = s.reply(ctx, u, intent, text)
	if line, ok := s.statusLine(u, q); ok {
		t.replies = append(t.replies, model.TextMessage(line))
	}
	return t, nil
}

// save 合并写回：单调字段只前进，套餐只由计费写入
func (s *ChatService) save(ctx context.Context, before, work *model.User) error {
	now := s.now()
	_, err := s.userRepo.Update(ctx, before.ID, func(cur *model.User) error {
		if work.OnboardingStep > cur.OnboardingStep {
			cur.OnboardingStep = work.OnboardingStep
		}
		cur.Consent = cur.Consent || work.Consent
		cur.ConsentCardShown = cur.ConsentCardShown || work.ConsentCardShown
		if !equalPtr(before.ChosenName, work.ChosenName) {
			cur.ChosenName = work.ChosenName
		}
		if !equalPtr(before.Nickname, work.Nickname) {
			cur.Nickname = work.Nickname
		}
		if !equalPtr(before.Gender, work.Gender) {
			cur.Gender = work.Gender
		}
		if before.LoverMode != work.LoverMode {
			cur.LoverMode = work.LoverMode
		}
		if before.Muted != work.Muted {
			cur.Muted = work.Muted
		}
		cur.TurnsTotal++
		cur.LastSeenAt = now
		return nil
	})
	if errors.Is(err, repository.ErrUserNotFound) {
		// 处理期间被管理端删除
		return nil
	}
	return err
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *ChatService) handleFree(ctx context.Context, u *model.User, intent Intent, text string) ([]model.Message, error) {
	switch intent {
	case IntentConsent:
		return texts("もう同意してくれてるよ、ありがとう☺️"), nil
	case IntentDecline:
		return texts("記録を消したいときは「リセット」って送ってね。いつでも全部削除できるよ🌸"), nil
	case IntentSelfReset:
		if err := s.users.Reset(ctx, u.ID); err != nil {
			return nil, err
		}
		return texts("記録を全部消したよ。また話しかけてくれたら、はじめましてから始めるね🌸"), nil
	case IntentMute:
		u.Muted = true
		return texts("お知らせはお休みにしたよ。再開したいときは「通知オン」って送ってね🔕"), nil
	case IntentUnmute:
		u.Muted = false
		return texts("お知らせを再開したよ！また朝と夜に声かけるね🔔"), nil
	case IntentPlan:
		return s.planStatus(ctx, u)
	case IntentNickname:
		nick := SuggestNickname(u, s.onboarding.LoverName, s.intn)
		u.Nickname = model.StringPtr(nick)
		return texts(fmt.Sprintf("じゃあ…%s って呼んでもいい？これからそう呼ぶね☺️", nick)), nil
	case IntentGender:
		switch {
		case strings.Contains(text, "女"):
			u.Gender = model.StringPtr(model.GenderFemale)
		case strings.Contains(text, "男"):
			u.Gender = model.StringPtr(model.GenderMale)
		default:
			return texts("よかったら「男性」か「女性」で教えてね。言いたくなければそのままで大丈夫だよ"), nil
		}
		return texts("教えてくれてありがとう！覚えておくね📝"), nil
	}
	return nil, fmt.Errorf("unhandled free intent %q", intent)
}

func (s *ChatService) planStatus(ctx context.Context, u *model.User) ([]model.Message, error) {
	q, err := s.quota.Usage(ctx, u.ID, u.Plan)
	if err != nil {
		return nil, err
	}
	plan := u.Plan.OrFree()
	var line string
	if q.Unlimited {
		line = fmt.Sprintf("いまは %s プランで、回数は無制限だよ✨", plan)
	} else {
		line = fmt.Sprintf("いまは %s プランだよ。今日は %d/%d 回お話したから、あと %d 回話せるよ。", plan, q.Used, q.Limit, q.Remaining)
	}
	replies := texts(line)
	if offer, ok := s.upgradeText(u); ok {
		replies = append(replies, model.TextMessage(offer))
	}
	return replies, nil
}

func (s *ChatService) limitNotice(u *model.User, q QuotaResult) []model.Message {
	replies := texts(fmt.Sprintf("今日お話できる回数（%d回）を使い切っちゃった…また明日話そうね🌙", q.Limit))
	if offer, ok := s.upgradeText(u); ok {
		replies = append(replies, model.TextMessage(offer))
	}
	return replies
}

func (s *ChatService) upgradeText(u *model.User) (string, bool) {
	if s.billing == nil || !s.billing.Enabled() {
		return "", false
	}
	offers := s.billing.UpgradeOffers(u.ID, u.Plan)
	if len(offers) == 0 {
		return "", false
	}
	var b strings.Builder
	b.WriteString("もっとお話したいときはプランを変えられるよ👇")
	for _, o := range offers {
		fmt.Fprintf(&b, "\n・%s: %s", o.Label, o.URL)
	}
	return b.String(), true
}

// statusLine 每 N 轮或剩余不多时附带一次状态
func (s *ChatService) statusLine(u *model.User, q QuotaResult) (string, bool) {
	if q.Unlimited {
		return "", false
	}
	every := int64(s.cfg.Quota.StatusEvery)
	nth := every > 0 && (u.TurnsTotal+1)%every == 0
	if !nth && q.Remaining > s.cfg.Quota.LowWatermark {
		return "", false
	}
	return fmt.Sprintf("（今日はあと %d 回お話できるよ）", q.Remaining), true
}

func (s *ChatService) reply(ctx context.Context, u *model.User, intent Intent, text string) []model.Message {
	name := u.CallName("きみ")

	switch intent {
	case IntentMorning:
		return texts(s.pickScripted(ctx, u, TagMorning, morningPool, loverSuffixMorning))
	case IntentNight:
		return texts(s.pickScripted(ctx, u, TagNight, nightPool, loverSuffixNight))
	case IntentDistress:
		if u.GenderTag() == model.GenderFemale {
			return texts(comfortFemale)
		}
		return texts(comfortDefault)
	case IntentMusic:
		return texts(s.templates.Pick(ctx, u.ID, TagMusic, musicPool))
	case IntentSticker:
		return []model.Message{model.StickerMessage(stickerPackageID, s.templates.Pick(ctx, u.ID, TagSticker, stickerPool))}
	case IntentMedia:
		pool := mediaPool
		if u.LoverMode {
			pool = mediaLoverPool
		}
		return texts(s.templates.Pick(ctx, u.ID, TagMedia, pool))
	}

	if out, ok := s.persona.Generate(ctx, u, text); ok {
		return texts(out)
	}

	tag, pool := TagFallbackPM, fallbackPMPool
	if s.now().In(s.loc).Hour() < 12 {
		tag, pool = TagFallbackAM, fallbackAMPool
	}
	out := Render(s.templates.Pick(ctx, u.ID, tag, pool), name)
	if u.LoverMode {
		out += loverSuffixChat
	}
	return texts(out)
}

func (s *ChatService) pickScripted(ctx context.Context, u *model.User, tag string, pool []string, loverSuffix string) string {
	out := Render(s.templates.Pick(ctx, u.ID, tag, pool), u.CallName("きみ"))
	if u.LoverMode {
		out += loverSuffix
	}
	return out
}

func texts(lines ...string) []model.Message {
	msgs := make([]model.Message, 0, len(lines))
	for _, l := range lines {
		msgs = append(msgs, model.TextMessage(l))
	}
	return msgs
}
