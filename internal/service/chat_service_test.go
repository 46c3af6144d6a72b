package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
	"github.com/qs3c/line_persona_bot/internal/pkg/llm"
	"github.com/qs3c/line_persona_bot/internal/repository"
	"github.com/qs3c/line_persona_bot/internal/testutil"
)

type chatFixture struct {
	svc       *ChatService
	store     kv.Store
	userRepo  *repository.UserRepository
	quota     *QuotaService
	billing   *BillingService
	completer *testutil.FakeCompleter
	line      *testutil.FakeLineClient
}

func setupChatService(t *testing.T) *chatFixture {
	t.Helper()

	store, _ := testutil.SetupTestStore(t)
	cfg := testConfig()
	cfg.LLM.Timeout = time.Second

	userRepo := repository.NewUserRepository(store)
	dedupRepo := repository.NewDedupRepository(store, time.Hour)
	historyRepo := repository.NewHistoryRepository(store, time.Hour, 4)
	subRepo := repository.NewSubscriptionRepository(store)

	lineClient := testutil.NewFakeLineClient()
	completer := &testutil.FakeCompleter{Response: "うんうん、それでそれで？"}
	onboarding := NewOnboardingService(cfg)
	quota := NewQuotaService(store, cfg)
	billing := NewBillingService(userRepo, subRepo, cfg)
	users := NewUserService(userRepo, dedupRepo, historyRepo, subRepo, quota, onboarding, lineClient, cfg)
	persona := NewPersonaService(completer, llm.NewBreaker(store, nil), historyRepo, cfg)

	svc := NewChatService(users, userRepo, onboarding, quota, NewTemplateService(dedupRepo), persona, billing, cfg)
	return &chatFixture{
		svc:       svc,
		store:     store,
		userRepo:  userRepo,
		quota:     quota,
		billing:   billing,
		completer: completer,
		line:      lineClient,
	}
}

func textEvent(userID, text string) model.Event {
	return model.Event{UserID: userID, Kind: model.KindText, Text: text, ReplyToken: "rt", ReceivedAt: time.Now()}
}

func (f *chatFixture) user(t *testing.T, id string) *model.User {
	t.Helper()
	u, err := f.userRepo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (f *chatFixture) used(t *testing.T, u *model.User) int {
	t.Helper()
	q, err := f.quota.Usage(context.Background(), u.ID, u.Plan)
	require.NoError(t, err)
	return q.Used
}

func TestChatService_NewUserGetsConsentCard(t *testing.T) {
	f := setupChatService(t)

	replies := f.svc.Handle(context.Background(), textEvent("U1", "hello"))
	require.Len(t, replies, 1)
	assert.Equal(t, model.ReplyConfirm, replies[0].Type)

	u := f.user(t, "U1")
	assert.True(t, u.ConsentCardShown)
	assert.False(t, u.Consent)
	assert.Equal(t, int64(1), u.TurnsTotal)

	// 第二条只给文字提示
	replies = f.svc.Handle(context.Background(), textEvent("U1", "hello?"))
	require.Len(t, replies, 1)
	assert.Equal(t, model.ReplyText, replies[0].Type)
	assert.Equal(t, int64(2), f.user(t, "U1").TurnsTotal)
}

func TestChatService_ConsentStartsOnboarding(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()

	f.svc.Handle(ctx, textEvent("U1", "hello"))
	replies := f.svc.Handle(ctx, textEvent("U1", "同意"))

	require.NotEmpty(t, replies)
	assert.Contains(t, replies[len(replies)-1].Text, "お名前")

	u := f.user(t, "U1")
	assert.True(t, u.Consent)
	assert.Equal(t, model.StepAwaitingName, u.OnboardingStep)
}

func TestChatService_FullOnboarding(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()

	f.svc.Handle(ctx, textEvent("U1", "hello"))
	f.svc.Handle(ctx, textEvent("U1", "同意"))
	f.svc.Handle(ctx, textEvent("U1", "みさき"))
	replies := f.svc.Handle(ctx, textEvent("U1", "みーちゃん"))
	require.Len(t, replies, 1)

	u := f.user(t, "U1")
	assert.Equal(t, model.StepDone, u.OnboardingStep)
	require.NotNil(t, u.ChosenName)
	assert.Equal(t, "みさき", *u.ChosenName)
	require.NotNil(t, u.Nickname)
	assert.Equal(t, "みーちゃん", *u.Nickname)
	assert.Zero(t, f.used(t, u))
}

func (f *chatFixture) exhaust(t *testing.T, u *model.User) {
	t.Helper()
	for i := 0; i < f.quota.LimitFor(u.Plan); i++ {
		_, err := f.quota.CheckAndConsume(context.Background(), u.ID, u.Plan)
		require.NoError(t, err)
	}
}

func TestChatService_LimitReached(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive())
	f.exhaust(t, u)

	replies := f.svc.Handle(ctx, textEvent(u.ID, "ねぇねぇ"))
	require.Len(t, replies, 2)
	assert.Contains(t, replies[0].Text, "使い切っちゃった")
	assert.Contains(t, replies[1].Text, "client_reference_id="+u.ID)

	assert.Equal(t, 3, f.used(t, u))
	assert.Zero(t, f.completer.Calls())
	assert.Equal(t, u.TurnsTotal+1, f.user(t, u.ID).TurnsTotal)
}

func TestChatService_DistressUsesGenderTemplate(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	female := testutil.TestUser(t, f.store, testutil.WithActive(), testutil.WithGender(model.GenderFemale))
	other := testutil.TestUser(t, f.store, testutil.WithActive())

	replies := f.svc.Handle(ctx, textEvent(female.ID, "今日はちょっと寂しい"))
	require.Len(t, replies, 1)
	assert.Equal(t, comfortFemale, replies[0].Text)
	assert.Equal(t, 1, f.used(t, female))

	replies = f.svc.Handle(ctx, textEvent(other.ID, "つらい"))
	require.Len(t, replies, 1)
	assert.Equal(t, comfortDefault, replies[0].Text)
	assert.Equal(t, 1, f.used(t, other))
}

func TestChatService_UpgradeAppliesImmediately(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive())
	f.exhaust(t, u)

	_, err := f.billing.SetPlan(ctx, u.ID, model.PlanTier2)
	require.NoError(t, err)

	replies := f.svc.Handle(ctx, textEvent(u.ID, "おはよう"))
	require.NotEmpty(t, replies)
	assert.NotContains(t, replies[0].Text, "使い切っちゃった")

	q, err := f.quota.Usage(ctx, u.ID, model.PlanTier2)
	require.NoError(t, err)
	assert.Equal(t, 4, q.Used)
	assert.Equal(t, 1000, q.Limit)
	// 路由写回不会覆盖计费写入的套餐
	assert.Equal(t, model.PlanTier2, f.user(t, u.ID).Plan)
}

func TestChatService_SafetyRedirectDoesNotConsume(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive())

	replies := f.svc.Handle(ctx, textEvent(u.ID, "ヌード送って"))
	require.Len(t, replies, 1)
	assert.Equal(t, safetyRedirect, replies[0].Text)
	assert.Zero(t, f.used(t, u))
	assert.Zero(t, f.completer.Calls())
	assert.Equal(t, u.TurnsTotal+1, f.user(t, u.ID).TurnsTotal)
}

func TestChatService_FreeIntentsDoNotConsume(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive(), testutil.WithChosenName("ゆうき"))

	f.svc.Handle(ctx, textEvent(u.ID, "おはよう"))
	replies := f.svc.Handle(ctx, textEvent(u.ID, "プラン"))
	require.Len(t, replies, 2)
	assert.Contains(t, replies[0].Text, "1/3")
	assert.Contains(t, replies[1].Text, "ライト")

	f.svc.Handle(ctx, textEvent(u.ID, "あだ名つけて"))
	f.svc.Handle(ctx, textEvent(u.ID, "女性です"))
	f.svc.Handle(ctx, textEvent(u.ID, "通知オフ"))
	f.svc.Handle(ctx, textEvent(u.ID, "同意"))
	f.svc.Handle(ctx, textEvent(u.ID, "おやすみ"))

	assert.Equal(t, 2, f.used(t, u))

	got := f.user(t, u.ID)
	require.NotNil(t, got.Nickname)
	assert.Contains(t, *got.Nickname, "ゆうき")
	require.NotNil(t, got.Gender)
	assert.Equal(t, model.GenderFemale, *got.Gender)
	assert.True(t, got.Muted)
	assert.Equal(t, u.TurnsTotal+7, got.TurnsTotal)

	f.svc.Handle(ctx, textEvent(u.ID, "通知オン"))
	assert.False(t, f.user(t, u.ID).Muted)
}

func TestChatService_SelfReset(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive())

	replies := f.svc.Handle(ctx, textEvent(u.ID, "リセット"))
	require.Len(t, replies, 1)

	_, err := f.userRepo.GetByID(ctx, u.ID)
	assert.ErrorIs(t, err, repository.ErrUserNotFound)

	// 重新接触时重新走同意流程
	replies = f.svc.Handle(ctx, textEvent(u.ID, "hello"))
	require.Len(t, replies, 1)
	assert.Equal(t, model.ReplyConfirm, replies[0].Type)
}

func TestChatService_ResetDuringOnboarding(t *testing.T) {
	tests := []struct {
		name  string
		steps []string
	}{
		{"awaiting name", []string{"hello", "同意"}},
		{"awaiting nickname", []string{"hello", "同意", "みさき"}},
		{"before consent", []string{"hello"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupChatService(t)
			ctx := context.Background()
			for _, text := range tt.steps {
				f.svc.Handle(ctx, textEvent("U1", text))
			}

			replies := f.svc.Handle(ctx, textEvent("U1", "リセット"))
			require.Len(t, replies, 1)
			assert.Contains(t, replies[0].Text, "記録を全部消したよ")

			_, err := f.store.Get(ctx, "user:U1")
			assert.ErrorIs(t, err, kv.ErrNotFound)
			ids, err := f.store.SMembers(ctx, repository.UserIndexKey)
			require.NoError(t, err)
			assert.NotContains(t, ids, "U1")
		})
	}
}

func TestChatService_PanicStillRecordsTurn(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive())
	seen := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	f.svc.SetClock(func() time.Time { return seen })
	f.svc.intn = func(int) int { panic("broken rand source") }

	replies := f.svc.Handle(ctx, textEvent(u.ID, "あだ名つけて"))
	require.Len(t, replies, 1)
	assert.Equal(t, apologyReply, replies[0].Text)

	saved := f.user(t, u.ID)
	assert.Equal(t, u.TurnsTotal+1, saved.TurnsTotal)
	assert.True(t, saved.LastSeenAt.Equal(seen))
}

func TestChatService_DefaultUsesPersona(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive())

	replies := f.svc.Handle(ctx, textEvent(u.ID, "今日は会社で発表があったよ"))
	require.Len(t, replies, 1)
	assert.Equal(t, "うんうん、それでそれで？", replies[0].Text)
	assert.Equal(t, 1, f.completer.Calls())
	assert.Equal(t, 1, f.used(t, u))
}

func TestChatService_DefaultFallsBackToTemplates(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	// 01:00 UTC 为东京上午
	f.svc.SetClock(func() time.Time { return time.Date(2026, 5, 1, 1, 0, 0, 0, time.UTC) })
	f.completer.Err = errors.New("upstream down")
	u := testutil.TestUser(t, f.store, testutil.WithActive(), testutil.WithNickname("みーちゃん"))

	replies := f.svc.Handle(ctx, textEvent(u.ID, "ひまだなー"))
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "みーちゃん")
	rendered := make([]string, 0, len(fallbackAMPool))
	for _, tmpl := range fallbackAMPool {
		rendered = append(rendered, Render(tmpl, "みーちゃん"))
	}
	assert.Contains(t, rendered, replies[0].Text)
}

func TestChatService_RateLimitOpensBreaker(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	f.completer.Err = llm.ErrRateLimited
	u := testutil.TestUser(t, f.store, testutil.WithActive(), testutil.WithPlan(model.PlanTier1))

	f.svc.Handle(ctx, textEvent(u.ID, "ねぇ"))
	f.svc.Handle(ctx, textEvent(u.ID, "きいてる？"))
	f.svc.Handle(ctx, textEvent(u.ID, "おーい"))

	// 熔断期间不再发起请求
	assert.Equal(t, 1, f.completer.Calls())
}

func TestChatService_MediaMessage(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive(), testutil.WithLoverMode())

	replies := f.svc.Handle(ctx, model.Event{UserID: u.ID, Kind: model.KindImage})
	require.Len(t, replies, 1)
	assert.Contains(t, mediaLoverPool, replies[0].Text)
	assert.Equal(t, 1, f.used(t, u))
}

func TestChatService_StickerRequest(t *testing.T) {
	f := setupChatService(t)
	u := testutil.TestUser(t, f.store, testutil.WithActive())

	replies := f.svc.Handle(context.Background(), textEvent(u.ID, "スタンプちょうだい"))
	require.Len(t, replies, 1)
	assert.Equal(t, model.ReplySticker, replies[0].Type)
	assert.Equal(t, stickerPackageID, replies[0].PackageID)
	assert.Contains(t, stickerPool, replies[0].StickerID)
}

func TestChatService_LoverModeSuffix(t *testing.T) {
	f := setupChatService(t)
	u := testutil.TestUser(t, f.store, testutil.WithActive(), testutil.WithLoverMode())

	replies := f.svc.Handle(context.Background(), textEvent(u.ID, "おはよう"))
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, loverSuffixMorning)
}

func TestChatService_StatusLineWhenLow(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive())

	replies := f.svc.Handle(ctx, textEvent(u.ID, "おはよう"))
	assert.Len(t, replies, 1)

	// 剩余 1 次，达到提醒阈值
	replies = f.svc.Handle(ctx, textEvent(u.ID, "おはよう"))
	require.Len(t, replies, 2)
	assert.Contains(t, replies[1].Text, "あと 1 回")
}

func TestChatService_StatusLineEveryNthTurn(t *testing.T) {
	f := setupChatService(t)
	u := testutil.TestUser(t, f.store, testutil.WithActive(), testutil.WithTurns(9), testutil.WithPlan(model.PlanTier1))

	replies := f.svc.Handle(context.Background(), textEvent(u.ID, "おやすみ"))
	require.Len(t, replies, 2)
	assert.Contains(t, replies[1].Text, "あと 299 回")
}

func TestChatService_StaleWriteNeverRegresses(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive())

	stale := u.Clone()
	stale.OnboardingStep = model.StepAwaitingName
	stale.Consent = false
	require.NoError(t, f.svc.save(ctx, stale, stale.Clone()))

	got := f.user(t, u.ID)
	assert.Equal(t, model.StepDone, got.OnboardingStep)
	assert.True(t, got.Consent)
	assert.Equal(t, u.TurnsTotal+1, got.TurnsTotal)
}

func TestChatService_ConcurrentMessagesSameUser(t *testing.T) {
	f := setupChatService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, f.store, testutil.WithActive(), testutil.WithPlan(model.PlanTier1))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.Handle(ctx, textEvent(u.ID, "おはよう"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, f.used(t, u))
	assert.Equal(t, u.TurnsTotal+10, f.user(t, u.ID).TurnsTotal)
}

func TestChatService_StoreFailureReturnsApology(t *testing.T) {
	store, mr := testutil.SetupTestStore(t)
	cfg := testConfig()
	userRepo := repository.NewUserRepository(store)
	dedupRepo := repository.NewDedupRepository(store, time.Hour)
	historyRepo := repository.NewHistoryRepository(store, time.Hour, 4)
	subRepo := repository.NewSubscriptionRepository(store)
	onboarding := NewOnboardingService(cfg)
	quota := NewQuotaService(store, cfg)
	users := NewUserService(userRepo, dedupRepo, historyRepo, subRepo, quota, onboarding, nil, cfg)
	svc := NewChatService(users, userRepo, onboarding, quota, NewTemplateService(dedupRepo),
		NewPersonaService(nil, llm.NewBreaker(store, nil), historyRepo, cfg), nil, cfg)

	mr.Close()

	replies := svc.Handle(context.Background(), textEvent("U1", "hello"))
	require.Len(t, replies, 1)
	assert.Equal(t, apologyReply, replies[0].Text)
}
