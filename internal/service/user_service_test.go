package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
	"github.com/qs3c/line_persona_bot/internal/repository"
	"github.com/qs3c/line_persona_bot/internal/testutil"
)

type userServiceDeps struct {
	store kv.Store
	line  *testutil.FakeLineClient
	quota *QuotaService
	dedup *repository.DedupRepository
	hist  *repository.HistoryRepository
	subs  *repository.SubscriptionRepository
}

func setupUserService(t *testing.T) (*UserService, *userServiceDeps) {
	t.Helper()

	store, _ := testutil.SetupTestStore(t)
	cfg := testConfig()
	d := &userServiceDeps{
		store: store,
		line:  testutil.NewFakeLineClient(),
		quota: NewQuotaService(store, cfg),
		dedup: repository.NewDedupRepository(store, time.Hour),
		hist:  repository.NewHistoryRepository(store, time.Hour, 4),
		subs:  repository.NewSubscriptionRepository(store),
	}
	svc := NewUserService(repository.NewUserRepository(store), d.dedup, d.hist, d.subs,
		d.quota, NewOnboardingService(cfg), d.line, cfg)
	return svc, d
}

func TestUserService_EnsureCreatesOnFirstContact(t *testing.T) {
	svc, d := setupUserService(t)
	ctx := context.Background()
	d.line.Names["U1"] = "みく"

	u, err := svc.Ensure(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "U1", u.ID)
	assert.Equal(t, "みく", u.DisplayName)
	assert.Equal(t, model.PlanFree, u.Plan)
	assert.Equal(t, model.StepNone, u.OnboardingStep)
	assert.False(t, u.Consent)
	assert.False(t, u.LoverMode)

	// 第二次不再请求资料
	d.line.Names["U1"] = "changed"
	again, err := svc.Ensure(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "みく", again.DisplayName)
}

func TestUserService_EnsureProfileFailureDoesNotBlock(t *testing.T) {
	svc, d := setupUserService(t)
	d.line.NameErr = errors.New("profile unavailable")

	u, err := svc.Ensure(context.Background(), "U1")
	require.NoError(t, err)
	assert.Empty(t, u.DisplayName)
	assert.Equal(t, "あなた", u.CallName("あなた"))
}

func TestUserService_EnsureLoverMode(t *testing.T) {
	svc, d := setupUserService(t)
	ctx := context.Background()
	d.line.Names["U2"] = "Shota"

	u, err := svc.Ensure(ctx, "U2")
	require.NoError(t, err)
	assert.True(t, u.LoverMode)

	owner, err := svc.Ensure(ctx, "Uowner")
	require.NoError(t, err)
	assert.True(t, owner.LoverMode)
}

func TestUserService_ResetRemovesDerivedState(t *testing.T) {
	svc, d := setupUserService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, d.store, testutil.WithActive(), testutil.WithPlan(model.PlanTier1))

	require.NoError(t, d.dedup.Remember(ctx, u.ID, TagMorning, "おはよう"))
	require.NoError(t, d.hist.Append(ctx, u.ID, model.Turn{Role: "user", Content: "hi"}))
	_, err := d.quota.CheckAndConsume(ctx, u.ID, model.PlanFree)
	require.NoError(t, err)

	require.NoError(t, svc.Reset(ctx, u.ID))

	_, err = svc.GetProfile(ctx, u.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)

	last, err := d.dedup.Last(ctx, u.ID, TagMorning)
	require.NoError(t, err)
	assert.Empty(t, last)

	turns, err := d.hist.Recent(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)

	usage, err := d.quota.Usage(ctx, u.ID, model.PlanFree)
	require.NoError(t, err)
	assert.Zero(t, usage.Used)

	ids, err := d.store.SMembers(ctx, repository.UserIndexKey)
	require.NoError(t, err)
	assert.NotContains(t, ids, u.ID)

	// 重新接触时从头开始
	fresh, err := svc.Ensure(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, fresh.Consent)
	assert.Equal(t, model.StepNone, fresh.OnboardingStep)
	assert.Equal(t, model.PlanFree, fresh.Plan)
}

func TestUserService_EnsureRestoresActiveSubscription(t *testing.T) {
	svc, d := setupUserService(t)
	ctx := context.Background()
	require.NoError(t, d.subs.Save(ctx, &model.Subscription{
		UserID: "U9", CustomerID: "cus_9", Plan: model.PlanTier2, Status: model.SubscriptionActive,
	}))

	u, err := svc.Ensure(ctx, "U9")
	require.NoError(t, err)
	assert.Equal(t, model.PlanTier2, u.Plan)
	assert.False(t, u.Consent)
}

func TestUserService_GetProfileAndQuota(t *testing.T) {
	svc, d := setupUserService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, d.store, testutil.WithActive(), testutil.WithTurns(7))

	info, err := svc.GetProfile(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, info.Consent)
	assert.Equal(t, "DONE", info.OnboardingStep)
	assert.Equal(t, int64(7), info.TurnsTotal)

	q, err := svc.GetQuota(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Limit)
	assert.Zero(t, q.Used)

	_, err = svc.GetQuota(ctx, "Umissing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUserService_ResetExclusiveWaitsForUserLock(t *testing.T) {
	svc, d := setupUserService(t)
	ctx := context.Background()
	u := testutil.TestUser(t, d.store, testutil.WithActive())

	unlock := svc.Lock(u.ID)
	done := make(chan error, 1)
	go func() { done <- svc.ResetExclusive(ctx, u.ID) }()

	select {
	case <-done:
		t.Fatal("reset ran while a chat turn held the user lock")
	case <-time.After(50 * time.Millisecond):
	}

	// 对话轮次结束后删除才执行，不会留下孤立的派生数据
	_, err := d.quota.CheckAndConsume(ctx, u.ID, model.PlanFree)
	require.NoError(t, err)
	unlock()

	require.NoError(t, <-done)
	usage, err := d.quota.Usage(ctx, u.ID, model.PlanFree)
	require.NoError(t, err)
	assert.Zero(t, usage.Used)
	_, err = svc.GetProfile(ctx, u.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
}
