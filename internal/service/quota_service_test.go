package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/testutil"
)

func setupQuotaService(t *testing.T) (*QuotaService, *time.Time) {
	t.Helper()

	store, _ := testutil.SetupTestStore(t)
	svc := NewQuotaService(store, testConfig())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })
	return svc, &now
}

func TestQuotaService_LimitFor(t *testing.T) {
	svc, _ := setupQuotaService(t)

	assert.Equal(t, 3, svc.LimitFor(model.PlanFree))
	assert.Equal(t, 300, svc.LimitFor(model.PlanTier1))
	assert.Equal(t, 0, svc.LimitFor(model.PlanTier3))
	// 未知套餐按免费处理
	assert.Equal(t, 3, svc.LimitFor(model.Plan("gold")))
}

func TestQuotaService_ConsumeUntilLimit(t *testing.T) {
	svc, _ := setupQuotaService(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		r, err := svc.CheckAndConsume(ctx, "U1", model.PlanFree)
		require.NoError(t, err)
		assert.True(t, r.Allowed)
		assert.Equal(t, i, r.Used)
		assert.Equal(t, 3-i, r.Remaining)
	}

	// 到达上限后重复检查不改变计数
	for i := 0; i < 3; i++ {
		r, err := svc.CheckAndConsume(ctx, "U1", model.PlanFree)
		require.NoError(t, err)
		assert.False(t, r.Allowed)
		assert.Equal(t, 3, r.Used)
		assert.Zero(t, r.Remaining)
	}

	usage, err := svc.Usage(ctx, "U1", model.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 3, usage.Used)
	assert.False(t, usage.Allowed)
}

func TestQuotaService_UpgradeTakesEffectImmediately(t *testing.T) {
	svc, _ := setupQuotaService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CheckAndConsume(ctx, "U1", model.PlanFree)
		require.NoError(t, err)
	}
	r, err := svc.CheckAndConsume(ctx, "U1", model.PlanFree)
	require.NoError(t, err)
	require.False(t, r.Allowed)

	r, err = svc.CheckAndConsume(ctx, "U1", model.PlanTier1)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 4, r.Used)
	assert.Equal(t, 296, r.Remaining)
}

func TestQuotaService_Unlimited(t *testing.T) {
	svc, _ := setupQuotaService(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		r, err := svc.CheckAndConsume(ctx, "U1", model.PlanTier3)
		require.NoError(t, err)
		require.True(t, r.Allowed)
		assert.True(t, r.Unlimited)
	}
}

func TestQuotaService_DayBoundaryUsesFixedTimezone(t *testing.T) {
	svc, now := setupQuotaService(t)
	ctx := context.Background()

	// 14:59 UTC 为东京 23:59
	*now = time.Date(2026, 3, 10, 14, 59, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-10", svc.Day())
	for i := 0; i < 3; i++ {
		_, err := svc.CheckAndConsume(ctx, "U1", model.PlanFree)
		require.NoError(t, err)
	}
	r, err := svc.CheckAndConsume(ctx, "U1", model.PlanFree)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	*now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-11", svc.Day())
	r, err = svc.CheckAndConsume(ctx, "U1", model.PlanFree)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 1, r.Used)
}

func TestQuotaService_Reset(t *testing.T) {
	svc, _ := setupQuotaService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CheckAndConsume(ctx, "U1", model.PlanFree)
		require.NoError(t, err)
	}
	require.NoError(t, svc.Reset(ctx, "U1"))

	usage, err := svc.Usage(ctx, "U1", model.PlanFree)
	require.NoError(t, err)
	assert.Zero(t, usage.Used)
	assert.True(t, usage.Allowed)
}

func TestQuotaService_GetQuotaInfo(t *testing.T) {
	svc, _ := setupQuotaService(t)
	ctx := context.Background()

	_, err := svc.CheckAndConsume(ctx, "U1", model.PlanFree)
	require.NoError(t, err)

	info, err := svc.GetQuotaInfo(ctx, &model.User{ID: "U1", Plan: model.PlanFree})
	require.NoError(t, err)
	assert.Equal(t, "free", info.Plan)
	assert.Equal(t, "2026-03-10", info.Day)
	assert.Equal(t, 1, info.Used)
	assert.Equal(t, 2, info.Remaining)
}
