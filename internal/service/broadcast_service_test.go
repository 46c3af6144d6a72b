package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
	"github.com/qs3c/line_persona_bot/internal/repository"
	"github.com/qs3c/line_persona_bot/internal/testutil"
)

func setupBroadcastService(t *testing.T, hourJST int) (*BroadcastService, kv.Store, *testutil.FakeLineClient) {
	t.Helper()

	store, _ := testutil.SetupTestStore(t)
	lineClient := testutil.NewFakeLineClient()
	svc := NewBroadcastService(
		repository.NewUserRepository(store),
		NewTemplateService(repository.NewDedupRepository(store, time.Hour)),
		lineClient,
		testConfig(),
	)
	jst := time.FixedZone("JST", 9*3600)
	svc.SetClock(func() time.Time { return time.Date(2026, 5, 1, hourJST, 30, 0, 0, jst) })
	return svc, store, lineClient
}

func TestInWindow(t *testing.T) {
	assert.True(t, inWindow(0, 0, 7))
	assert.True(t, inWindow(6, 0, 7))
	assert.False(t, inWindow(7, 0, 7))
	assert.True(t, inWindow(23, 22, 6))
	assert.True(t, inWindow(3, 22, 6))
	assert.False(t, inWindow(12, 22, 6))
	assert.False(t, inWindow(5, 5, 5))
}

func TestBroadcastService_SkipsUnconsentedAndMuted(t *testing.T) {
	svc, store, lineClient := setupBroadcastService(t, 7)
	active := testutil.TestUser(t, store, testutil.WithActive())
	lover := testutil.TestUser(t, store, testutil.WithActive(), testutil.WithLoverMode())
	testutil.TestUser(t, store)
	testutil.TestUser(t, store, testutil.WithActive(), testutil.WithMuted())
	// 索引中存在但记录已不存在
	require.NoError(t, store.SAdd(context.Background(), repository.UserIndexKey, "Ugone"))

	res, err := svc.BroadcastOnce(context.Background(), OccasionMorning)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 3, res.Skipped)
	assert.Zero(t, res.Failed)

	require.Len(t, lineClient.Pushes[active.ID], 1)
	assert.Contains(t, broadcastMorningPool, lineClient.Pushes[active.ID][0][0].Text)
	require.Len(t, lineClient.Pushes[lover.ID], 1)
	assert.Contains(t, broadcastMorningLoverPool, lineClient.Pushes[lover.ID][0][0].Text)
}

func TestBroadcastService_QuietHours(t *testing.T) {
	svc, store, lineClient := setupBroadcastService(t, 3)
	testutil.TestUser(t, store, testutil.WithActive())

	res, err := svc.BroadcastOnce(context.Background(), OccasionNight)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Zero(t, lineClient.PushCount())
}

func TestBroadcastService_RandomWindowAndRatio(t *testing.T) {
	svc, store, lineClient := setupBroadcastService(t, 8)
	testutil.TestUser(t, store, testutil.WithActive())
	testutil.TestUser(t, store, testutil.WithActive())

	// 08:30 不在随机窗口内
	res, err := svc.BroadcastOnce(context.Background(), OccasionRandom)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)

	jst := time.FixedZone("JST", 9*3600)
	svc.SetClock(func() time.Time { return time.Date(2026, 5, 1, 15, 0, 0, 0, jst) })
	draws := []float64{0.1, 0.9}
	svc.SetRand(func() float64 {
		v := draws[0]
		draws = draws[1:]
		return v
	})

	res, err = svc.BroadcastOnce(context.Background(), OccasionRandom)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, lineClient.PushCount())
}

func TestBroadcastService_PushFailureCounted(t *testing.T) {
	svc, store, lineClient := setupBroadcastService(t, 22)
	testutil.TestUser(t, store, testutil.WithActive())
	lineClient.PushErr = errors.New("push rejected")

	res, err := svc.BroadcastOnce(context.Background(), OccasionNight)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 1, res.Failed)
}

func TestBroadcastService_UnknownOccasion(t *testing.T) {
	svc, _, _ := setupBroadcastService(t, 12)

	_, err := svc.BroadcastOnce(context.Background(), "lunch")
	assert.ErrorIs(t, err, ErrUnknownOccasion)
}
