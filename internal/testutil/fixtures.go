package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
)

var userSeq atomic.Int64

// TestUser 直接写入一条用户记录并加入广播索引
func TestUser(t *testing.T, store kv.Store, opts ...func(*model.User)) *model.User {
	t.Helper()

	now := time.Now()
	user := &model.User{
		ID:          fmt.Sprintf("U%d%04d", now.Unix(), userSeq.Add(1)),
		DisplayName: "テスト",
		Plan:        model.PlanFree,
		LastSeenAt:  now,
		CreatedAt:   now,
		Version:     1,
	}

	for _, opt := range opts {
		opt(user)
	}

	data, err := json.Marshal(user)
	if err != nil {
		t.Fatalf("Failed to encode test user: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "user:"+user.ID, string(data), 0); err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	if err := store.SAdd(ctx, "users:index", user.ID); err != nil {
		t.Fatalf("Failed to index test user: %v", err)
	}

	return user
}

// WithID 设置用户 ID
func WithID(id string) func(*model.User) {
	return func(u *model.User) {
		u.ID = id
	}
}

// WithDisplayName 设置显示名
func WithDisplayName(name string) func(*model.User) {
	return func(u *model.User) {
		u.DisplayName = name
	}
}

// WithActive 已同意并完成引导
func WithActive() func(*model.User) {
	return func(u *model.User) {
		u.Consent = true
		u.ConsentCardShown = true
		u.OnboardingStep = model.StepDone
		if u.TurnsTotal == 0 {
			u.TurnsTotal = 3
		}
	}
}

// WithStep 已同意并停在指定引导阶段
func WithStep(step model.OnboardingStep) func(*model.User) {
	return func(u *model.User) {
		u.Consent = step != model.StepNone
		u.ConsentCardShown = true
		u.OnboardingStep = step
		if u.TurnsTotal == 0 {
			u.TurnsTotal = 1
		}
	}
}

// WithTurns 设置累计轮数
func WithTurns(n int64) func(*model.User) {
	return func(u *model.User) {
		u.TurnsTotal = n
	}
}

// WithPlan 设置套餐
func WithPlan(plan model.Plan) func(*model.User) {
	return func(u *model.User) {
		u.Plan = plan
	}
}

// WithNickname 设置昵称
func WithNickname(nick string) func(*model.User) {
	return func(u *model.User) {
		u.Nickname = &nick
	}
}

// WithChosenName 设置自报姓名
func WithChosenName(name string) func(*model.User) {
	return func(u *model.User) {
		u.ChosenName = &name
	}
}

// WithGender 设置性别
func WithGender(gender string) func(*model.User) {
	return func(u *model.User) {
		u.Gender = &gender
	}
}

// WithLoverMode 恋人语气
func WithLoverMode() func(*model.User) {
	return func(u *model.User) {
		u.LoverMode = true
	}
}

// WithMuted 关闭推送
func WithMuted() func(*model.User) {
	return func(u *model.User) {
		u.Muted = true
	}
}
