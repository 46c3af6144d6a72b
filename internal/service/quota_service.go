package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/model/dto"
	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
)

// quotaKeyTTL 覆盖日界两侧，过期后自然清理
const quotaKeyTTL = 48 * time.Hour

// QuotaResult 一次额度检查的结果
type QuotaResult struct {
	Allowed   bool
	Used      int
	Limit     int
	Remaining int
	Unlimited bool
}

// QuotaService 每用户每日计数，日界按固定时区计算，不按用户时区
type QuotaService struct {
	store  kv.Store
	limits map[model.Plan]int
	loc    *time.Location
	now    func() time.Time
}

func NewQuotaService(store kv.Store, cfg *config.Config) *QuotaService {
	limits := make(map[model.Plan]int, len(cfg.Quota.Limits))
	for name, n := range cfg.Quota.Limits {
		if p, ok := model.ParsePlan(name); ok {
			limits[p] = n
		}
	}
	return &QuotaService{
		store:  store,
		limits: limits,
		loc:    cfg.Quota.Location(),
		now:    time.Now,
	}
}

// SetClock 测试用
func (s *QuotaService) SetClock(now func() time.Time) {
	s.now = now
}

// LimitFor 返回套餐的每日上限，<=0 表示不限
func (s *QuotaService) LimitFor(plan model.Plan) int {
	if n, ok := s.limits[plan.OrFree()]; ok {
		return n
	}
	return s.limits[model.PlanFree]
}

// Day 当前配额日
func (s *QuotaService) Day() string {
	return s.now().In(s.loc).Format("2006-01-02")
}

func quotaKey(userID, day string) string {
	return fmt.Sprintf("quota:%s:%s", userID, day)
}

// CheckAndConsume 额度未满时原子地加一；已满时不修改任何状态
func (s *QuotaService) CheckAndConsume(ctx context.Context, userID string, plan model.Plan) (QuotaResult, error) {
	limit := s.LimitFor(plan)
	used, ok, err := s.store.IncrBelow(ctx, quotaKey(userID, s.Day()), int64(limit), quotaKeyTTL)
	if err != nil {
		return QuotaResult{}, fmt.Errorf("consume quota: %w", err)
	}
	return s.result(int(used), limit, ok), nil
}

// Usage 只读查询，不消耗额度
func (s *QuotaService) Usage(ctx context.Context, userID string, plan model.Plan) (QuotaResult, error) {
	limit := s.LimitFor(plan)
	used := 0
	raw, err := s.store.Get(ctx, quotaKey(userID, s.Day()))
	switch {
	case err == nil:
		used, _ = strconv.Atoi(raw)
	case !errors.Is(err, kv.ErrNotFound):
		return QuotaResult{}, fmt.Errorf("read quota: %w", err)
	}
	allowed := limit <= 0 || used < limit
	return s.result(used, limit, allowed), nil
}

func (s *QuotaService) result(used, limit int, allowed bool) QuotaResult {
	r := QuotaResult{Allowed: allowed, Used: used, Limit: limit}
	if limit <= 0 {
		r.Unlimited = true
		return r
	}
	r.Remaining = limit - used
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	return r
}

// Reset 删除今天和昨天的计数，用于用户重置
func (s *QuotaService) Reset(ctx context.Context, userID string) error {
	now := s.now().In(s.loc)
	return s.store.Delete(ctx,
		quotaKey(userID, now.Format("2006-01-02")),
		quotaKey(userID, now.AddDate(0, 0, -1).Format("2006-01-02")),
	)
}

// GetQuotaInfo 管理端查询
func (s *QuotaService) GetQuotaInfo(ctx context.Context, user *model.User) (*dto.QuotaInfo, error) {
	r, err := s.Usage(ctx, user.ID, user.Plan)
	if err != nil {
		return nil, err
	}
	return &dto.QuotaInfo{
		UserID:    user.ID,
		Plan:      string(user.Plan.OrFree()),
		Day:       s.Day(),
		Used:      r.Used,
		Limit:     r.Limit,
		Remaining: r.Remaining,
		Unlimited: r.Unlimited,
	}, nil
}
