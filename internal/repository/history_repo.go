package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
)

// MaxHistoryTurns 历史窗口的硬上限
const MaxHistoryTurns = 12

// HistoryRepository 保存最近几轮对话，供生成回复时作为上下文
type HistoryRepository struct {
	store kv.Store
	ttl   time.Duration
	keep  int
}

func NewHistoryRepository(store kv.Store, ttl time.Duration, keep int) *HistoryRepository {
	if keep <= 0 || keep > MaxHistoryTurns {
		keep = MaxHistoryTurns
	}
	return &HistoryRepository{store: store, ttl: ttl, keep: keep}
}

func historyKey(userID string) string {
	return "history:" + userID
}

// Keep 保留的轮数
func (r *HistoryRepository) Keep() int {
	return r.keep
}

func (r *HistoryRepository) Recent(ctx context.Context, userID string) ([]model.Turn, error) {
	raw, err := r.store.Get(ctx, historyKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turns []model.Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return turns, nil
}

// Append 追加后只保留最后 keep 轮
func (r *HistoryRepository) Append(ctx context.Context, userID string, turns ...model.Turn) error {
	return r.store.Update(ctx, historyKey(userID), r.ttl, func(cur string, exists bool) (string, error) {
		var all []model.Turn
		if exists {
			// 损坏的历史直接丢弃
			_ = json.Unmarshal([]byte(cur), &all)
		}
		all = append(all, turns...)
		if len(all) > r.keep {
			all = all[len(all)-r.keep:]
		}
		data, err := json.Marshal(all)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
}

func (r *HistoryRepository) Delete(ctx context.Context, userID string) error {
	return r.store.Delete(ctx, historyKey(userID))
}
