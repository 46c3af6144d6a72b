package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
)

// DedupRepository 记录每个用户在每个模板标签下上一次抽到的文案
// 属于尽力而为的数据，丢失只会导致偶尔重复
type DedupRepository struct {
	store kv.Store
	ttl   time.Duration
}

func NewDedupRepository(store kv.Store, ttl time.Duration) *DedupRepository {
	return &DedupRepository{store: store, ttl: ttl}
}

func lastPickKey(userID, tag string) string {
	return fmt.Sprintf("lastpick:%s:%s", userID, tag)
}

func lastPickTagsKey(userID string) string {
	return fmt.Sprintf("lastpick:%s:tags", userID)
}

// Last 没有记录时返回空串
func (r *DedupRepository) Last(ctx context.Context, userID, tag string) (string, error) {
	v, err := r.store.Get(ctx, lastPickKey(userID, tag))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (r *DedupRepository) Remember(ctx context.Context, userID, tag, value string) error {
	if err := r.store.Set(ctx, lastPickKey(userID, tag), value, r.ttl); err != nil {
		return err
	}
	return r.store.SAdd(ctx, lastPickTagsKey(userID), tag)
}

// DeleteAll 清除该用户所有标签的记录
func (r *DedupRepository) DeleteAll(ctx context.Context, userID string) error {
	tags, err := r.store.SMembers(ctx, lastPickTagsKey(userID))
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(tags)+1)
	for _, tag := range tags {
		keys = append(keys, lastPickKey(userID, tag))
	}
	keys = append(keys, lastPickTagsKey(userID))
	return r.store.Delete(ctx, keys...)
}
