package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
)

var ErrUserNotFound = errors.New("user not found")

// UserIndexKey 广播索引，保存所有已知用户 ID
const UserIndexKey = "users:index"

func userKey(id string) string {
	return "user:" + id
}

// UserRepository 用户记录没有过期时间，只能显式删除
type UserRepository struct {
	store kv.Store
}

func NewUserRepository(store kv.Store) *UserRepository {
	return &UserRepository{store: store}
}

func decodeUser(raw string) (*model.User, error) {
	var u model.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	raw, err := r.store.Get(ctx, userKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeUser(raw)
}

// GetOrCreate 不存在时写入 build 生成的新记录；并发首次访问时只有一个会写入成功
func (r *UserRepository) GetOrCreate(ctx context.Context, id string, build func() *model.User) (*model.User, bool, error) {
	if u, err := r.GetByID(ctx, id); err == nil {
		return u, false, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, false, err
	}

	fresh := build()
	fresh.ID = id
	fresh.Version = 1

	var (
		result  *model.User
		created bool
	)
	err := r.store.Update(ctx, userKey(id), 0, func(cur string, exists bool) (string, error) {
		if exists {
			u, err := decodeUser(cur)
			if err != nil {
				return "", err
			}
			result, created = u, false
			return cur, nil
		}
		data, err := json.Marshal(fresh)
		if err != nil {
			return "", err
		}
		result, created = fresh, true
		return string(data), nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		if err := r.store.SAdd(ctx, UserIndexKey, id); err != nil {
			return nil, false, fmt.Errorf("index user: %w", err)
		}
	}
	return result, created, nil
}

// Update 原子读改写：fn 作用在最新记录上，版本号自增
func (r *UserRepository) Update(ctx context.Context, id string, fn func(u *model.User) error) (*model.User, error) {
	var result *model.User
	err := r.store.Update(ctx, userKey(id), 0, func(cur string, exists bool) (string, error) {
		if !exists {
			return "", ErrUserNotFound
		}
		u, err := decodeUser(cur)
		if err != nil {
			return "", err
		}
		if err := fn(u); err != nil {
			return "", err
		}
		u.Version++
		data, err := json.Marshal(u)
		if err != nil {
			return "", err
		}
		result = u
		return string(data), nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetPlan 只由计费回调调用
func (r *UserRepository) SetPlan(ctx context.Context, id string, plan model.Plan) (*model.User, error) {
	return r.Update(ctx, id, func(u *model.User) error {
		u.Plan = plan
		return nil
	})
}

// Delete 删除用户记录并从广播索引中移除
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, userKey(id)); err != nil {
		return err
	}
	return r.store.SRem(ctx, UserIndexKey, id)
}

// ListIDs 广播索引中的全部用户
func (r *UserRepository) ListIDs(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, UserIndexKey)
}
