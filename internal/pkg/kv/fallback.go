package kv

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// FallbackStore 主存储不可用时降级到进程内存储，保证对话不断
// 降级期间写入的数据只存在于当前进程
type FallbackStore struct {
	primary   Store
	mem       *MemoryStore
	onDegrade func(op string, err error)
}

// NewFallbackStore onDegrade 可为 nil，每次降级调用一次
func NewFallbackStore(primary Store, onDegrade func(op string, err error)) *FallbackStore {
	return &FallbackStore{primary: primary, mem: NewMemoryStore(), onDegrade: onDegrade}
}

// Primary 返回被包装的主存储
func (s *FallbackStore) Primary() Store {
	return s.primary
}

// degraded 判断错误是否来自主存储自身故障
func degraded(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) &&
		!errors.Is(err, context.Canceled)
}

func (s *FallbackStore) degrade(op string, err error) {
	log.Warn().Err(err).Str("op", op).Msg("primary store failed, using memory")
	if s.onDegrade != nil {
		s.onDegrade(op, err)
	}
}

func (s *FallbackStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.primary.Get(ctx, key)
	if !degraded(err) {
		return v, err
	}
	s.degrade("get", err)
	return s.mem.Get(ctx, key)
}

func (s *FallbackStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.primary.Set(ctx, key, value, ttl)
	if !degraded(err) {
		return err
	}
	s.degrade("set", err)
	return s.mem.Set(ctx, key, value, ttl)
}

func (s *FallbackStore) Delete(ctx context.Context, keys ...string) error {
	// 内存副本总是一起清掉，避免恢复后读到降级期间的旧值
	_ = s.mem.Delete(ctx, keys...)
	err := s.primary.Delete(ctx, keys...)
	if !degraded(err) {
		return err
	}
	s.degrade("delete", err)
	return nil
}

func (s *FallbackStore) IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	n, ok, err := s.primary.IncrBelow(ctx, key, limit, ttl)
	if !degraded(err) {
		return n, ok, err
	}
	s.degrade("incr", err)
	return s.mem.IncrBelow(ctx, key, limit, ttl)
}

func (s *FallbackStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	var fnErr error
	err := s.primary.Update(ctx, key, ttl, func(cur string, exists bool) (string, error) {
		next, err := fn(cur, exists)
		fnErr = err
		return next, err
	})
	if err == nil || (fnErr != nil && errors.Is(err, fnErr)) || !degraded(err) {
		return err
	}
	s.degrade("update", err)
	return s.mem.Update(ctx, key, ttl, fn)
}

func (s *FallbackStore) SAdd(ctx context.Context, set, member string) error {
	err := s.primary.SAdd(ctx, set, member)
	if !degraded(err) {
		return err
	}
	s.degrade("sadd", err)
	return s.mem.SAdd(ctx, set, member)
}

func (s *FallbackStore) SRem(ctx context.Context, set, member string) error {
	_ = s.mem.SRem(ctx, set, member)
	err := s.primary.SRem(ctx, set, member)
	if !degraded(err) {
		return err
	}
	s.degrade("srem", err)
	return nil
}

func (s *FallbackStore) SMembers(ctx context.Context, set string) ([]string, error) {
	members, err := s.primary.SMembers(ctx, set)
	if !degraded(err) {
		return members, err
	}
	s.degrade("smembers", err)
	return s.mem.SMembers(ctx, set)
}

func (s *FallbackStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

func (s *FallbackStore) Close() error {
	return s.primary.Close()
}
