package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
)

// BreakerKey 熔断状态在存储中的键，所有实例共享
const BreakerKey = "llm:breaker"

// BreakerState 持久化的熔断状态
type BreakerState struct {
	BlackoutUntil time.Time `json:"blackout_until"`
	Attempts      int       `json:"attempts"`
}

// Breaker 限流后按退避序列进入冷却期，冷却期内不发起任何请求
type Breaker struct {
	store    kv.Store
	schedule []time.Duration
	now      func() time.Time
}

func NewBreaker(store kv.Store, schedule []time.Duration) *Breaker {
	if len(schedule) == 0 {
		schedule = []time.Duration{20 * time.Second, 80 * time.Second, 30 * time.Minute}
	}
	return &Breaker{store: store, schedule: schedule, now: time.Now}
}

// SetClock 测试用
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Breaker) State(ctx context.Context) (BreakerState, error) {
	var st BreakerState
	raw, err := b.store.Get(ctx, BreakerKey)
	if errors.Is(err, kv.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return BreakerState{}, fmt.Errorf("decode breaker state: %w", err)
	}
	return st, nil
}

// Open 冷却期内返回 true 和截止时间
func (b *Breaker) Open(ctx context.Context) (bool, time.Time) {
	st, err := b.State(ctx)
	if err != nil {
		// 读不到状态时放行，由单次调用的超时兜底
		return false, time.Time{}
	}
	if b.now().Before(st.BlackoutUntil) {
		return true, st.BlackoutUntil
	}
	return false, time.Time{}
}

// Trip 记录一次限流并推进退避序列，返回新的冷却截止时间
func (b *Breaker) Trip(ctx context.Context) (time.Time, error) {
	var until time.Time
	err := b.store.Update(ctx, BreakerKey, 0, func(cur string, exists bool) (string, error) {
		var st BreakerState
		if exists {
			_ = json.Unmarshal([]byte(cur), &st)
		}
		st.Attempts++
		idx := st.Attempts - 1
		if idx >= len(b.schedule) {
			idx = len(b.schedule) - 1
		}
		st.BlackoutUntil = b.now().Add(b.schedule[idx])
		until = st.BlackoutUntil

		data, err := json.Marshal(st)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	return until, err
}

// Reset 成功调用后清空退避计数
func (b *Breaker) Reset(ctx context.Context) error {
	st, err := b.State(ctx)
	if err != nil {
		return err
	}
	if st.Attempts == 0 {
		return nil
	}
	return b.store.Delete(ctx, BreakerKey)
}
