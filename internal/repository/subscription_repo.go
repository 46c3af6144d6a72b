package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

func subscriptionCustomerKey(customerID string) string {
	return "sub:customer:" + customerID
}

func subscriptionUserKey(userID string) string {
	return "sub:user:" + userID
}

// SubscriptionRepository 维护支付方客户 ID 与用户 ID 的双向映射
type SubscriptionRepository struct {
	store kv.Store
}

func NewSubscriptionRepository(store kv.Store) *SubscriptionRepository {
	return &SubscriptionRepository{store: store}
}

func (r *SubscriptionRepository) Save(ctx context.Context, sub *model.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if sub.CustomerID != "" {
		if err := r.store.Set(ctx, subscriptionCustomerKey(sub.CustomerID), string(data), 0); err != nil {
			return err
		}
	}
	return r.store.Set(ctx, subscriptionUserKey(sub.UserID), string(data), 0)
}

func (r *SubscriptionRepository) get(ctx context.Context, key string) (*model.Subscription, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sub model.Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &sub, nil
}

func (r *SubscriptionRepository) GetByCustomer(ctx context.Context, customerID string) (*model.Subscription, error) {
	return r.get(ctx, subscriptionCustomerKey(customerID))
}

func (r *SubscriptionRepository) GetByUser(ctx context.Context, userID string) (*model.Subscription, error) {
	return r.get(ctx, subscriptionUserKey(userID))
}
