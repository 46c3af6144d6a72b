package model

import (
	"time"
)

// Subscription 支付方客户与机器人用户的对应关系
type Subscription struct {
	UserID     string    `json:"user_id"`
	CustomerID string    `json:"customer_id"`
	Plan       Plan      `json:"plan"`
	Status     string    `json:"status"` // active, cancelled
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
)
