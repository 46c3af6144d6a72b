package dto

import "time"

// QuotaInfo 当日配额使用情况
type QuotaInfo struct {
	UserID    string `json:"user_id"`
	Plan      string `json:"plan"`
	Day       string `json:"day"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
}

// UserInfo 管理端看到的用户概要，不含昵称等个人信息
type UserInfo struct {
	ID             string    `json:"id"`
	Consent        bool      `json:"consent"`
	OnboardingStep string    `json:"onboarding_step"`
	Plan           string    `json:"plan"`
	Muted          bool      `json:"muted"`
	TurnsTotal     int64     `json:"turns_total"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type SetPlanRequest struct {
	Plan string `json:"plan" binding:"required"`
}

// BroadcastResult 一次广播的结果
type BroadcastResult struct {
	Occasion string `json:"occasion"`
	Sent     int    `json:"sent"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}
