package model

import (
	"time"
)

// OnboardingStep 引导流程所处阶段，只允许向前推进
type OnboardingStep int

const (
	StepNone OnboardingStep = iota
	StepAwaitingName
	StepAwaitingNickname
	StepDone
)

func (s OnboardingStep) String() string {
	switch s {
	case StepNone:
		return "NONE"
	case StepAwaitingName:
		return "AWAITING_NAME"
	case StepAwaitingNickname:
		return "AWAITING_NICKNAME"
	case StepDone:
		return "DONE"
	}
	return "UNKNOWN"
}

const (
	GenderFemale = "female"
	GenderMale   = "male"
)

type User struct {
	ID               string         `json:"id"`
	DisplayName      string         `json:"display_name"`
	ChosenName       *string        `json:"chosen_name,omitempty"`
	Nickname         *string        `json:"nickname,omitempty"`
	Gender           *string        `json:"gender,omitempty"`
	Consent          bool           `json:"consent"`
	ConsentCardShown bool           `json:"consent_card_shown"`
	OnboardingStep   OnboardingStep `json:"onboarding_step"`
	LoverMode        bool           `json:"lover_mode"`
	Muted            bool           `json:"muted"`
	Plan             Plan           `json:"plan"`
	TurnsTotal       int64          `json:"turns_total"`
	LastSeenAt       time.Time      `json:"last_seen_at"`
	CreatedAt        time.Time      `json:"created_at"`
	Version          int64          `json:"version"`
}

// Active 同意且完成引导
func (u *User) Active() bool {
	return u.Consent && u.OnboardingStep == StepDone
}

// CallName 返回称呼：未同意时只允许使用显示名
func (u *User) CallName(fallback string) string {
	if u.Consent {
		if u.Nickname != nil && *u.Nickname != "" {
			return *u.Nickname
		}
		if u.ChosenName != nil && *u.ChosenName != "" {
			return *u.ChosenName
		}
	}
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return fallback
}

// GenderTag 未同意时不读取性别
func (u *User) GenderTag() string {
	if !u.Consent || u.Gender == nil {
		return ""
	}
	return *u.Gender
}

func (u *User) Clone() *User {
	c := *u
	if u.ChosenName != nil {
		v := *u.ChosenName
		c.ChosenName = &v
	}
	if u.Nickname != nil {
		v := *u.Nickname
		c.Nickname = &v
	}
	if u.Gender != nil {
		v := *u.Gender
		c.Gender = &v
	}
	return &c
}

func StringPtr(s string) *string {
	return &s
}
