package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/repository"
)

var (
	ErrInvalidPlan       = errors.New("invalid plan")
	ErrBillingDisabled   = errors.New("billing not configured")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrUnknownCheckout   = errors.New("checkout cannot be mapped to a user and plan")
	ErrUnknownSubscriber = errors.New("subscription customer is unknown")
)

// TierOffer 升级引导中展示的一个套餐
type TierOffer struct {
	Plan  model.Plan
	Label string
	URL   string
}

// BillingService 套餐变更只经由这里；支付逻辑完全在支付方
type BillingService struct {
	userRepo      *repository.UserRepository
	subRepo       *repository.SubscriptionRepository
	tiers         map[model.Plan]config.TierLink
	paymentLinks  map[string]model.Plan
	webhookSecret string
	now           func() time.Time
}

func NewBillingService(userRepo *repository.UserRepository, subRepo *repository.SubscriptionRepository, cfg *config.Config) *BillingService {
	tiers := make(map[model.Plan]config.TierLink)
	links := make(map[string]model.Plan)
	for name, link := range cfg.Billing.Tiers {
		p, ok := model.ParsePlan(name)
		if !ok || p == model.PlanFree {
			continue
		}
		tiers[p] = link
		if link.PaymentLinkID != "" {
			links[link.PaymentLinkID] = p
		}
	}
	return &BillingService{
		userRepo:      userRepo,
		subRepo:       subRepo,
		tiers:         tiers,
		paymentLinks:  links,
		webhookSecret: cfg.Billing.StripeWebhookSecret,
		now:           time.Now,
	}
}

// Enabled 至少配置了一个付费链接
func (s *BillingService) Enabled() bool {
	for _, t := range s.tiers {
		if t.URL != "" {
			return true
		}
	}
	return false
}

// SetPlan 立即生效，下一次额度检查就使用新上限
func (s *BillingService) SetPlan(ctx context.Context, userID string, plan model.Plan) (*model.User, error) {
	if _, ok := model.ParsePlan(string(plan)); !ok {
		return nil, ErrInvalidPlan
	}
	u, err := s.userRepo.SetPlan(ctx, userID, plan)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID).Str("plan", string(plan)).Msg("plan updated")
	return u, nil
}

// CheckoutLink 拼出带用户标识的付款链接，不含任何支付逻辑
func (s *BillingService) CheckoutLink(userID string, plan model.Plan) (string, error) {
	tier, ok := s.tiers[plan]
	if !ok || tier.URL == "" {
		return "", ErrBillingDisabled
	}
	u, err := url.Parse(tier.URL)
	if err != nil {
		return "", fmt.Errorf("parse checkout url: %w", err)
	}
	q := u.Query()
	q.Set("client_reference_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// UpgradeOffers 高于当前套餐的可购买选项，按等级排序
func (s *BillingService) UpgradeOffers(userID string, current model.Plan) []TierOffer {
	var offers []TierOffer
	for p, tier := range s.tiers {
		if p.Rank() <= current.OrFree().Rank() || tier.URL == "" {
			continue
		}
		link, err := s.CheckoutLink(userID, p)
		if err != nil {
			continue
		}
		label := tier.Label
		if label == "" {
			label = string(p)
		}
		offers = append(offers, TierOffer{Plan: p, Label: label, URL: link})
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].Plan.Rank() < offers[j].Plan.Rank() })
	return offers
}

// HandleStripeWebhook 校验签名后处理结账完成与订阅取消；其他事件忽略
func (s *BillingService) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.webhookSecret == "" {
		return ErrBillingDisabled
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		log.Warn().Err(err).Msg("stripe signature verification failed")
		return ErrInvalidSignature
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.applyCheckout(ctx, &sess)
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.applyCancellation(ctx, &sub)
	default:
		log.Debug().Str("type", string(event.Type)).Msg("stripe event ignored")
	}
	return nil
}

func (s *BillingService) applyCheckout(ctx context.Context, sess *stripe.CheckoutSession) error {
	userID := sess.ClientReferenceID
	plan, ok := model.Plan(""), false
	if sess.PaymentLink != nil {
		plan, ok = s.paymentLinks[sess.PaymentLink.ID]
	}
	if !ok && sess.Metadata != nil {
		plan, ok = model.ParsePlan(sess.Metadata["plan"])
	}
	if userID == "" || !ok {
		return ErrUnknownCheckout
	}

	// 记录不存在时仍保存订阅，用户再次出现时由 Ensure 恢复套餐
	if _, err := s.SetPlan(ctx, userID, plan); err != nil && !errors.Is(err, ErrUserNotFound) {
		return err
	}

	sub := &model.Subscription{
		UserID:    userID,
		Plan:      plan,
		Status:    model.SubscriptionActive,
		UpdatedAt: s.now(),
	}
	if sess.Customer != nil {
		sub.CustomerID = sess.Customer.ID
	}
	return s.subRepo.Save(ctx, sub)
}

func (s *BillingService) applyCancellation(ctx context.Context, stripeSub *stripe.Subscription) error {
	if stripeSub.Customer == nil || stripeSub.Customer.ID == "" {
		return ErrUnknownSubscriber
	}
	sub, err := s.subRepo.GetByCustomer(ctx, stripeSub.Customer.ID)
	if errors.Is(err, repository.ErrSubscriptionNotFound) {
		return ErrUnknownSubscriber
	}
	if err != nil {
		return err
	}

	sub.Plan = model.PlanFree
	sub.Status = model.SubscriptionCancelled
	sub.UpdatedAt = s.now()
	if err := s.subRepo.Save(ctx, sub); err != nil {
		return err
	}

	// 用户已重置时只更新映射
	if _, err := s.SetPlan(ctx, sub.UserID, model.PlanFree); err != nil && !errors.Is(err, ErrUserNotFound) {
		return err
	}
	return nil
}
