package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/model/dto"
	"github.com/qs3c/line_persona_bot/internal/pkg/keylock"
	"github.com/qs3c/line_persona_bot/internal/pkg/line"
	"github.com/qs3c/line_persona_bot/internal/repository"
)

var ErrUserNotFound = errors.New("user not found")

// profileTimeout 首次接触时获取资料的等待上限
const profileTimeout = 3 * time.Second

type UserService struct {
	userRepo    *repository.UserRepository
	dedupRepo   *repository.DedupRepository
	historyRepo *repository.HistoryRepository
	subRepo     *repository.SubscriptionRepository
	quota       *QuotaService
	onboarding  *OnboardingService
	lineClient  line.Client
	locks       *keylock.KeyLock
	cfg         *config.Config
	now         func() time.Time
}

func NewUserService(
	userRepo *repository.UserRepository,
	dedupRepo *repository.DedupRepository,
	historyRepo *repository.HistoryRepository,
	subRepo *repository.SubscriptionRepository,
	quota *QuotaService,
	onboarding *OnboardingService,
	lineClient line.Client,
	cfg *config.Config,
) *UserService {
	return &UserService{
		userRepo:    userRepo,
		dedupRepo:   dedupRepo,
		historyRepo: historyRepo,
		subRepo:     subRepo,
		quota:       quota,
		onboarding:  onboarding,
		lineClient:  lineClient,
		locks:       keylock.New(),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Ensure 返回用户记录，首次接触时创建
// 资料获取只尝试一次，失败不影响创建
func (s *UserService) Ensure(ctx context.Context, userID string) (*model.User, error) {
	u, _, err := s.userRepo.GetOrCreate(ctx, userID, func() *model.User {
		now := s.now()
		fresh := &model.User{
			DisplayName: s.fetchDisplayName(ctx, userID),
			Plan:        model.PlanFree,
			CreatedAt:   now,
			LastSeenAt:  now,
		}
		fresh.LoverMode = s.onboarding.IsOwner(userID) || s.onboarding.LoverName(fresh.DisplayName)

		// 付费状态以支付方为准，重置后重新创建的记录也能恢复
		if sub, err := s.subRepo.GetByUser(ctx, userID); err == nil && sub.Status == model.SubscriptionActive {
			fresh.Plan = sub.Plan.OrFree()
		}
		return fresh
	})
	return u, err
}

func (s *UserService) fetchDisplayName(ctx context.Context, userID string) string {
	if s.lineClient == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()

	name, err := s.lineClient.DisplayName(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("fetch profile failed")
		return ""
	}
	return name
}

// Lock 串行化同一用户的读改写，返回解锁函数
func (s *UserService) Lock(userID string) func() {
	return s.locks.Lock(userID)
}

// ResetExclusive 持有用户锁执行 Reset，避免进行中的对话在删除后重建派生数据
// 调用方不能已持有该用户的锁
func (s *UserService) ResetExclusive(ctx context.Context, userID string) error {
	unlock := s.Lock(userID)
	defer unlock()
	return s.Reset(ctx, userID)
}

// Reset 删除用户记录与全部派生数据，并移出广播索引
func (s *UserService) Reset(ctx context.Context, userID string) error {
	if err := s.userRepo.Delete(ctx, userID); err != nil {
		return err
	}
	if err := s.dedupRepo.DeleteAll(ctx, userID); err != nil {
		return err
	}
	if err := s.historyRepo.Delete(ctx, userID); err != nil {
		return err
	}
	if err := s.quota.Reset(ctx, userID); err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Msg("user data reset")
	return nil
}

// GetProfile 管理端查询
func (s *UserService) GetProfile(ctx context.Context, userID string) (*dto.UserInfo, error) {
	u, err := s.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &dto.UserInfo{
		ID:             u.ID,
		Consent:        u.Consent,
		OnboardingStep: u.OnboardingStep.String(),
		Plan:           string(u.Plan.OrFree()),
		Muted:          u.Muted,
		TurnsTotal:     u.TurnsTotal,
		LastSeenAt:     u.LastSeenAt,
		CreatedAt:      u.CreatedAt,
	}, nil
}

// GetQuota 管理端查询当日额度
func (s *UserService) GetQuota(ctx context.Context, userID string) (*dto.QuotaInfo, error) {
	u, err := s.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.quota.GetQuotaInfo(ctx, u)
}

func (s *UserService) get(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.userRepo.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}
