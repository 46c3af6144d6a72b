package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/line_persona_bot/internal/api/middleware"
	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/model/dto"
	"github.com/qs3c/line_persona_bot/internal/pkg/response"
	"github.com/qs3c/line_persona_bot/internal/service"
)

type AdminHandler struct {
	userService    *service.UserService
	billingService *service.BillingService
}

func NewAdminHandler(userService *service.UserService, billingService *service.BillingService) *AdminHandler {
	return &AdminHandler{
		userService:    userService,
		billingService: billingService,
	}
}

// GetUser 用户概要
// GET /admin/users/:id
func (h *AdminHandler) GetUser(c *gin.Context) {
	info, err := h.userService.GetProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, info)
}

// GetQuota 当日额度
// GET /admin/users/:id/quota
func (h *AdminHandler) GetQuota(c *gin.Context) {
	info, err := h.userService.GetQuota(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, info)
}

// SetPlan 手动变更套餐
// PUT /admin/users/:id/plan
func (h *AdminHandler) SetPlan(c *gin.Context) {
	var req dto.SetPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}
	plan, ok := model.ParsePlan(req.Plan)
	if !ok {
		response.ParamError(c, service.ErrInvalidPlan.Error())
		return
	}

	u, err := h.billingService.SetPlan(c.Request.Context(), c.Param("id"), plan)
	if err != nil {
		h.fail(c, err)
		return
	}

	subject, _ := middleware.GetAdminSubject(c)
	middleware.LoggerFrom(c).Info().
		Str("admin", subject).
		Str("user_id", u.ID).
		Str("plan", string(plan)).
		Msg("plan set by admin")
	response.Success(c, gin.H{"id": u.ID, "plan": u.Plan})
}

// ResetUser 删除用户记录及全部派生数据
// DELETE /admin/users/:id
func (h *AdminHandler) ResetUser(c *gin.Context) {
	id := c.Param("id")
	if err := h.userService.ResetExclusive(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	subject, _ := middleware.GetAdminSubject(c)
	middleware.LoggerFrom(c).Info().Str("admin", subject).Str("user_id", id).Msg("user reset by admin")
	response.Success(c, nil)
}

func (h *AdminHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrUserNotFound):
		response.NotFoundError(c, err.Error())
	case errors.Is(err, service.ErrInvalidPlan):
		response.ParamError(c, err.Error())
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("admin request failed")
		response.ServerError(c, "")
	}
}
