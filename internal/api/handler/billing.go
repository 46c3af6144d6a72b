package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/line_persona_bot/internal/api/middleware"
	"github.com/qs3c/line_persona_bot/internal/pkg/response"
	"github.com/qs3c/line_persona_bot/internal/service"
)

// maxStripePayload Stripe 事件体上限
const maxStripePayload = 64 << 10

type BillingHandler struct {
	billingService *service.BillingService
}

func NewBillingHandler(billingService *service.BillingService) *BillingHandler {
	return &BillingHandler{
		billingService: billingService,
	}
}

// StripeWebhook 结账完成升级，订阅取消降级
// POST /billing/stripe/webhook
func (h *BillingHandler) StripeWebhook(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStripePayload))
	if err != nil {
		response.ParamError(c, "read body failed")
		return
	}

	err = h.billingService.HandleStripeWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		response.Success(c, nil)
	case errors.Is(err, service.ErrInvalidSignature):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrBillingDisabled):
		response.UnavailableError(c, "")
	case errors.Is(err, service.ErrUnknownCheckout), errors.Is(err, service.ErrUnknownSubscriber):
		// 无法对应到用户的事件重试也没用，确认收到即可
		lg.Warn().Err(err).Msg("stripe event not applicable")
		c.JSON(http.StatusOK, response.Response{Code: response.CodeSuccess, Message: "ignored"})
	default:
		lg.Error().Err(err).Msg("apply stripe event failed")
		response.ServerError(c, "")
	}
}
