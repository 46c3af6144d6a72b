package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/line_persona_bot/internal/api/middleware"
	"github.com/qs3c/line_persona_bot/internal/pkg/response"
	"github.com/qs3c/line_persona_bot/internal/service"
)

type BroadcastHandler struct {
	broadcastService *service.BroadcastService
}

func NewBroadcastHandler(broadcastService *service.BroadcastService) *BroadcastHandler {
	return &BroadcastHandler{
		broadcastService: broadcastService,
	}
}

// Trigger 外部调度器触发一次广播
// POST /internal/broadcast/:occasion
func (h *BroadcastHandler) Trigger(c *gin.Context) {
	occasion := c.Param("occasion")

	result, err := h.broadcastService.BroadcastOnce(c.Request.Context(), occasion)
	if err != nil {
		if errors.Is(err, service.ErrUnknownOccasion) {
			response.ParamError(c, err.Error())
			return
		}
		middleware.LoggerFrom(c).Error().Err(err).Str("occasion", occasion).Msg("broadcast failed")
		response.ServerError(c, "")
		return
	}

	response.Success(c, result)
}
