package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/line_persona_bot/internal/api/middleware"
	"github.com/qs3c/line_persona_bot/internal/model"
	"github.com/qs3c/line_persona_bot/internal/pkg/line"
)

// EventQueue 接收解析好的入站消息，异步处理
type EventQueue interface {
	Enqueue(ev model.Event) error
}

type WebhookHandler struct {
	channelSecret string
	queue         EventQueue
}

func NewWebhookHandler(channelSecret string, queue EventQueue) *WebhookHandler {
	return &WebhookHandler{
		channelSecret: channelSecret,
		queue:         queue,
	}
}

// Callback LINE webhook；验签后立即 200，回复由 dispatcher 发送
// POST /webhook
func (h *WebhookHandler) Callback(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	events, err := line.ParseEvents(h.channelSecret, c.Request)
	if err != nil {
		if errors.Is(err, line.ErrInvalidSignature) {
			lg.Warn().Msg("line webhook signature rejected")
			c.Status(http.StatusBadRequest)
			return
		}
		lg.Warn().Err(err).Msg("line webhook parse failed")
		c.Status(http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		if err := h.queue.Enqueue(ev); err != nil {
			lg.Error().Err(err).Str("user_id", ev.UserID).Msg("drop inbound event")
		}
	}
	c.Status(http.StatusOK)
}
