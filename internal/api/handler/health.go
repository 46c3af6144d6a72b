package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
	"github.com/qs3c/line_persona_bot/internal/pkg/response"
)

type HealthHandler struct {
	store kv.Store
}

func NewHealthHandler(store kv.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

// Check 存储不可达时返回 degraded，进程本身仍可服务
// GET /health
func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	if err := h.store.Ping(ctx); err != nil {
		status = "degraded"
	}
	response.Success(c, gin.H{"status": status})
}
