package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ChainHealth 链客户端健康状态
type ChainHealth interface {
	GetHealthStatus(ctx context.Context) map[string]interface{}
}

// WalletPoolInfo 资金钱包池
type WalletPoolInfo interface {
	Size() int
}

type HealthHandler struct {
	chain   ChainHealth
	wallets WalletPoolInfo
}

func NewHealthHandler(chain ChainHealth, wallets WalletPoolInfo) *HealthHandler {
	return &HealthHandler{chain: chain, wallets: wallets}
}

// Health 链不可用时返回 503
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := gin.H{
		"status":  "ok",
		"service": "qr-claim-service",
	}
	code := http.StatusOK

	if h.chain != nil {
		chainStatus := h.chain.GetHealthStatus(ctx)
		resp["chain"] = chainStatus
		if chainStatus["client_status"] != "connected" {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if h.wallets != nil {
		resp["wallets"] = h.wallets.Size()
	}
	c.JSON(code, resp)
}
