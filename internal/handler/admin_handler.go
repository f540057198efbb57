package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logic"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
)

// AdminTokenHeader 运维接口鉴权头
const AdminTokenHeader = "X-Admin-Token"

// FailureAdmin 失败账本运维操作
type FailureAdmin interface {
	List(ctx context.Context, status model.FailureStatus, page, pageSize int) ([]model.ClaimFailureModel, int64, error)
	Requeue(ctx context.Context, failureID string) (*model.ClaimFailureModel, error)
}

// TierAdmin 档位表运维操作
type TierAdmin interface {
	RefreshTiers(ctx context.Context) ([]logic.Tier, error)
}

type AdminHandler struct {
	failures FailureAdmin
	tiers    TierAdmin
}

func NewAdminHandler(failures FailureAdmin, tiers TierAdmin) *AdminHandler {
	return &AdminHandler{failures: failures, tiers: tiers}
}

// AdminAuth 未配置 token 时拒绝所有运维请求
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			ErrorResponse(c, http.StatusUnauthorized, apperr.CodeInvalidRequest, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

// ListFailures 按状态分页列出失败记录
func (h *AdminHandler) ListFailures(c *gin.Context) {
	status := model.FailureStatus(c.Query("status"))
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	failures, total, err := h.failures.List(c.Request.Context(), status, page, pageSize)
	if err != nil {
		AppErrorResponse(c, apperr.New(apperr.CodeDatabaseError, "failed to list failures", err), nil)
		return
	}

	SuccessResponse(c, http.StatusOK, "ok", gin.H{
		"failures":   failures,
		"pagination": newPagination(page, pageSize, total),
	})
}

// RequeueFailure 手动重放, 重置重试次数
func (h *AdminHandler) RequeueFailure(c *gin.Context) {
	failure, err := h.failures.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		if code := apperr.CodeOf(err); code == apperr.CodeInvalidRequest {
			ErrorResponse(c, http.StatusNotFound, code, "failure not found")
			return
		}
		AppErrorResponse(c, err, nil)
		return
	}
	SuccessResponse(c, http.StatusOK, "requeued", failure)
}

// RefreshTiers 修改 score_tier 表后让新档位立即生效
func (h *AdminHandler) RefreshTiers(c *gin.Context) {
	tiers, err := h.tiers.RefreshTiers(c.Request.Context())
	if err != nil {
		AppErrorResponse(c, apperr.New(apperr.CodeAmountUnavailable, "failed to reload score tiers", err), nil)
		return
	}
	SuccessResponse(c, http.StatusOK, "tiers reloaded", gin.H{"tiers": tiers})
}
