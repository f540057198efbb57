package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
	"github.com/upon-ly/QR-auction-web-sub004/internal/queue"
)

// SignatureHeader 延迟队列回调的签名头
const SignatureHeader = "Upstash-Signature"

// RetryProcessor 处理一条失败记录
type RetryProcessor interface {
	Process(ctx context.Context, failureID string) error
}

// QueueHandler 延迟队列回调
type QueueHandler struct {
	retries     RetryProcessor
	verifier    *queue.Verifier
	callbackURL string
}

func NewQueueHandler(retries RetryProcessor, verifier *queue.Verifier, callbackURL string) *QueueHandler {
	return &QueueHandler{
		retries:     retries,
		verifier:    verifier,
		callbackURL: callbackURL,
	}
}

// Retry 校验签名后处理重试. 返回非 2xx 时队列会重新投递
func (h *QueueHandler) Retry(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "failed to read body")
		return
	}

	if h.verifier != nil && h.verifier.Enabled() {
		if err := h.verifier.Verify(c.GetHeader(SignatureHeader), body, h.callbackURL); err != nil {
			logger.Warn("Rejected queue callback: %v", err)
			ErrorResponse(c, http.StatusUnauthorized, apperr.CodeInvalidRequest, "invalid signature")
			return
		}
	}

	var msg queue.RetryMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.FailureID == "" {
		ErrorResponse(c, http.StatusBadRequest, apperr.CodeInvalidRequest, "failure_id is required")
		return
	}

	if err := h.retries.Process(context.WithoutCancel(c.Request.Context()), msg.FailureID); err != nil {
		if apperr.IsValidation(err) {
			AppErrorResponse(c, err, nil)
			return
		}
		logger.Error("Queue retry %s failed: %v", msg.FailureID, err)
		ErrorResponse(c, http.StatusInternalServerError, apperr.CodeOf(err), "retry processing failed")
		return
	}
	SuccessResponse(c, http.StatusOK, "processed", gin.H{"failure_id": msg.FailureID})
}
