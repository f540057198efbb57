package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logic"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
)

// ClaimService 领取流程
type ClaimService interface {
	Claim(ctx context.Context, in logic.ClaimInput) (*logic.ClaimOutcome, error)
	Status(ctx context.Context, address string, fid int64, program string) (*model.ClaimModel, error)
	Amount(ctx context.Context, address string, source model.ClaimSource, fid int64) (*logic.AmountResult, error)
}

type ClaimHandler struct {
	claims ClaimService
}

func NewClaimHandler(claims ClaimService) *ClaimHandler {
	return &ClaimHandler{claims: claims}
}

func queryFid(c *gin.Context) (int64, error) {
	raw := c.Query("fid")
	if raw == "" {
		return 0, nil
	}
	fid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || fid < 0 {
		return 0, apperr.New(apperr.CodeInvalidRequest, "invalid fid", err)
	}
	return fid, nil
}

// GetAmount 预览可领取数量
func (h *ClaimHandler) GetAmount(c *gin.Context) {
	fid, err := queryFid(c)
	if err != nil {
		AppErrorResponse(c, err, nil)
		return
	}
	source := model.ClaimSource(c.DefaultQuery("claim_source", string(model.ClaimSourceWeb)))

	result, err := h.claims.Amount(c.Request.Context(), c.Query("address"), source, fid)
	if err != nil {
		AppErrorResponse(c, err, result)
		return
	}
	SuccessResponse(c, http.StatusOK, "ok", result)
}

// GetStatus 查询身份在计划下是否已领取
func (h *ClaimHandler) GetStatus(c *gin.Context) {
	fid, err := queryFid(c)
	if err != nil {
		AppErrorResponse(c, err, nil)
		return
	}
	address := c.Query("address")
	program := c.Query("program")

	prior, err := h.claims.Status(c.Request.Context(), address, fid, program)
	if err != nil {
		AppErrorResponse(c, err, nil)
		return
	}

	resp := ClaimStatusResponse{Address: address, Fid: fid, Program: program}
	if prior != nil {
		resp.Claimed = true
		resp.TxHash = prior.TxHashValue()
		if prior.ClaimedAt != nil {
			resp.ClaimedAt = prior.ClaimedAt.UTC().Format(time.RFC3339)
		}
	}
	SuccessResponse(c, http.StatusOK, "ok", resp)
}

// CreateClaim 领取奖励. 客户端断开不影响已开始的转账
func (h *ClaimHandler) CreateClaim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, apperr.CodeInvalidRequest, err.Error())
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	outcome, err := h.claims.Claim(ctx, logic.ClaimInput{
		Fid:         req.Fid,
		Address:     req.Address,
		ClaimSource: model.ClaimSource(req.ClaimSource),
		Program:     req.Program,
		OptionType:  req.OptionType,
	})
	if err != nil {
		if outcome != nil && outcome.Queued {
			c.JSON(http.StatusAccepted, Response{
				Success: false,
				Code:    apperr.CodeOf(err),
				Message: "claim queued for retry",
				TxHash:  outcome.TxHash,
				Data:    outcome,
			})
			return
		}
		AppErrorResponse(c, err, outcome)
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "claim succeeded",
		TxHash:  outcome.TxHash,
		Data:    outcome,
	})
}
