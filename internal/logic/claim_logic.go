package logic

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/executor"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
	"github.com/upon-ly/QR-auction-web-sub004/internal/metrics"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
	"go.uber.org/zap"
)

// Transferer 代币转账
type Transferer interface {
	Execute(ctx context.Context, req executor.TransferRequest) (*executor.TransferResult, error)
}

// ClaimWriter 领取记录写入
type ClaimWriter interface {
	Create(ctx context.Context, claim *model.ClaimModel) error
	MarkFailed(ctx context.Context, id string) error
}

// ClaimInput 一次领取请求
type ClaimInput struct {
	Fid         int64             `json:"fid"`
	Address     string            `json:"address"`
	ClaimSource model.ClaimSource `json:"claim_source"`
	Program     string            `json:"program"`
	OptionType  string            `json:"option_type"`
}

// ClaimOutcome 领取结果
type ClaimOutcome struct {
	ClaimID   string          `json:"claim_id"`
	Amount    decimal.Decimal `json:"amount"`
	Tier      string          `json:"tier"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Success   bool            `json:"success"`
	Queued    bool            `json:"queued"`
	FailureID string          `json:"failure_id,omitempty"`
	Warning   string          `json:"warning,omitempty"`
}

// ClaimLogic 领取流程编排: 校验 -> 身份锁 -> 重复检查 -> 计算数量 -> 转账 -> 失败入队
type ClaimLogic struct {
	programs map[string]config.ProgramConfig
	scorer   *Scorer
	guard    *Guard
	locks    *IdentityLock
	claims   ClaimWriter
	transfer Transferer
	retries  *RetryLogic
	metrics  *metrics.Metrics
}

func NewClaimLogic(cfg config.ClaimConfig, scorer *Scorer, guard *Guard, locks *IdentityLock,
	claims ClaimWriter, transfer Transferer, retries *RetryLogic, m *metrics.Metrics) *ClaimLogic {
	return &ClaimLogic{
		programs: cfg.Programs,
		scorer:   scorer,
		guard:    guard,
		locks:    locks,
		claims:   claims,
		transfer: transfer,
		retries:  retries,
		metrics:  m,
	}
}

// ValidateProgram 未配置计划列表时接受任意非空计划
func (l *ClaimLogic) ValidateProgram(program, option string) error {
	if program == "" {
		return apperr.New(apperr.CodeInvalidRequest, "program is required", nil)
	}
	if len(l.programs) == 0 {
		return nil
	}
	p, ok := l.programs[program]
	if !ok || !p.Enabled {
		return apperr.New(apperr.CodeUnknownProgram, fmt.Sprintf("unknown program %q", program), nil)
	}
	if len(p.Options) == 0 || option == "" {
		return nil
	}
	for _, o := range p.Options {
		if o == option {
			return nil
		}
	}
	return apperr.New(apperr.CodeInvalidRequest, fmt.Sprintf("unknown option %q for program %q", option, program), nil)
}

func (l *ClaimLogic) validate(in *ClaimInput) error {
	in.Address = strings.TrimSpace(in.Address)
	if !ValidAddress(in.Address) {
		return apperr.New(apperr.CodeInvalidAddress, "invalid address", nil)
	}
	in.Address = strings.ToLower(in.Address)
	if !in.ClaimSource.Valid() {
		return apperr.New(apperr.CodeInvalidRequest, fmt.Sprintf("unknown claim source %q", in.ClaimSource), nil)
	}
	if in.Fid < 0 {
		return apperr.New(apperr.CodeInvalidRequest, "fid must not be negative", nil)
	}
	return l.ValidateProgram(in.Program, in.OptionType)
}

// Claim 执行一次领取. 返回错误时 outcome 可能仍携带已入队的信息
func (l *ClaimLogic) Claim(ctx context.Context, in ClaimInput) (*ClaimOutcome, error) {
	outcome, err := l.claim(ctx, &in)
	code := "success"
	if err != nil {
		code = apperr.CodeOf(err)
	}
	l.metrics.ObserveClaim(string(in.ClaimSource), code)
	return outcome, err
}

func (l *ClaimLogic) claim(ctx context.Context, in *ClaimInput) (*ClaimOutcome, error) {
	if err := l.validate(in); err != nil {
		return nil, err
	}
	log := logger.With(
		zap.String("address", in.Address),
		zap.Int64("fid", in.Fid),
		zap.String("program", in.Program),
		zap.String("option_type", in.OptionType),
		zap.String("claim_source", string(in.ClaimSource)),
	)

	unlock, err := l.locks.Acquire(ctx, in.Program, in.Address, in.Fid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := l.guard.Check(ctx, in.Address, in.Fid, in.Program); err != nil {
		return nil, err
	}

	amount, err := l.scorer.GetClaimAmount(ctx, in.Address, in.ClaimSource, in.Fid)
	if err != nil {
		return nil, err
	}
	if !amount.Amount.IsPositive() {
		return nil, apperr.New(apperr.CodeAmountUnavailable, "no reward amount available", nil)
	}

	claim := &model.ClaimModel{
		Fid:         in.Fid,
		Address:     in.Address,
		ClaimSource: in.ClaimSource,
		Program:     in.Program,
		OptionType:  in.OptionType,
		Amount:      amount.Amount,
		Score:       amount.Score,
		Tier:        amount.Tier,
	}
	if err := l.claims.Create(ctx, claim); err != nil {
		return nil, apperr.New(apperr.CodeDatabaseError, "failed to record claim", err)
	}

	outcome := &ClaimOutcome{ClaimID: claim.Id, Amount: amount.Amount, Tier: amount.Tier}
	result, err := l.transfer.Execute(ctx, executor.TransferRequest{
		ClaimID: claim.Id,
		Address: in.Address,
		Fid:     in.Fid,
		Program: in.Program,
		Amount:  amount.Amount,
	})
	if err == nil {
		outcome.Success = true
		outcome.TxHash = result.TxHash
		outcome.Warning = result.Warning
		log.Info("Claim succeeded: amount=%s tier=%s tx=%s", amount.Amount.String(), amount.Tier, result.TxHash)
		return outcome, nil
	}

	if appErr, ok := apperr.As(err); ok && appErr.TxHash != "" {
		outcome.TxHash = appErr.TxHash
	}

	failure, recordErr := l.retries.Record(ctx, claim, err)
	if recordErr != nil {
		log.Error("Failed to record claim failure: %v (cause: %v)", recordErr, err)
	}
	if failure != nil && failure.Status != model.FailureStatusTerminal {
		outcome.Queued = true
		outcome.FailureID = failure.Id
	}
	if !outcome.Queued && apperr.CodeOf(err) != apperr.CodeConfirmationTimeout {
		if markErr := l.claims.MarkFailed(context.WithoutCancel(ctx), claim.Id); markErr != nil {
			log.Warn("Failed to mark claim failed: %v", markErr)
		}
	}
	return outcome, err
}

// Status 返回身份在计划下已有的成功记录
func (l *ClaimLogic) Status(ctx context.Context, address string, fid int64, program string) (*model.ClaimModel, error) {
	if !ValidAddress(address) {
		return nil, apperr.New(apperr.CodeInvalidAddress, "invalid address", nil)
	}
	if err := l.ValidateProgram(program, ""); err != nil {
		return nil, err
	}
	prior, _, err := l.guard.Prior(ctx, strings.ToLower(address), fid, program)
	return prior, err
}

// Amount 预览可领取数量
func (l *ClaimLogic) Amount(ctx context.Context, address string, source model.ClaimSource, fid int64) (*AmountResult, error) {
	return l.scorer.GetClaimAmount(ctx, address, source, fid)
}
