package logic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/executor"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
	"github.com/upon-ly/QR-auction-web-sub004/internal/metrics"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
	"github.com/upon-ly/QR-auction-web-sub004/internal/retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FailureStore 失败账本
type FailureStore interface {
	Create(ctx context.Context, failure *model.ClaimFailureModel) error
	FindOpenByClaimID(ctx context.Context, claimID string) (*model.ClaimFailureModel, error)
	GetByID(ctx context.Context, id string) (*model.ClaimFailureModel, error)
	Save(ctx context.Context, failure *model.ClaimFailureModel) error
	Delete(ctx context.Context, id string) error
	Lease(ctx context.Context, id string, now time.Time) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.ClaimFailureModel, error)
	ListByStatus(ctx context.Context, status model.FailureStatus, offset, limit int) ([]model.ClaimFailureModel, int64, error)
	ReclaimStaleLeases(ctx context.Context, before time.Time) (int64, error)
}

// ClaimResolver 对账时更新领取记录
type ClaimResolver interface {
	MarkSuccess(ctx context.Context, id, txHash string) error
	MarkFailed(ctx context.Context, id string) error
}

// Dispatcher 延迟任务投递
type Dispatcher interface {
	Schedule(ctx context.Context, failureID string, delay time.Duration) error
}

// PrerequisiteChecker 社交来源的前置条件
type PrerequisiteChecker interface {
	IsVerifiedAddress(ctx context.Context, fid int64, address string) (bool, error)
}

// ReceiptReader 对账所需的链上查询. Receipt 未上链返回 nil
type ReceiptReader interface {
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error)
	DeliveredTo(receipt *types.Receipt, recipient common.Address) decimal.Decimal
}

// Replacer 以原 nonce 重发未确认的转账
type Replacer interface {
	Replace(ctx context.Context, req executor.ReplaceRequest) (*executor.TransferResult, error)
}

// RetryLogic 失败重试队列
type RetryLogic struct {
	failures       FailureStore
	claims         ClaimResolver
	guard          *Guard
	locks          *IdentityLock
	transfer       Transferer
	dispatcher     Dispatcher
	prereq         PrerequisiteChecker
	receipts       ReceiptReader
	replacer       Replacer
	metrics        *metrics.Metrics
	policy         retry.Policy
	busyMin        time.Duration
	busyMax        time.Duration
	leaseTimeout   time.Duration
	reconcileAfter time.Duration
	now            func() time.Time
}

// RetryDeps RetryLogic 的依赖
type RetryDeps struct {
	Failures   FailureStore
	Claims     ClaimResolver
	Guard      *Guard
	Locks      *IdentityLock
	Transfer   Transferer
	Dispatcher Dispatcher
	Prereq     PrerequisiteChecker
	Receipts   ReceiptReader
	Replacer   Replacer
	Metrics    *metrics.Metrics
}

func NewRetryLogic(deps RetryDeps, cfg config.RetryConfig) *RetryLogic {
	return &RetryLogic{
		failures:   deps.Failures,
		claims:     deps.Claims,
		guard:      deps.Guard,
		locks:      deps.Locks,
		transfer:   deps.Transfer,
		dispatcher: deps.Dispatcher,
		prereq:     deps.Prereq,
		receipts:   deps.Receipts,
		replacer:   deps.Replacer,
		metrics:    deps.Metrics,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Retryable:   apperr.IsRetryable,
			Delays:      cfg.Delays,
		},
		busyMin:        cfg.BusyDelayMin,
		busyMax:        cfg.BusyDelayMax,
		leaseTimeout:   cfg.LeaseTimeout,
		reconcileAfter: cfg.ReconcileAfter,
		now:            time.Now,
	}
}

func failureLog(f *model.ClaimFailureModel) *logger.Logger {
	return logger.With(
		zap.String("failure_id", f.Id),
		zap.String("claim_id", f.ClaimId),
		zap.String("address", f.Address),
		zap.Int64("fid", f.Fid),
		zap.String("program", f.Program),
		zap.Int("attempt", f.AttemptCount),
	)
}

func (r *RetryLogic) busyDelay() time.Duration {
	if r.busyMax <= r.busyMin {
		return r.busyMin
	}
	return r.busyMin + time.Duration(rand.Int63n(int64(r.busyMax-r.busyMin)))
}

// Record 首次转账失败后写入账本. 校验和重复类错误不记录, 同一领取记录只保留一条未结束的失败
func (r *RetryLogic) Record(ctx context.Context, claim *model.ClaimModel, cause error) (*model.ClaimFailureModel, error) {
	if cause == nil || apperr.IsValidation(cause) || apperr.IsDuplicate(cause) {
		return nil, nil
	}

	open, err := r.failures.FindOpenByClaimID(ctx, claim.Id)
	if err != nil {
		return nil, err
	}
	if open != nil {
		failureLog(open).Info("Claim already has an open failure, not recording again: %v", cause)
		return open, nil
	}

	appErr := apperr.Classify(cause)
	payload, _ := json.Marshal(ClaimInput{
		Fid:         claim.Fid,
		Address:     claim.Address,
		ClaimSource: claim.ClaimSource,
		Program:     claim.Program,
		OptionType:  claim.OptionType,
	})

	now := r.now()
	failure := &model.ClaimFailureModel{
		ClaimId:        claim.Id,
		Fid:            claim.Fid,
		Address:        claim.Address,
		Program:        claim.Program,
		OptionType:     claim.OptionType,
		ClaimSource:    claim.ClaimSource,
		Amount:         claim.Amount,
		ErrorCode:      appErr.Code,
		ErrorMessage:   cause.Error(),
		AttemptCount:   1,
		LastAttemptAt:  &now,
		TxHash:         appErr.TxHash,
		RequestPayload: string(payload),
	}
	notePending(failure, cause)

	var delay time.Duration
	switch {
	case appErr.Code == apperr.CodeWalletPoolBusy:
		// 没有真正尝试, 不计次数
		failure.AttemptCount = 0
		failure.Status = model.FailureStatusPending
		delay = r.busyDelay()
	case appErr.Code == apperr.CodeConfirmationTimeout:
		failure.Status = model.FailureStatusReconcile
	case !apperr.IsRetryable(cause):
		failure.Status = model.FailureStatusTerminal
	default:
		failure.Status = model.FailureStatusPending
		delay = r.policy.Delay(failure.AttemptCount)
	}
	if failure.Status == model.FailureStatusPending {
		next := now.Add(delay)
		failure.NextRetryAt = &next
	}

	if err := r.failures.Create(ctx, failure); err != nil {
		return nil, err
	}

	log := failureLog(failure)
	log.Warn("Claim failure recorded: code=%s status=%s payload=%s err=%v", failure.ErrorCode, failure.Status, failure.RequestPayload, cause)
	r.metrics.ObserveRetry("recorded_" + string(failure.Status))

	if failure.Status == model.FailureStatusPending {
		r.dispatch(ctx, failure, delay)
	}
	return failure, nil
}

func (r *RetryLogic) dispatch(ctx context.Context, f *model.ClaimFailureModel, delay time.Duration) {
	if r.dispatcher == nil {
		return
	}
	if err := r.dispatcher.Schedule(ctx, f.Id, delay); err != nil {
		// next_retry_at 已持久化, 定时扫描兜底
		failureLog(f).Warn("Failed to dispatch retry, sweep will pick it up: %v", err)
	}
}

// Process 重试一条失败记录. 未到期、已被租用或已解决时直接返回
func (r *RetryLogic) Process(ctx context.Context, failureID string) error {
	f, err := r.failures.GetByID(ctx, failureID)
	if err != nil {
		return err
	}
	if f == nil || f.Status != model.FailureStatusPending {
		return nil
	}
	now := r.now()
	if f.NextRetryAt != nil && f.NextRetryAt.After(now.Add(time.Minute)) {
		return nil
	}

	leased, err := r.failures.Lease(ctx, f.Id, now)
	if err != nil {
		return err
	}
	if !leased {
		return nil
	}
	f.Status = model.FailureStatusProcessing
	f.LeasedAt = &now
	log := failureLog(f)

	unlock, err := r.locks.Acquire(ctx, f.Program, f.Address, f.Fid)
	if err != nil {
		log.Info("Identity busy, rescheduling: %v", err)
		return r.reschedule(ctx, f, r.busyDelay(), false, err)
	}
	defer unlock()

	// 重试前再做一次重复检查
	if err := r.guard.Check(ctx, f.Address, f.Fid, f.Program); err != nil {
		if apperr.IsDuplicate(err) {
			log.Info("Identity already claimed, resolving failure without transfer")
			r.metrics.ObserveRetry("resolved_duplicate")
			return r.resolve(ctx, f, false)
		}
		return r.reschedule(ctx, f, r.busyDelay(), false, err)
	}

	if ok, err := r.prerequisiteMet(ctx, f); err != nil {
		return r.reschedule(ctx, f, r.busyDelay(), false, err)
	} else if !ok {
		log.Warn("Prerequisite no longer met, dropping failure")
		r.metrics.ObserveRetry("resolved_prerequisite")
		return r.resolve(ctx, f, true)
	}

	_, execErr := r.transfer.Execute(ctx, executor.TransferRequest{
		ClaimID: f.ClaimId,
		Address: f.Address,
		Fid:     f.Fid,
		Program: f.Program,
		Amount:  f.Amount,
	})
	if execErr == nil {
		log.Info("Retry succeeded")
		r.metrics.ObserveRetry("success")
		return r.failures.Delete(ctx, f.Id)
	}
	return r.handleFailure(ctx, f, execErr)
}

func (r *RetryLogic) prerequisiteMet(ctx context.Context, f *model.ClaimFailureModel) (bool, error) {
	if f.ClaimSource != model.ClaimSourceSocialApp || f.Fid <= 0 || r.prereq == nil {
		return true, nil
	}
	return r.prereq.IsVerifiedAddress(ctx, f.Fid, f.Address)
}

// resolve 删除失败记录, markFailed 时同时把领取记录标为失败
func (r *RetryLogic) resolve(ctx context.Context, f *model.ClaimFailureModel, markFailed bool) error {
	if markFailed && f.ClaimId != "" {
		if err := r.claims.MarkFailed(ctx, f.ClaimId); err != nil {
			failureLog(f).Warn("Failed to mark claim failed: %v", err)
		}
	}
	return r.failures.Delete(ctx, f.Id)
}

// reschedule 回到 pending. consume 为 false 时不计入重试次数
func (r *RetryLogic) reschedule(ctx context.Context, f *model.ClaimFailureModel, delay time.Duration, consume bool, cause error) error {
	now := r.now()
	if consume {
		f.AttemptCount++
		f.LastAttemptAt = &now
	}
	if cause != nil {
		appErr := apperr.Classify(cause)
		f.ErrorCode = appErr.Code
		f.ErrorMessage = cause.Error()
	}

	if consume && f.AttemptCount >= r.policy.MaxAttempts {
		f.Status = model.FailureStatusMaxRetriesExceeded
		f.NextRetryAt = nil
		f.LeasedAt = nil
		failureLog(f).Error("Retries exhausted after %d attempts: %s", f.AttemptCount, f.ErrorMessage)
		r.metrics.ObserveRetry("max_retries_exceeded")
		return r.failures.Save(ctx, f)
	}

	next := now.Add(delay)
	f.Status = model.FailureStatusPending
	f.NextRetryAt = &next
	f.LeasedAt = nil
	if err := r.failures.Save(ctx, f); err != nil {
		return err
	}
	r.metrics.ObserveRetry("rescheduled")
	r.dispatch(ctx, f, delay)
	return nil
}

func (r *RetryLogic) handleFailure(ctx context.Context, f *model.ClaimFailureModel, execErr error) error {
	log := failureLog(f)
	appErr := apperr.Classify(execErr)
	log.Warn("Retry attempt failed: code=%s err=%v", appErr.Code, execErr)

	switch {
	case appErr.Code == apperr.CodeWalletPoolBusy:
		return r.reschedule(ctx, f, r.busyDelay(), false, execErr)
	case apperr.IsDuplicate(execErr):
		r.metrics.ObserveRetry("resolved_duplicate")
		return r.resolve(ctx, f, false)
	case appErr.Code == apperr.CodePrerequisiteFailed:
		return r.resolve(ctx, f, true)
	case appErr.Code == apperr.CodeConfirmationTimeout:
		now := r.now()
		f.AttemptCount++
		f.LastAttemptAt = &now
		f.Status = model.FailureStatusReconcile
		f.ClearTx()
		notePending(f, execErr)
		f.ErrorCode = appErr.Code
		f.ErrorMessage = execErr.Error()
		f.NextRetryAt = nil
		f.LeasedAt = nil
		return r.failures.Save(ctx, f)
	case !apperr.IsRetryable(execErr):
		now := r.now()
		f.AttemptCount++
		f.LastAttemptAt = &now
		f.Status = model.FailureStatusTerminal
		f.ErrorCode = appErr.Code
		f.ErrorMessage = execErr.Error()
		f.NextRetryAt = nil
		f.LeasedAt = nil
		r.metrics.ObserveRetry("terminal")
		return r.failures.Save(ctx, f)
	default:
		return r.reschedule(ctx, f, r.policy.Delay(f.AttemptCount+1), true, execErr)
	}
}

// notePending 记下已广播交易的发送方和 nonce, 供对账判断交易是否还可能上链
func notePending(f *model.ClaimFailureModel, err error) {
	var pending *executor.PendingError
	if !errors.As(err, &pending) || pending.Submission == nil {
		if appErr, ok := apperr.As(err); ok && appErr.TxHash != "" {
			f.SetTxHash(appErr.TxHash)
		}
		return
	}

	sub := pending.Submission
	nonce := int64(sub.Nonce)
	f.SetTxHash(sub.Hash.Hex())
	f.TxSender = strings.ToLower(sub.From.Hex())
	f.TxNonce = &nonce
	if sub.GasPrice != nil {
		f.TxGasPrice = sub.GasPrice.String()
	}
}

// Reconcile 处理已广播但未确认的转账. 只有发送方的 nonce 已被其他交易占用才算丢弃,
// 否则以同一 nonce 加价重发, 同一笔发放最多上链一次
func (r *RetryLogic) Reconcile(ctx context.Context, f *model.ClaimFailureModel) error {
	if f.Status != model.FailureStatusReconcile || f.TxHash == "" {
		return nil
	}
	log := failureLog(f).With(zap.String("tx_hash", f.TxHash))

	// 先读 nonce 再查回执, 两次查询之间上链的交易不会被误判为丢弃
	var confirmed *uint64
	if f.TxSender != "" && f.TxNonce != nil {
		n, err := r.receipts.ConfirmedNonce(ctx, common.HexToAddress(f.TxSender))
		if err != nil {
			log.Warn("Nonce lookup failed for %s: %v", f.TxSender, err)
			return nil
		}
		confirmed = &n
	}

	receipt, txHash, err := r.findReceipt(ctx, f)
	if err != nil {
		log.Warn("Receipt lookup failed: %v", err)
		return nil
	}

	now := r.now()
	switch {
	case receipt != nil && receipt.Status == types.ReceiptStatusSuccessful:
		return r.settle(ctx, f, receipt, txHash)
	case receipt != nil:
		log.Warn("Transfer %s reverted, returning to queue", txHash)
		return r.requeueUnsent(ctx, f, now, apperr.New(apperr.CodeTxReverted, "transaction reverted", nil).WithTx(txHash))
	case confirmed != nil && *confirmed > uint64(*f.TxNonce):
		log.Warn("Nonce %d of %s consumed without our transfer, treating as dropped", *f.TxNonce, f.TxSender)
		return r.requeueUnsent(ctx, f, now, apperr.New(apperr.CodeConfirmationTimeout, "transaction dropped", nil))
	case f.LastAttemptAt != nil && now.Sub(*f.LastAttemptAt) < r.reconcileAfter:
		return nil
	case confirmed == nil:
		// 不知道 nonce 就无法证明交易不会再上链
		log.Error("Transfer %s unconfirmed after %s and its nonce is unknown, manual check required", f.TxHash, r.reconcileAfter)
		f.Status = model.FailureStatusTerminal
		f.ErrorMessage = "transfer outcome unknown, nonce not recorded"
		r.metrics.ObserveRetry("terminal")
		return r.failures.Save(ctx, f)
	default:
		return r.replace(ctx, f, now, log)
	}
}

// findReceipt 依次查询当前及被替换的交易
func (r *RetryLogic) findReceipt(ctx context.Context, f *model.ClaimFailureModel) (*types.Receipt, string, error) {
	for _, hash := range f.KnownTxHashes() {
		receipt, err := r.receipts.Receipt(ctx, common.HexToHash(hash))
		if err != nil {
			return nil, "", err
		}
		if receipt != nil {
			return receipt, hash, nil
		}
	}
	return nil, "", nil
}

// settle 回执成功后核对到账数量再结案
func (r *RetryLogic) settle(ctx context.Context, f *model.ClaimFailureModel, receipt *types.Receipt, txHash string) error {
	log := failureLog(f).With(zap.String("tx_hash", txHash))

	delivered := r.receipts.DeliveredTo(receipt, common.HexToAddress(f.Address))
	if delivered.LessThan(f.Amount) {
		log.Error("Transfer %s succeeded but delivered %s of %s tokens", txHash, delivered.String(), f.Amount.String())
		f.SetTxHash(txHash)
		f.Status = model.FailureStatusTerminal
		f.ErrorCode = apperr.CodeUnknownError
		f.ErrorMessage = fmt.Sprintf("receipt shows %s of %s tokens delivered", delivered.String(), f.Amount.String())
		r.metrics.ObserveRetry("terminal")
		return r.failures.Save(ctx, f)
	}

	if f.ClaimId != "" {
		if err := r.claims.MarkSuccess(ctx, f.ClaimId, txHash); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
	}
	log.Info("Timed-out transfer %s confirmed on reconciliation", txHash)
	r.metrics.ObserveRetry("reconciled_success")
	return r.failures.Delete(ctx, f.Id)
}

// requeueUnsent 交易确定没有发放, 回到重试队列
func (r *RetryLogic) requeueUnsent(ctx context.Context, f *model.ClaimFailureModel, now time.Time, cause *apperr.AppError) error {
	if f.ClaimId != "" {
		if err := r.claims.MarkFailed(ctx, f.ClaimId); err != nil {
			failureLog(f).Warn("Failed to mark claim failed: %v", err)
		}
	}
	f.ClearTx()
	f.ErrorCode = cause.Code
	f.ErrorMessage = cause.Error()
	f.LeasedAt = nil

	if f.AttemptCount >= r.policy.MaxAttempts {
		f.Status = model.FailureStatusMaxRetriesExceeded
		f.NextRetryAt = nil
		r.metrics.ObserveRetry("max_retries_exceeded")
		return r.failures.Save(ctx, f)
	}
	f.Status = model.FailureStatusPending
	f.NextRetryAt = &now
	if err := r.failures.Save(ctx, f); err != nil {
		return err
	}
	r.dispatch(ctx, f, 0)
	return nil
}

// replace 原交易仍占着 nonce, 加价重发同一笔转账
func (r *RetryLogic) replace(ctx context.Context, f *model.ClaimFailureModel, now time.Time, log *logger.Logger) error {
	if r.replacer == nil {
		return nil
	}

	var prevGas *big.Int
	if p, ok := new(big.Int).SetString(f.TxGasPrice, 10); ok {
		prevGas = p
	}
	log.Info("Transfer unconfirmed after %s, replacing nonce %d", r.reconcileAfter, *f.TxNonce)

	_, err := r.replacer.Replace(ctx, executor.ReplaceRequest{
		TransferRequest: executor.TransferRequest{
			ClaimID: f.ClaimId,
			Address: f.Address,
			Fid:     f.Fid,
			Program: f.Program,
			Amount:  f.Amount,
		},
		Sender:       common.HexToAddress(f.TxSender),
		Nonce:        uint64(*f.TxNonce),
		PrevGasPrice: prevGas,
	})
	if err == nil {
		log.Info("Replacement transfer confirmed")
		r.metrics.ObserveRetry("reconciled_replaced")
		return r.failures.Delete(ctx, f.Id)
	}

	// 无论替换结果如何都留在对账状态, 下一轮按回执和 nonce 判断
	appErr := apperr.Classify(err)
	if appErr.TxHash != "" {
		notePending(f, err)
		f.LastAttemptAt = &now
	}
	f.ErrorCode = appErr.Code
	f.ErrorMessage = err.Error()
	log.Warn("Replacement not confirmed: %v", err)
	r.metrics.ObserveRetry("replaced")
	return r.failures.Save(ctx, f)
}

// DueFailures 到期待处理的失败
func (r *RetryLogic) DueFailures(ctx context.Context, limit int) ([]model.ClaimFailureModel, error) {
	return r.failures.ListDue(ctx, r.now(), limit)
}

// ReconcileAll 处理所有等待对账的记录
func (r *RetryLogic) ReconcileAll(ctx context.Context, limit int) (int, error) {
	failures, _, err := r.failures.ListByStatus(ctx, model.FailureStatusReconcile, 0, limit)
	if err != nil {
		return 0, err
	}
	for i := range failures {
		if err := r.Reconcile(ctx, &failures[i]); err != nil {
			failureLog(&failures[i]).Error("Reconcile failed: %v", err)
		}
	}
	return len(failures), nil
}

// ReclaimStaleLeases 回收超时租约
func (r *RetryLogic) ReclaimStaleLeases(ctx context.Context) (int64, error) {
	return r.failures.ReclaimStaleLeases(ctx, r.now().Add(-r.leaseTimeout))
}

// Requeue 运维手动重放, 重置次数
func (r *RetryLogic) Requeue(ctx context.Context, failureID string) (*model.ClaimFailureModel, error) {
	f, err := r.failures.GetByID(ctx, failureID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, apperr.New(apperr.CodeInvalidRequest, "failure not found", nil)
	}
	if f.Status == model.FailureStatusProcessing || f.Status == model.FailureStatusReconcile {
		return nil, apperr.New(apperr.CodeClaimInProgress, "failure is being processed", nil)
	}

	// 运维确认原交易不会上链后才重放
	if f.ClaimId != "" {
		if err := r.claims.MarkFailed(ctx, f.ClaimId); err != nil {
			return nil, err
		}
	}

	now := r.now()
	f.ClearTx()
	f.Status = model.FailureStatusPending
	f.AttemptCount = 0
	f.NextRetryAt = &now
	f.LeasedAt = nil
	if err := r.failures.Save(ctx, f); err != nil {
		return nil, err
	}
	failureLog(f).Info("Failure requeued by operator")
	r.metrics.ObserveRetry("requeued")
	r.dispatch(ctx, f, 0)
	return f, nil
}

// List 按状态分页列出
func (r *RetryLogic) List(ctx context.Context, status model.FailureStatus, page, pageSize int) ([]model.ClaimFailureModel, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return r.failures.ListByStatus(ctx, status, (page-1)*pageSize, pageSize)
}
