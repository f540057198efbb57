package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/chain"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
	"github.com/upon-ly/QR-auction-web-sub004/internal/metrics"
	"github.com/upon-ly/QR-auction-web-sub004/internal/retry"
	"github.com/upon-ly/QR-auction-web-sub004/internal/wallet"
	"go.uber.org/zap"
)

// Chain 转账所需的链操作
type Chain interface {
	AirdropAddress() common.Address
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount, gasPrice *big.Int) (common.Hash, error)
	Airdrop(ctx context.Context, key *ecdsa.PrivateKey, recipient common.Address, amount, gasPrice *big.Int, nonce *uint64) (*chain.Submission, error)
	WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WalletPool 资金钱包池
type WalletPool interface {
	Acquire(ctx context.Context) (*wallet.Lease, error)
	AcquireWallet(ctx context.Context, address common.Address) (*wallet.Lease, error)
}

// DuplicateGuard 重复领取检查
type DuplicateGuard interface {
	Check(ctx context.Context, address string, fid int64, program string) error
}

// ClaimStore 领取记录状态更新
type ClaimStore interface {
	MarkSubmitted(ctx context.Context, id, txHash string) error
	MarkSuccess(ctx context.Context, id, txHash string) error
}

// TransferRequest 一次代币发放
type TransferRequest struct {
	ClaimID string
	Address string
	Fid     int64
	Program string
	Amount  decimal.Decimal // 整数枚代币
}

// TransferResult 发放结果. Warning 非空表示链上已成功但记账失败
type TransferResult struct {
	TxHash   string
	Wallet   string
	Attempts int
	Warning  string
}

// ReplaceRequest 以原交易的发送方和 nonce 重发一笔未确认的转账
type ReplaceRequest struct {
	TransferRequest
	Sender       common.Address
	Nonce        uint64
	PrevGasPrice *big.Int // 为空时只按建议价格加价
}

// PendingError 交易已广播但在等待时间内没有回执. 同一 Sender + Nonce 最多只会有一笔上链
type PendingError struct {
	Submission *chain.Submission
	Err        *apperr.AppError
}

func (e *PendingError) Error() string { return e.Err.Error() }

func (e *PendingError) Unwrap() error { return e.Err }

// Executor 代币转账执行器
type Executor struct {
	chain         Chain
	pool          WalletPool
	guard         DuplicateGuard
	claims        ClaimStore
	metrics       *metrics.Metrics
	decimals      int32
	minGas        *big.Int
	allowance     *big.Int
	escalationPct int64
	confirmWait   time.Duration
	policy        retry.Policy
}

func New(chain Chain, pool WalletPool, guard DuplicateGuard, claims ClaimStore, m *metrics.Metrics,
	chainCfg config.ChainConfig, cfg config.ExecutorConfig) (*Executor, error) {
	minGas, ok := new(big.Int).SetString(chainCfg.MinGasBalanceWei, 10)
	if !ok {
		return nil, errors.New("invalid chain.min_gas_balance_wei")
	}

	// 默认授权 max uint256
	allowance := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if chainCfg.StandingAllowance != "" {
		a, err := decimal.NewFromString(chainCfg.StandingAllowance)
		if err != nil {
			return nil, errors.New("invalid chain.standing_allowance")
		}
		allowance = a.Shift(chainCfg.TokenDecimals).BigInt()
	}

	var delays []time.Duration
	if cfg.AttemptDelay > 0 {
		delays = []time.Duration{cfg.AttemptDelay}
	}

	return &Executor{
		chain:         chain,
		pool:          pool,
		guard:         guard,
		claims:        claims,
		metrics:       m,
		decimals:      chainCfg.TokenDecimals,
		minGas:        minGas,
		allowance:     allowance,
		escalationPct: chainCfg.GasEscalationPct,
		confirmWait:   cfg.ConfirmTimeout,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Retryable:   retryableWithinInvocation,
			Delays:      delays,
		},
	}, nil
}

// 同一次调用内只重提那些肯定没有转出资金的失败
func retryableWithinInvocation(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeTxUnderpriced, apperr.CodeNonceError, apperr.CodeTxReverted, apperr.CodeNetworkError:
		return true
	}
	return false
}

// Execute ACQUIRE_WALLET -> CHECK_BALANCE -> CHECK_ALLOWANCE -> (APPROVE) -> SUBMIT -> AWAIT -> RECORD -> RELEASE
func (e *Executor) Execute(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	started := time.Now()
	log := logger.With(
		zap.String("claim_id", req.ClaimID),
		zap.String("address", req.Address),
		zap.Int64("fid", req.Fid),
		zap.String("program", req.Program),
		zap.String("amount", req.Amount.String()),
	)

	result, err := e.execute(ctx, req, log)
	outcome := "success"
	if err != nil {
		outcome = apperr.CodeOf(err)
		log.Warn("Transfer failed: %v", err)
	}
	e.metrics.ObserveTransfer(outcome, time.Since(started))
	return result, err
}

func (e *Executor) execute(ctx context.Context, req TransferRequest, log *logger.Logger) (*TransferResult, error) {
	if !common.IsHexAddress(req.Address) {
		return nil, apperr.New(apperr.CodeInvalidAddress, "invalid recipient address", nil)
	}
	amount := req.Amount.Shift(e.decimals).BigInt()
	if amount.Sign() <= 0 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "transfer amount must be positive", nil)
	}
	recipient := common.HexToAddress(req.Address)

	// ACQUIRE_WALLET
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, wallet.ErrNoWalletAvailable) {
			e.metrics.ObserveWalletBusy()
			return nil, apperr.New(apperr.CodeWalletPoolBusy, "all funding wallets are busy", err)
		}
		return nil, apperr.Classify(err)
	}
	// 无论结果如何都释放, 且不受调用方取消影响
	defer lease.Release(context.WithoutCancel(ctx))
	funder := lease.Wallet
	log = log.With(zap.String("wallet", funder.Address.Hex()))

	// 持有钱包后再次检查, 保证同一身份不会二次转账
	if err := e.guard.Check(ctx, req.Address, req.Fid, req.Program); err != nil {
		return nil, err
	}

	// CHECK_BALANCE
	if err := e.preflight(ctx, funder.Address, amount); err != nil {
		return nil, err
	}

	// CHECK_ALLOWANCE / APPROVE
	if err := e.ensureAllowance(ctx, funder, amount, log); err != nil {
		return nil, err
	}

	result := &TransferResult{Wallet: funder.Address.Hex()}
	err = e.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		result.Attempts = attempt
		gasPrice, err := e.gasPrice(ctx, attempt-1)
		if err != nil {
			return apperr.Classify(err)
		}
		sub, err := e.submit(ctx, funder, recipient, amount, gasPrice, nil, log)
		if sub != nil {
			result.TxHash = sub.Hash.Hex()
		}
		return err
	})
	return e.record(ctx, req.ClaimID, result, err, log)
}

// record 回写领取记录. 超时的交易标记为已提交, 交给对账处理
func (e *Executor) record(ctx context.Context, claimID string, result *TransferResult, err error, log *logger.Logger) (*TransferResult, error) {
	if err != nil {
		if appErr, ok := apperr.As(err); ok && appErr.Code == apperr.CodeConfirmationTimeout && claimID != "" {
			if markErr := e.claims.MarkSubmitted(context.WithoutCancel(ctx), claimID, appErr.TxHash); markErr != nil {
				log.Error("Failed to mark claim submitted (tx %s): %v", appErr.TxHash, markErr)
			}
		}
		return result, err
	}

	// RECORD_RESULT
	if claimID != "" {
		if err := e.claims.MarkSuccess(context.WithoutCancel(ctx), claimID, result.TxHash); err != nil {
			log.Error("Transfer %s confirmed but claim record failed: %v", result.TxHash, err)
			result.Warning = "tokens sent but the claim record could not be updated"
		}
	}

	log.Info("Transfer confirmed: tx=%s attempts=%d", result.TxHash, result.Attempts)
	return result, nil
}

// Replace 用原 nonce 和更高的 gas 价格重发未确认的转账. 新旧交易互斥, 不会重复发放
func (e *Executor) Replace(ctx context.Context, req ReplaceRequest) (*TransferResult, error) {
	started := time.Now()
	log := logger.With(
		zap.String("claim_id", req.ClaimID),
		zap.String("address", req.Address),
		zap.String("wallet", req.Sender.Hex()),
		zap.Uint64("nonce", req.Nonce),
	)

	result, err := e.replace(ctx, req, log)
	outcome := "replaced"
	if err != nil {
		outcome = "replace_" + apperr.CodeOf(err)
		log.Warn("Replacement failed: %v", err)
	}
	e.metrics.ObserveTransfer(outcome, time.Since(started))
	return result, err
}

func (e *Executor) replace(ctx context.Context, req ReplaceRequest, log *logger.Logger) (*TransferResult, error) {
	if !common.IsHexAddress(req.Address) {
		return nil, apperr.New(apperr.CodeInvalidAddress, "invalid recipient address", nil)
	}
	amount := req.Amount.Shift(e.decimals).BigInt()
	if amount.Sign() <= 0 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "transfer amount must be positive", nil)
	}

	lease, err := e.pool.AcquireWallet(ctx, req.Sender)
	if err != nil {
		if errors.Is(err, wallet.ErrNoWalletAvailable) {
			e.metrics.ObserveWalletBusy()
			return nil, apperr.New(apperr.CodeWalletPoolBusy, "funding wallet "+req.Sender.Hex()+" is busy", err)
		}
		return nil, apperr.New(apperr.CodeUnknownError, "cannot sign replacement", err)
	}
	defer lease.Release(context.WithoutCancel(ctx))

	gasPrice, err := e.gasPrice(ctx, 1)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	if bumped := e.replacementFloor(req.PrevGasPrice); bumped != nil && bumped.Cmp(gasPrice) > 0 {
		gasPrice = bumped
	}

	nonce := req.Nonce
	result := &TransferResult{Wallet: lease.Wallet.Address.Hex(), Attempts: 1}
	sub, err := e.submit(ctx, lease.Wallet, common.HexToAddress(req.Address), amount, gasPrice, &nonce, log)
	if sub != nil {
		result.TxHash = sub.Hash.Hex()
	}
	return e.record(ctx, req.ClaimID, result, err, log)
}

// replacementFloor 节点只接受比原价高出至少 10% 的替换交易
func (e *Executor) replacementFloor(prev *big.Int) *big.Int {
	if prev == nil || prev.Sign() <= 0 {
		return nil
	}
	pct := e.escalationPct
	if pct < 10 {
		pct = 10
	}
	floor := new(big.Int).Mul(prev, big.NewInt(100+pct))
	floor.Div(floor, big.NewInt(100))
	return floor.Add(floor, big.NewInt(1))
}

func (e *Executor) preflight(ctx context.Context, funder common.Address, amount *big.Int) error {
	native, err := e.chain.NativeBalance(ctx, funder)
	if err != nil {
		return apperr.New(apperr.CodeTokenCheckFailed, "failed to read funding wallet balance", err)
	}
	if native.Cmp(e.minGas) < 0 {
		return apperr.New(apperr.CodeInsufficientGas, "funding wallet "+funder.Hex()+" is low on gas", nil)
	}

	tokens, err := e.chain.TokenBalance(ctx, funder)
	if err != nil {
		return apperr.New(apperr.CodeTokenCheckFailed, "failed to read funding wallet token balance", err)
	}
	if tokens.Cmp(amount) < 0 {
		return apperr.New(apperr.CodeInsufficientTokens, "funding wallet "+funder.Hex()+" is low on tokens", nil)
	}
	return nil
}

func (e *Executor) ensureAllowance(ctx context.Context, funder *wallet.FundingWallet, amount *big.Int, log *logger.Logger) error {
	spender := e.chain.AirdropAddress()
	current, err := e.chain.Allowance(ctx, funder.Address, spender)
	if err != nil {
		return apperr.New(apperr.CodeTokenCheckFailed, "failed to read allowance", err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}

	gasPrice, err := e.gasPrice(ctx, 0)
	if err != nil {
		return apperr.New(apperr.CodeApprovalFailed, "failed to price approval", err)
	}
	txHash, err := e.chain.Approve(ctx, funder.PrivateKey, spender, e.allowance, gasPrice)
	if err != nil {
		return apperr.New(apperr.CodeApprovalFailed, "approve failed", err)
	}
	log.Info("Approval submitted: %s", txHash.Hex())

	receipt, err := e.await(ctx, txHash)
	if err != nil {
		return apperr.New(apperr.CodeApprovalFailed, "approval not confirmed", err).WithTx(txHash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return apperr.New(apperr.CodeApprovalFailed, "approval reverted", nil).WithTx(txHash.Hex())
	}
	return nil
}

// gasPrice 第 n 次重提在建议价格上提高 n * escalation 个百分点
func (e *Executor) gasPrice(ctx context.Context, escalation int) (*big.Int, error) {
	suggested, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	pct := big.NewInt(100 + int64(escalation)*e.escalationPct)
	price := new(big.Int).Mul(suggested, pct)
	return price.Div(price, big.NewInt(100)), nil
}

func (e *Executor) submit(ctx context.Context, funder *wallet.FundingWallet, recipient common.Address, amount, gasPrice *big.Int, nonce *uint64, log *logger.Logger) (*chain.Submission, error) {
	sub, err := e.chain.Airdrop(ctx, funder.PrivateKey, recipient, amount, gasPrice, nonce)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	if sub.GasPrice == nil {
		sub.GasPrice = gasPrice
	}
	txHash := sub.Hash.Hex()
	log.Info("Transfer submitted: tx=%s nonce=%d gas_price=%s", txHash, sub.Nonce, sub.GasPrice.String())

	receipt, err := e.await(ctx, sub.Hash)
	if err != nil {
		return sub, &PendingError{
			Submission: sub,
			Err:        apperr.New(apperr.CodeConfirmationTimeout, "transaction not confirmed in time", err).WithTx(txHash),
		}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return sub, apperr.New(apperr.CodeTxReverted, "transaction reverted", nil).WithTx(txHash)
	}
	return sub, nil
}

// await 等待确认, 最长 confirmWait
func (e *Executor) await(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmWait)
	defer cancel()
	return e.chain.WaitReceipt(waitCtx, hash)
}
