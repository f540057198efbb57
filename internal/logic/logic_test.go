package logic

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/cache"
	"github.com/upon-ly/QR-auction-web-sub004/internal/chain"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/executor"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
	"github.com/upon-ly/QR-auction-web-sub004/internal/repository"
	"github.com/upon-ly/QR-auction-web-sub004/internal/wallet"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), repository.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.Migrate(db))
	return db
}

type fakeReputation struct {
	mu     sync.Mutex
	scores map[int64]float64
	err    error
	calls  int
	delay  time.Duration
}

func (f *fakeReputation) Score(ctx context.Context, fid int64) (*float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.scores[fid]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

type fakeBalances struct {
	ok  bool
	err error
}

func (f *fakeBalances) HadMinimumBalance(ctx context.Context, address string) (bool, error) {
	return f.ok, f.err
}

type failingTiers struct{}

func (failingTiers) List(ctx context.Context) ([]model.ScoreTierModel, error) {
	return nil, errors.New("relation score_tier does not exist")
}

// fakeTransfer 模拟执行器: 持锁后检查重复, 成功时写入领取记录
type fakeTransfer struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	claims *repository.ClaimRepository
	guard  *Guard

	// 替换交易默认仍未确认
	replaced        []executor.ReplaceRequest
	replaceErrs     []error
	replaceConfirms bool
}

func (f *fakeTransfer) Execute(ctx context.Context, req executor.TransferRequest) (*executor.TransferResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := f.guard.Check(ctx, req.Address, req.Fid, req.Program); err != nil {
		return nil, err
	}
	tx := fmt.Sprintf("0x%064x", n)
	if err := f.claims.MarkSuccess(ctx, req.ClaimID, tx); err != nil {
		return nil, err
	}
	return &executor.TransferResult{TxHash: tx, Attempts: 1}, nil
}

func (f *fakeTransfer) Replace(ctx context.Context, req executor.ReplaceRequest) (*executor.TransferResult, error) {
	f.mu.Lock()
	f.replaced = append(f.replaced, req)
	n := len(f.replaced)
	var err error
	if len(f.replaceErrs) > 0 {
		err, f.replaceErrs = f.replaceErrs[0], f.replaceErrs[1:]
	}
	confirms := f.replaceConfirms
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	tx := fmt.Sprintf("0x%064x", 0xf00+n)
	if !confirms {
		gas := big.NewInt(2000)
		if req.PrevGasPrice != nil {
			gas = new(big.Int).Mul(req.PrevGasPrice, big.NewInt(2))
		}
		return &executor.TransferResult{TxHash: tx}, &executor.PendingError{
			Submission: &chain.Submission{Hash: common.HexToHash(tx), From: req.Sender, Nonce: req.Nonce, GasPrice: gas},
			Err:        apperr.New(apperr.CodeConfirmationTimeout, "transaction not confirmed in time", nil).WithTx(tx),
		}
	}
	if err := f.claims.MarkSuccess(ctx, req.ClaimID, tx); err != nil {
		return nil, err
	}
	return &executor.TransferResult{TxHash: tx, Attempts: 1}, nil
}

func (f *fakeTransfer) Replacements() []executor.ReplaceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.ReplaceRequest(nil), f.replaced...)
}

func (f *fakeTransfer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDispatcher struct {
	mu        sync.Mutex
	scheduled []string
	err       error
}

func (f *fakeDispatcher) Schedule(ctx context.Context, failureID string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, failureID)
	return f.err
}

type fakePrereq struct {
	verified bool
	err      error
}

func (f *fakePrereq) IsVerifiedAddress(ctx context.Context, fid int64, address string) (bool, error) {
	return f.verified, f.err
}

// fakeReceipts receipt 对任意哈希生效, byHash 只对指定哈希生效
type fakeReceipts struct {
	receipt   *types.Receipt
	byHash    map[string]*types.Receipt
	err       error
	nonce     uint64
	nonceErr  error
	delivered *decimal.Decimal
}

func (f *fakeReceipts) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if r, ok := f.byHash[txHash.Hex()]; ok {
		return r, nil
	}
	return f.receipt, f.err
}

func (f *fakeReceipts) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeReceipts) DeliveredTo(receipt *types.Receipt, recipient common.Address) decimal.Decimal {
	if f.delivered != nil {
		return *f.delivered
	}
	return decimal.NewFromInt(1_000_000)
}

type testEnv struct {
	db         *gorm.DB
	claimsRepo *repository.ClaimRepository
	failures   *repository.ClaimFailureRepository
	tiers      *repository.ScoreTierRepository
	reputation *fakeReputation
	balances   *fakeBalances
	transfer   *fakeTransfer
	dispatcher *fakeDispatcher
	prereq     *fakePrereq
	receipts   *fakeReceipts
	scorer     *Scorer
	guard      *Guard
	retries    *RetryLogic
	claims     *ClaimLogic
	now        time.Time
}

func retryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:    5,
		Delays:         []time.Duration{20 * time.Minute, 40 * time.Minute, 60 * time.Minute, 120 * time.Minute},
		BusyDelayMin:   10 * time.Second,
		BusyDelayMax:   40 * time.Second,
		LeaseTimeout:   5 * time.Minute,
		ReconcileAfter: 30 * time.Minute,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := newTestDB(t)

	env := &testEnv{
		db:         db,
		claimsRepo: repository.NewClaimRepository(db),
		failures:   repository.NewClaimFailureRepository(db),
		tiers:      repository.NewScoreTierRepository(db),
		reputation: &fakeReputation{scores: map[int64]float64{}},
		balances:   &fakeBalances{ok: true},
		dispatcher: &fakeDispatcher{},
		prereq:     &fakePrereq{verified: true},
		receipts:   &fakeReceipts{},
		now:        time.Now(),
	}
	require.NoError(t, env.tiers.SeedDefaults(ctx))

	tierCache, err := cache.NewTTLCache(8, time.Minute)
	require.NoError(t, err)
	recent, err := cache.NewTTLCache(1024, 5*time.Second)
	require.NoError(t, err)

	env.scorer = NewScorer(env.reputation, env.balances, env.tiers, tierCache, cache.NewCoalescer(recent), nil)
	env.guard = NewGuard(env.claimsRepo)
	env.transfer = &fakeTransfer{claims: env.claimsRepo, guard: env.guard}
	locks := NewIdentityLock(wallet.NewMemoryLocker(), time.Minute)

	env.retries = NewRetryLogic(RetryDeps{
		Failures:   env.failures,
		Claims:     env.claimsRepo,
		Guard:      env.guard,
		Locks:      locks,
		Transfer:   env.transfer,
		Dispatcher: env.dispatcher,
		Prereq:     env.prereq,
		Receipts:   env.receipts,
		Replacer:   env.transfer,
	}, retryConfig())
	env.retries.now = func() time.Time { return env.now }

	env.claims = NewClaimLogic(config.ClaimConfig{
		Programs: map[string]config.ProgramConfig{
			"link_visit": {Enabled: true, Options: []string{"click", "share"}},
			"welcome":    {Enabled: true},
			"retired":    {Enabled: false},
		},
	}, env.scorer, env.guard, locks, env.claimsRepo, env.transfer, env.retries, nil)
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

var errRPC = errors.New("dial tcp: connection refused")
