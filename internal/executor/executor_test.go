package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/chain"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/wallet"
)

const recipient = "0xaaaa000000000000000000000000000000001111"

var airdropAddr = common.HexToAddress("0x00000000000000000000000000000000000a1d00")

type fakeChain struct {
	mu          sync.Mutex
	native      *big.Int
	tokens      *big.Int
	allowance   *big.Int
	airdrops    int
	approvals   int
	gasPrices   []*big.Int
	nonces      []uint64
	nextNonce   uint64
	airdropErrs []error
	status      uint64
	block       chan struct{}
	submitted   chan struct{}
	noReceipt   bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		native:    big.NewInt(1e18),
		tokens:    new(big.Int).Mul(big.NewInt(1e6), big.NewInt(1e18)),
		allowance: new(big.Int).Mul(big.NewInt(1e6), big.NewInt(1e18)),
		status:    types.ReceiptStatusSuccessful,
	}
}

func (f *fakeChain) AirdropAddress() common.Address { return airdropAddr }

func (f *fakeChain) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeChain) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return f.tokens, nil
}

func (f *fakeChain) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return f.allowance, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1000), nil
}

func (f *fakeChain) Approve(ctx context.Context, key *ecdsa.PrivateKey, spender common.Address, amount, gasPrice *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals++
	f.allowance = amount
	return common.HexToHash("0xa1"), nil
}

func (f *fakeChain) Airdrop(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount, gasPrice *big.Int, nonce *uint64) (*chain.Submission, error) {
	f.mu.Lock()
	f.airdrops++
	n := f.airdrops
	f.gasPrices = append(f.gasPrices, gasPrice)
	var err error
	if len(f.airdropErrs) > 0 {
		err, f.airdropErrs = f.airdropErrs[0], f.airdropErrs[1:]
	}
	used := f.nextNonce
	if nonce != nil {
		used = *nonce
	} else if err == nil {
		f.nextNonce++
	}
	f.nonces = append(f.nonces, used)
	f.mu.Unlock()

	if f.submitted != nil {
		f.submitted <- struct{}{}
	}
	if err != nil {
		return nil, err
	}
	return &chain.Submission{
		Hash:     common.BigToHash(big.NewInt(int64(n))),
		From:     crypto.PubkeyToAddress(key.PublicKey),
		Nonce:    used,
		GasPrice: gasPrice,
	}, nil
}

func (f *fakeChain) WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.block != nil {
		<-f.block
	}
	if f.noReceipt {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &types.Receipt{Status: f.status, TxHash: txHash}, nil
}

// fakeClaims 同时充当重复检查
type fakeClaims struct {
	mu        sync.Mutex
	success   map[string]string
	submitted map[string]string
	failMark  bool
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{success: map[string]string{}, submitted: map[string]string{}}
}

func (f *fakeClaims) Check(ctx context.Context, address string, fid int64, program string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.success[strings.ToLower(address)+"|"+program]; ok {
		return apperr.New(apperr.CodeDuplicateClaimAddress, "already claimed", nil).WithTx(tx)
	}
	return nil
}

func (f *fakeClaims) MarkSubmitted(ctx context.Context, id, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted[id] = txHash
	return nil
}

func (f *fakeClaims) MarkSuccess(ctx context.Context, id, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMark {
		return errors.New("db down")
	}
	// id 形如 "address|program"
	f.success[id] = txHash
	return nil
}

func newPool(t *testing.T, mode string) *wallet.Pool {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pool, err := wallet.NewPool(config.WalletConfig{
		Mode:        mode,
		PrivateKeys: []string{hexutil.Encode(crypto.FromECDSA(key))},
		LockTTL:     time.Minute,
		LockWait:    50 * time.Millisecond,
	}, wallet.NewMemoryLocker())
	require.NoError(t, err)
	return pool
}

func newExecutor(t *testing.T, chain Chain, claims *fakeClaims, pool *wallet.Pool) *Executor {
	t.Helper()
	e, err := New(chain, pool, claims, claims, nil, config.ChainConfig{
		TokenDecimals:    18,
		MinGasBalanceWei: "1000000000000000",
		GasEscalationPct: 25,
	}, config.ExecutorConfig{
		MaxAttempts:    3,
		ConfirmTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	return e
}

func request() TransferRequest {
	return TransferRequest{
		ClaimID: recipient + "|link_visit",
		Address: recipient,
		Program: "link_visit",
		Amount:  decimal.NewFromInt(100),
	}
}

func TestExecuteSuccess(t *testing.T) {
	chain := newFakeChain()
	claims := newFakeClaims()
	e := newExecutor(t, chain, claims, newPool(t, "pool"))

	result, err := e.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.NotEmpty(t, result.TxHash)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, result.Warning)
	assert.Equal(t, result.TxHash, claims.success[request().ClaimID])
	assert.Equal(t, int64(1000), chain.gasPrices[0].Int64())
}

func TestExecuteTwiceTransfersOnce(t *testing.T) {
	chain := newFakeChain()
	claims := newFakeClaims()
	e := newExecutor(t, chain, claims, newPool(t, "pool"))

	first, err := e.Execute(context.Background(), request())
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), request())
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeDuplicateClaimAddress, appErr.Code)
	assert.Equal(t, first.TxHash, appErr.TxHash)
	assert.Equal(t, 1, chain.airdrops)
}

func TestExecuteWalletBusy(t *testing.T) {
	chain := newFakeChain()
	chain.block = make(chan struct{})
	chain.submitted = make(chan struct{}, 1)
	claims := newFakeClaims()
	e := newExecutor(t, chain, claims, newPool(t, "pool"))

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), request())
		done <- err
	}()
	<-chain.submitted

	other := request()
	other.Address = "0xbbbb000000000000000000000000000000002222"
	other.ClaimID = other.Address + "|link_visit"
	_, err := e.Execute(context.Background(), other)
	assert.Equal(t, apperr.CodeWalletPoolBusy, apperr.CodeOf(err))
	assert.True(t, apperr.IsRetryable(err))

	close(chain.block)
	require.NoError(t, <-done)
}

func TestExecuteInsufficientGas(t *testing.T) {
	chain := newFakeChain()
	chain.native = big.NewInt(1)
	e := newExecutor(t, chain, newFakeClaims(), newPool(t, "pool"))

	_, err := e.Execute(context.Background(), request())
	assert.Equal(t, apperr.CodeInsufficientGas, apperr.CodeOf(err))
	assert.False(t, apperr.IsRetryable(err))
	assert.Equal(t, 0, chain.airdrops)
}

func TestExecuteInsufficientTokens(t *testing.T) {
	chain := newFakeChain()
	chain.tokens = big.NewInt(5)
	e := newExecutor(t, chain, newFakeClaims(), newPool(t, "pool"))

	_, err := e.Execute(context.Background(), request())
	assert.Equal(t, apperr.CodeInsufficientTokens, apperr.CodeOf(err))
}

func TestExecuteApprovesWhenAllowanceLow(t *testing.T) {
	chain := newFakeChain()
	chain.allowance = big.NewInt(0)
	e := newExecutor(t, chain, newFakeClaims(), newPool(t, "pool"))

	_, err := e.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 1, chain.approvals)
	assert.Equal(t, 256, chain.allowance.BitLen())
}

func TestExecuteEscalatesGasOnUnderpriced(t *testing.T) {
	chain := newFakeChain()
	chain.airdropErrs = []error{
		errors.New("replacement transaction underpriced"),
		errors.New("nonce too low"),
	}
	e := newExecutor(t, chain, newFakeClaims(), newPool(t, "pool"))

	result, err := e.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
	require.Len(t, chain.gasPrices, 3)
	assert.Equal(t, int64(1000), chain.gasPrices[0].Int64())
	assert.Equal(t, int64(1250), chain.gasPrices[1].Int64())
	assert.Equal(t, int64(1500), chain.gasPrices[2].Int64())
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	chain := newFakeChain()
	chain.airdropErrs = []error{
		errors.New("connection reset"), errors.New("connection reset"),
		errors.New("connection reset"), errors.New("connection reset"),
	}
	e := newExecutor(t, chain, newFakeClaims(), newPool(t, "pool"))

	_, err := e.Execute(context.Background(), request())
	assert.Equal(t, apperr.CodeNetworkError, apperr.CodeOf(err))
	assert.Equal(t, 3, chain.airdrops)
}

func TestExecuteConfirmationTimeout(t *testing.T) {
	chain := newFakeChain()
	chain.noReceipt = true
	claims := newFakeClaims()
	e := newExecutor(t, chain, claims, newPool(t, "pool"))

	result, err := e.Execute(context.Background(), request())
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeConfirmationTimeout, appErr.Code)
	assert.NotEmpty(t, appErr.TxHash)
	assert.Equal(t, appErr.TxHash, result.TxHash)
	// 超时不在本次调用内重提
	assert.Equal(t, 1, chain.airdrops)
	assert.Equal(t, appErr.TxHash, claims.submitted[request().ClaimID])
}

func TestExecuteRecordFailureIsWarning(t *testing.T) {
	chain := newFakeChain()
	claims := newFakeClaims()
	claims.failMark = true
	e := newExecutor(t, chain, claims, newPool(t, "pool"))

	result, err := e.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warning)
	assert.NotEmpty(t, result.TxHash)
}

func TestExecuteRejectsBadInput(t *testing.T) {
	e := newExecutor(t, newFakeChain(), newFakeClaims(), newPool(t, "pool"))

	req := request()
	req.Address = "nope"
	_, err := e.Execute(context.Background(), req)
	assert.Equal(t, apperr.CodeInvalidAddress, apperr.CodeOf(err))

	req = request()
	req.Amount = decimal.Zero
	_, err = e.Execute(context.Background(), req)
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))
}

func TestExecuteTimeoutCarriesNonce(t *testing.T) {
	fc := newFakeChain()
	fc.noReceipt = true
	e := newExecutor(t, fc, newFakeClaims(), newPool(t, "pool"))

	_, err := e.Execute(context.Background(), request())
	var pending *PendingError
	require.True(t, errors.As(err, &pending))
	assert.Equal(t, uint64(0), pending.Submission.Nonce)
	assert.NotEqual(t, common.Address{}, pending.Submission.From)
	assert.Equal(t, int64(1000), pending.Submission.GasPrice.Int64())
	assert.Equal(t, apperr.CodeConfirmationTimeout, apperr.CodeOf(err))
}

func TestReplaceReusesNonce(t *testing.T) {
	fc := newFakeChain()
	fc.noReceipt = true
	claims := newFakeClaims()
	e := newExecutor(t, fc, claims, newPool(t, "pool"))

	_, err := e.Execute(context.Background(), request())
	var pending *PendingError
	require.True(t, errors.As(err, &pending))

	fc.noReceipt = false
	result, err := e.Replace(context.Background(), ReplaceRequest{
		TransferRequest: request(),
		Sender:          pending.Submission.From,
		Nonce:           pending.Submission.Nonce,
		PrevGasPrice:    pending.Submission.GasPrice,
	})
	require.NoError(t, err)
	require.Len(t, fc.nonces, 2)
	assert.Equal(t, fc.nonces[0], fc.nonces[1])
	// 建议价上浮 25% 为 1250, 低于原价加 25% 的替换下限
	assert.Equal(t, int64(1251), fc.gasPrices[1].Int64())
	assert.NotEqual(t, pending.Submission.Hash.Hex(), result.TxHash)
	assert.Equal(t, result.TxHash, claims.success[request().ClaimID])
}

func TestReplaceStillPending(t *testing.T) {
	fc := newFakeChain()
	fc.noReceipt = true
	claims := newFakeClaims()
	e := newExecutor(t, fc, claims, newPool(t, "pool"))

	_, err := e.Execute(context.Background(), request())
	var first *PendingError
	require.True(t, errors.As(err, &first))

	_, err = e.Replace(context.Background(), ReplaceRequest{
		TransferRequest: request(),
		Sender:          first.Submission.From,
		Nonce:           first.Submission.Nonce,
		PrevGasPrice:    first.Submission.GasPrice,
	})
	var second *PendingError
	require.True(t, errors.As(err, &second))
	assert.Equal(t, first.Submission.Nonce, second.Submission.Nonce)
	assert.Equal(t, second.Submission.Hash.Hex(), claims.submitted[request().ClaimID])
	assert.Empty(t, claims.success)
}

func TestReplaceUnknownSender(t *testing.T) {
	fc := newFakeChain()
	e := newExecutor(t, fc, newFakeClaims(), newPool(t, "pool"))

	_, err := e.Replace(context.Background(), ReplaceRequest{
		TransferRequest: request(),
		Sender:          common.HexToAddress("0x0000000000000000000000000000000000000bad"),
		Nonce:           3,
	})
	assert.Equal(t, apperr.CodeUnknownError, apperr.CodeOf(err))
	assert.Equal(t, 0, fc.airdrops)
}
