package logic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
	"github.com/upon-ly/QR-auction-web-sub004/internal/wallet"
	"golang.org/x/sync/errgroup"
)

// ClaimLookup 成功记录和在途记录查询
type ClaimLookup interface {
	FindSuccessByAddress(ctx context.Context, address, program string) (*model.ClaimModel, error)
	FindSuccessByFid(ctx context.Context, fid int64, program string) (*model.ClaimModel, error)
	FindInFlight(ctx context.Context, address string, fid int64, program string) (*model.ClaimModel, error)
}

// Guard 重复领取检查, 作用于整个计划
type Guard struct {
	claims ClaimLookup
}

func NewGuard(claims ClaimLookup) *Guard {
	return &Guard{claims: claims}
}

// Prior 同时按地址和 fid 查询, 返回已有的成功记录及其匹配方式
func (g *Guard) Prior(ctx context.Context, address string, fid int64, program string) (*model.ClaimModel, string, error) {
	var byAddress, byFid *model.ClaimModel

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		byAddress, err = g.claims.FindSuccessByAddress(egCtx, address, program)
		return err
	})
	if fid > 0 {
		eg.Go(func() error {
			var err error
			byFid, err = g.claims.FindSuccessByFid(egCtx, fid, program)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, "", apperr.New(apperr.CodeDatabaseError, "duplicate check failed", err)
	}

	if byAddress != nil {
		return byAddress, apperr.CodeDuplicateClaimAddress, nil
	}
	if byFid != nil {
		return byFid, apperr.CodeDuplicateClaimFid, nil
	}
	return nil, "", nil
}

// Check 任一查询命中即拒绝, 错误中带原交易哈希. 已广播未确认的转账同样拒绝
func (g *Guard) Check(ctx context.Context, address string, fid int64, program string) error {
	prior, code, err := g.Prior(ctx, address, fid, program)
	if err != nil {
		return err
	}
	if prior == nil {
		inFlight, err := g.claims.FindInFlight(ctx, address, fid, program)
		if err != nil {
			return apperr.New(apperr.CodeDatabaseError, "duplicate check failed", err)
		}
		if inFlight != nil {
			return apperr.New(apperr.CodeClaimInProgress, "a transfer for this identity is awaiting confirmation", nil).
				WithTx(inFlight.TxHashValue())
		}
		return nil
	}

	msg := "this address has already claimed this reward"
	if code == apperr.CodeDuplicateClaimFid {
		msg = "this account has already claimed this reward"
	}
	return apperr.New(code, msg, nil).WithTx(prior.TxHashValue())
}

// IdentityLock 同一身份在同一计划下的请求串行执行
type IdentityLock struct {
	locker wallet.Locker
	ttl    time.Duration
}

func NewIdentityLock(locker wallet.Locker, ttl time.Duration) *IdentityLock {
	return &IdentityLock{locker: locker, ttl: ttl}
}

func identityKeys(program, address string, fid int64) []string {
	keys := []string{fmt.Sprintf("claim-lock:%s:%s", program, strings.ToLower(address))}
	if fid > 0 {
		keys = append(keys, fmt.Sprintf("claim-lock:%s:fid:%d", program, fid))
	}
	return keys
}

// Acquire 地址锁和 fid 锁都拿到才算成功, 否则返回 CLAIM_IN_PROGRESS
func (l *IdentityLock) Acquire(ctx context.Context, program, address string, fid int64) (func(), error) {
	type held struct{ key, token string }
	var acquired []held

	release := func() {
		releaseCtx := context.WithoutCancel(ctx)
		for _, h := range acquired {
			if err := l.locker.Unlock(releaseCtx, h.key, h.token); err != nil {
				logger.Warn("Failed to release identity lock %s: %v", h.key, err)
			}
		}
	}

	for _, key := range identityKeys(program, address, fid) {
		token, ok, err := l.locker.TryLock(ctx, key, l.ttl)
		if err != nil {
			release()
			return nil, apperr.Classify(err)
		}
		if !ok {
			release()
			return nil, apperr.New(apperr.CodeClaimInProgress, "a claim for this identity is already in progress", nil)
		}
		acquired = append(acquired, held{key: key, token: token})
	}
	return release, nil
}
