package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/upon-ly/QR-auction-web-sub004/internal/balance"
	"github.com/upon-ly/QR-auction-web-sub004/internal/cache"
	"github.com/upon-ly/QR-auction-web-sub004/internal/chain"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/executor"
	"github.com/upon-ly/QR-auction-web-sub004/internal/handler"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logic"
	"github.com/upon-ly/QR-auction-web-sub004/internal/metrics"
	"github.com/upon-ly/QR-auction-web-sub004/internal/queue"
	"github.com/upon-ly/QR-auction-web-sub004/internal/repository"
	"github.com/upon-ly/QR-auction-web-sub004/internal/reputation"
	"github.com/upon-ly/QR-auction-web-sub004/internal/router"
	"github.com/upon-ly/QR-auction-web-sub004/internal/task"
	"github.com/upon-ly/QR-auction-web-sub004/internal/wallet"
)

func main() {
	// 加载配置
	cfg := config.Load()

	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatal("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// 初始化数据库
	db, err := repository.Init(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database: %v", err)
	}
	claimRepo := repository.NewClaimRepository(db)
	failureRepo := repository.NewClaimFailureRepository(db)
	tierRepo := repository.NewScoreTierRepository(db)
	snapshotRepo := repository.NewBalanceSnapshotRepository(db)
	if err := tierRepo.SeedDefaults(ctx); err != nil {
		logger.Fatal("Failed to seed score tiers: %v", err)
	}

	// 分布式锁
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to redis: %v", err)
	}
	locker := wallet.NewRedisLocker(rdb)

	// 初始化链客户端
	chainManager, err := chain.NewManager(cfg.Chain)
	if err != nil {
		logger.Fatal("Failed to initialize chain manager: %v", err)
	}
	defer chainManager.Close()

	pool, err := wallet.NewPool(cfg.Wallet, locker)
	if err != nil {
		logger.Fatal("Failed to initialize wallet pool: %v", err)
	}

	reputationClient, err := reputation.NewClient(cfg.Reputation)
	if err != nil {
		logger.Fatal("Failed to initialize reputation client: %v", err)
	}
	checker, err := balance.NewChecker(chainManager, snapshotRepo, cfg.Claim)
	if err != nil {
		logger.Fatal("Failed to initialize balance checker: %v", err)
	}

	tierCache, err := cache.NewTTLCache(16, cfg.Claim.TierCacheTTL)
	if err != nil {
		logger.Fatal("Failed to create tier cache: %v", err)
	}
	amountCache, err := cache.NewTTLCache(10000, cfg.Claim.AmountCacheTTL)
	if err != nil {
		logger.Fatal("Failed to create amount cache: %v", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	scorer := logic.NewScorer(reputationClient, checker, tierRepo, tierCache, cache.NewCoalescer(amountCache), m)
	guard := logic.NewGuard(claimRepo)
	identityLocks := logic.NewIdentityLock(locker, cfg.Claim.IdentityLockTTL)

	exec, err := executor.New(chainManager, pool, guard, claimRepo, m, cfg.Chain, cfg.Executor)
	if err != nil {
		logger.Fatal("Failed to initialize executor: %v", err)
	}

	var dispatcher logic.Dispatcher = queue.NoopDispatcher{}
	if cfg.Queue.Enabled {
		dispatcher = queue.NewQStashDispatcher(cfg.Queue)
	}

	retries := logic.NewRetryLogic(logic.RetryDeps{
		Failures:   failureRepo,
		Claims:     claimRepo,
		Guard:      guard,
		Locks:      identityLocks,
		Transfer:   exec,
		Dispatcher: dispatcher,
		Prereq:     reputationClient,
		Receipts:   chainManager,
		Replacer:   exec,
		Metrics:    m,
	}, cfg.Retry)
	claims := logic.NewClaimLogic(cfg.Claim, scorer, guard, identityLocks, claimRepo, exec, retries, m)

	// 启动定时任务
	sweep, err := task.NewRetrySweepJob(retries, cfg.Task.Interval, cfg.Task.PoolSize, cfg.Task.Batch)
	if err != nil {
		logger.Fatal("Failed to create retry sweep: %v", err)
	}
	defer sweep.Release()
	taskManager, err := task.NewTaskManager(
		sweep,
		task.NewReconcileJob(retries, cfg.Task.Interval, cfg.Task.Batch),
		task.NewLeaseReclaimJob(retries, cfg.Task.Interval),
	)
	if err != nil {
		logger.Fatal("Failed to create task manager: %v", err)
	}
	if err := taskManager.Start(); err != nil {
		logger.Fatal("Failed to start task manager: %v", err)
	}
	defer taskManager.Stop()

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 初始化路由
	r := router.Setup(router.Handlers{
		Claim:      handler.NewClaimHandler(claims),
		Queue:      handler.NewQueueHandler(retries, queue.NewVerifier(cfg.Queue.CurrentSigningKey, cfg.Queue.NextSigningKey), cfg.Queue.CallbackURL),
		Admin:      handler.NewAdminHandler(retries, scorer),
		Health:     handler.NewHealthHandler(chainManager, pool),
		AdminToken: cfg.Admin.Token,
		Gatherer:   prometheus.DefaultGatherer,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("Server starting on port %s (wallets=%d, mode=%s)", cfg.Server.Port, pool.Size(), cfg.Wallet.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown: %v", err)
	}
}
