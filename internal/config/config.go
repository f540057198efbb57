package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	Reputation ReputationConfig `mapstructure:"reputation"`
	Claim      ClaimConfig      `mapstructure:"claim"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Task       TaskConfig       `mapstructure:"task"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig 分布式锁使用的 Redis
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ChainConfig 链与合约配置
type ChainConfig struct {
	ChainType         string `mapstructure:"chain_type"`          // 链类型 (base, ethereum, ...)
	ChainId           int64  `mapstructure:"chain_id"`            // 链ID
	RpcUrl            string `mapstructure:"rpc_url"`             // RPC节点URL
	TokenAddress      string `mapstructure:"token_address"`       // 奖励代币合约
	TokenDecimals     int32  `mapstructure:"token_decimals"`      // 代币精度
	AirdropAddress    string `mapstructure:"airdrop_address"`     // 空投合约
	MinGasBalanceWei  string `mapstructure:"min_gas_balance_wei"` // 资金钱包最低原生币余额
	StandingAllowance string `mapstructure:"standing_allowance"`  // 授权额度, 空表示 max uint256
	GasEscalationPct  int64  `mapstructure:"gas_escalation_pct"`  // 每次重试提高的 gas 百分点
}

// WalletConfig 资金钱包池配置
type WalletConfig struct {
	Mode          string        `mapstructure:"mode"`           // pool | direct
	DirectAddress string        `mapstructure:"direct_address"` // direct 模式下使用的钱包
	PrivateKeys   []string      `mapstructure:"private_keys"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	LockWait      time.Duration `mapstructure:"lock_wait"`
}

// ReputationConfig Neynar 信誉分服务
type ReputationConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	RateLimit float64       `mapstructure:"rate_limit"` // 每秒请求数
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ProgramConfig 单个奖励计划
type ProgramConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Options []string `mapstructure:"options"`
}

type ClaimConfig struct {
	Programs          map[string]ProgramConfig `mapstructure:"programs"`
	WebBalanceWindow  time.Duration            `mapstructure:"web_balance_window"`
	WebMinBalanceWei  string                   `mapstructure:"web_min_balance_wei"`
	BalanceSamples    int                      `mapstructure:"balance_samples"`
	AmountCacheTTL    time.Duration            `mapstructure:"amount_cache_ttl"`
	TierCacheTTL      time.Duration            `mapstructure:"tier_cache_ttl"`
	IdentityLockTTL   time.Duration            `mapstructure:"identity_lock_ttl"`
	BlockTimeSeconds  int64                    `mapstructure:"block_time_seconds"`
	SnapshotFreshness time.Duration            `mapstructure:"snapshot_freshness"`
}

type ExecutorConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptDelay   time.Duration `mapstructure:"attempt_delay"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

type RetryConfig struct {
	MaxAttempts    int             `mapstructure:"max_attempts"`
	Delays         []time.Duration `mapstructure:"delays"`
	BusyDelayMin   time.Duration   `mapstructure:"busy_delay_min"`
	BusyDelayMax   time.Duration   `mapstructure:"busy_delay_max"`
	LeaseTimeout   time.Duration   `mapstructure:"lease_timeout"`
	ReconcileAfter time.Duration   `mapstructure:"reconcile_after"`
}

// QueueConfig 外部延迟队列 (QStash 兼容)
type QueueConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	BaseURL           string `mapstructure:"base_url"`
	Token             string `mapstructure:"token"`
	CallbackURL       string `mapstructure:"callback_url"`
	CurrentSigningKey string `mapstructure:"current_signing_key"`
	NextSigningKey    string `mapstructure:"next_signing_key"`
}

type TaskConfig struct {
	Interval int `mapstructure:"interval"` // 秒
	PoolSize int `mapstructure:"pool_size"`
	Batch    int `mapstructure:"batch"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug, info, warn, error, fatal
	Output string `mapstructure:"output"` // 输出目标: stdout, file
	File   string `mapstructure:"file"`   // 日志文件路径（当output为file时使用）
}

// GetLevel 实现 logger.LogConfig 接口
func (l LogConfig) GetLevel() string {
	return l.Level
}

// GetOutput 实现 logger.LogConfig 接口
func (l LogConfig) GetOutput() string {
	return l.Output
}

// GetFile 实现 logger.LogConfig 接口
func (l LogConfig) GetFile() string {
	return l.File
}

// IsDirect 是否绕过钱包池
func (w WalletConfig) IsDirect() bool {
	return strings.EqualFold(w.Mode, "direct")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "qrclaim")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("chain.chain_type", "base")
	v.SetDefault("chain.chain_id", 8453)
	v.SetDefault("chain.token_decimals", 18)
	v.SetDefault("chain.min_gas_balance_wei", "1000000000000000") // 0.001 ETH
	v.SetDefault("chain.gas_escalation_pct", 25)
	v.SetDefault("wallet.mode", "pool")
	v.SetDefault("wallet.lock_wait", 10*time.Second)
	v.SetDefault("reputation.base_url", "https://api.neynar.com")
	v.SetDefault("reputation.cache_ttl", 5*time.Minute)
	v.SetDefault("reputation.rate_limit", 5.0)
	v.SetDefault("reputation.timeout", 8*time.Second)
	v.SetDefault("claim.web_balance_window", 90*24*time.Hour)
	v.SetDefault("claim.web_min_balance_wei", "1000000000000000")
	v.SetDefault("claim.balance_samples", 6)
	v.SetDefault("claim.amount_cache_ttl", 5*time.Second)
	v.SetDefault("claim.tier_cache_ttl", 5*time.Minute)
	v.SetDefault("claim.block_time_seconds", 2)
	v.SetDefault("claim.snapshot_freshness", 24*time.Hour)
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.attempt_delay", 2*time.Second)
	v.SetDefault("executor.confirm_timeout", 25*time.Second)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.delays", []string{"20m", "40m", "60m", "120m"})
	v.SetDefault("retry.busy_delay_min", 10*time.Second)
	v.SetDefault("retry.busy_delay_max", 40*time.Second)
	v.SetDefault("retry.lease_timeout", 5*time.Minute)
	v.SetDefault("retry.reconcile_after", 30*time.Minute)
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.base_url", "https://qstash.upstash.io")
	v.SetDefault("task.interval", 60)
	v.SetDefault("task.pool_size", 4)
	v.SetDefault("task.batch", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/app.log")
}

// Load 读取 .env、配置文件与环境变量
func Load() *Config {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/qrclaim")

	setDefaults(v)

	// 自动读取环境变量, 例如 CHAIN_RPC_URL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		logger.Warn("Warning: Could not read config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		logger.Fatal("Unable to decode config into struct: %v", err)
	}
	config.normalizeLocks()

	return &config
}

// Default 仅包含默认值的配置, 测试使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(err)
	}
	config.normalizeLocks()
	return &config
}

const (
	// 单次余额采样 RPC 的预估耗时
	balanceCallBudget = 5 * time.Second
	// 信誉分和前置条件各查询一次, 每次最多 3 次尝试
	reputationCalls = 2 * 3
	lockMargin      = 30 * time.Second
)

// WalletHoldBudget 执行器持有钱包锁的最长时间: 一次授权确认加上每次提交的确认等待
func (c *Config) WalletHoldBudget() time.Duration {
	attempts := c.Executor.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return c.Executor.ConfirmTimeout + time.Duration(attempts)*(c.Executor.ConfirmTimeout+c.Executor.AttemptDelay)
}

// ClaimHoldBudget 一次领取持有身份锁的最长时间: 评分, 余额采样, 等待钱包, 转账
func (c *Config) ClaimHoldBudget() time.Duration {
	scoring := reputationCalls*c.Reputation.Timeout + time.Duration(c.Claim.BalanceSamples)*balanceCallBudget
	return scoring + c.Wallet.LockWait + c.WalletHoldBudget()
}

// normalizeLocks 锁的有效期不能短于持锁操作的最长耗时, 未配置或配置过短时按超时推导
func (c *Config) normalizeLocks() {
	if floor := c.WalletHoldBudget() + lockMargin; c.Wallet.LockTTL < floor {
		if c.Wallet.LockTTL > 0 {
			logger.Warn("wallet.lock_ttl %s is shorter than a transfer can take, using %s", c.Wallet.LockTTL, floor)
		}
		c.Wallet.LockTTL = floor
	}
	if floor := c.ClaimHoldBudget() + lockMargin; c.Claim.IdentityLockTTL < floor {
		if c.Claim.IdentityLockTTL > 0 {
			logger.Warn("claim.identity_lock_ttl %s is shorter than a claim can take, using %s", c.Claim.IdentityLockTTL, floor)
		}
		c.Claim.IdentityLockTTL = floor
	}
}
