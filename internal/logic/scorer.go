package logic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/cache"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
	"github.com/upon-ly/QR-auction-web-sub004/internal/metrics"
	"github.com/upon-ly/QR-auction-web-sub004/internal/model"
	"go.uber.org/zap"
)

// UnknownTier 档位表不可用时返回的档位名
const UnknownTier = "unknown"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress 是否为 0x 开头的 40 位十六进制地址
func ValidAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// ReputationSource 信誉分来源, 未知时返回 nil
type ReputationSource interface {
	Score(ctx context.Context, fid int64) (*float64, error)
}

// BalanceHistory 历史余额服务
type BalanceHistory interface {
	HadMinimumBalance(ctx context.Context, address string) (bool, error)
}

// TierSource 档位配置来源
type TierSource interface {
	List(ctx context.Context) ([]model.ScoreTierModel, error)
}

// Tier 一个分数档位
type Tier struct {
	Name      string          `json:"name"`
	Min       float64         `json:"min_score"`
	Max       float64         `json:"max_score"`
	Amount    decimal.Decimal `json:"amount"`
	IsDefault bool            `json:"is_default"`
}

// TierTable 按 min 降序排列的档位表
type TierTable struct {
	tiers  []Tier
	lowest Tier
}

// NewTierTable 从存储行构建档位表
func NewTierTable(rows []model.ScoreTierModel) (*TierTable, error) {
	if len(rows) == 0 {
		return nil, errors.New("score tier table is empty")
	}

	tiers := make([]Tier, 0, len(rows))
	for _, r := range rows {
		tiers = append(tiers, Tier{Name: r.Name, Min: r.MinScore, Max: r.MaxScore, Amount: r.Amount, IsDefault: r.IsDefault})
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Min > tiers[j].Min })

	lowest := tiers[len(tiers)-1]
	for _, t := range tiers {
		if t.IsDefault {
			lowest = t
			break
		}
	}
	return &TierTable{tiers: tiers, lowest: lowest}, nil
}

// Tiers 按 min 降序的全部档位
func (t *TierTable) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}

// Lowest 默认(最低)档位
func (t *TierTable) Lowest() Tier {
	return t.lowest
}

// Resolve 第一个包含该分数的档位; 未知或越界时为默认档位
func (t *TierTable) Resolve(score *float64) Tier {
	if score == nil || math.IsNaN(*score) || *score < 0 || *score > 1 {
		return t.lowest
	}
	s := *score
	for _, tier := range t.tiers {
		if s >= tier.Min && s <= tier.Max {
			return tier
		}
	}
	// 区间有空隙时取 min 不超过分数的最高档
	for _, tier := range t.tiers {
		if tier.Min <= s {
			return tier
		}
	}
	return t.lowest
}

// AmountForScore 分数对应的代币数量
func (t *TierTable) AmountForScore(score *float64) decimal.Decimal {
	return t.Resolve(score).Amount
}

// AmountResult 领取数量计算结果
type AmountResult struct {
	Address string            `json:"address"`
	Fid     int64             `json:"fid"`
	Source  model.ClaimSource `json:"claim_source"`
	Score   *float64          `json:"score"`
	Tier    string            `json:"tier"`
	Amount  decimal.Decimal   `json:"amount"`
}

// Scorer 信誉/资格评分
type Scorer struct {
	reputation ReputationSource
	balances   BalanceHistory
	tierSource TierSource
	tierCache  *cache.TTLCache
	coalescer  *cache.Coalescer
	metrics    *metrics.Metrics
}

func NewScorer(reputation ReputationSource, balances BalanceHistory, tiers TierSource,
	tierCache *cache.TTLCache, coalescer *cache.Coalescer, m *metrics.Metrics) *Scorer {
	return &Scorer{
		reputation: reputation,
		balances:   balances,
		tierSource: tiers,
		tierCache:  tierCache,
		coalescer:  coalescer,
		metrics:    m,
	}
}

const tierCacheKey = "score_tiers"

// Tiers 读取档位表, 带缓存
func (s *Scorer) Tiers(ctx context.Context) (*TierTable, error) {
	if v, ok := s.tierCache.Get(tierCacheKey); ok {
		return v.(*TierTable), nil
	}
	rows, err := s.tierSource.List(ctx)
	if err != nil {
		return nil, err
	}
	table, err := NewTierTable(rows)
	if err != nil {
		return nil, err
	}
	s.tierCache.Set(tierCacheKey, table)
	return table, nil
}

// InvalidateTiers 档位配置变更后调用
func (s *Scorer) InvalidateTiers() {
	s.tierCache.Delete(tierCacheKey)
}

// RefreshTiers 丢弃缓存并立即重新加载档位表
func (s *Scorer) RefreshTiers(ctx context.Context) ([]Tier, error) {
	s.InvalidateTiers()
	table, err := s.Tiers(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("Score tiers reloaded: %d tier(s)", len(table.tiers))
	return table.Tiers(), nil
}

// GetClaimAmount 计算身份可领取的代币数量. 相同参数的并发调用共享一次计算
func (s *Scorer) GetClaimAmount(ctx context.Context, address string, source model.ClaimSource, fid int64) (*AmountResult, error) {
	if !ValidAddress(address) {
		return nil, apperr.New(apperr.CodeInvalidAddress, "invalid address", nil)
	}
	if !source.Valid() {
		return nil, apperr.New(apperr.CodeInvalidRequest, fmt.Sprintf("unknown claim source %q", source), nil)
	}
	address = strings.ToLower(address)

	key := strings.Join([]string{address, string(source), strconv.FormatInt(fid, 10)}, "|")
	v, err := s.coalescer.Do(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.compute(ctx, address, source, fid)
	})
	if err != nil {
		// 不给出虚假的数量
		return &AmountResult{Address: address, Fid: fid, Source: source, Tier: UnknownTier, Amount: decimal.Zero}, err
	}

	result := *v.(*AmountResult)
	return &result, nil
}

func (s *Scorer) compute(ctx context.Context, address string, source model.ClaimSource, fid int64) (*AmountResult, error) {
	log := logger.With(zap.String("address", address), zap.Int64("fid", fid), zap.String("source", string(source)))

	table, err := s.Tiers(ctx)
	if err != nil {
		log.Error("Score tiers unavailable: %v", err)
		return nil, apperr.New(apperr.CodeAmountUnavailable, "reward amount is temporarily unavailable", err)
	}

	score, err := s.reputation.Score(ctx, fid)
	if err != nil {
		log.Warn("Reputation lookup failed, using lowest tier: %v", err)
		score = nil
	}
	tier := table.Resolve(score)

	if source == model.ClaimSourceWeb && tier.Name != table.Lowest().Name {
		ok, err := s.balances.HadMinimumBalance(ctx, address)
		if err != nil {
			log.Warn("Historical balance check failed, using lowest tier: %v", err)
			tier = table.Lowest()
		} else if !ok {
			log.Info("Wallet history below minimum, using lowest tier")
			tier = table.Lowest()
		}
	}

	s.metrics.ObserveAmount(tier.Name)
	return &AmountResult{
		Address: address,
		Fid:     fid,
		Source:  source,
		Score:   score,
		Tier:    tier.Name,
		Amount:  tier.Amount,
	}, nil
}
