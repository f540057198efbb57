package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/upon-ly/QR-auction-web-sub004/internal/apperr"
	"github.com/upon-ly/QR-auction-web-sub004/internal/cache"
	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/retry"
	"golang.org/x/time/rate"
)

// User 社交图谱中的用户信息
type User struct {
	Fid               int64
	Score             *float64
	VerifiedAddresses []string
}

// StatusError 非 200 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("neynar returned status %d: %s", e.StatusCode, e.Body)
}

// Client Neynar 用户查询, 带限流、重试和短期缓存
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	users      *cache.TTLCache
	policy     retry.Policy
}

func NewClient(cfg config.ReputationConfig) (*Client, error) {
	users, err := cache.NewTTLCache(4096, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create reputation cache: %w", err)
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
		users:   users,
		policy: retry.Policy{
			MaxAttempts: 3,
			Retryable:   isRetryable,
			Delays:      []time.Duration{200 * time.Millisecond, 500 * time.Millisecond},
		},
	}, nil
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return apperr.Classify(err).Code == apperr.CodeNetworkError
}

// GetUser 查询单个 fid, 未找到返回 nil
func (c *Client) GetUser(ctx context.Context, fid int64) (*User, error) {
	if fid <= 0 {
		return nil, nil
	}

	key := strconv.FormatInt(fid, 10)
	if v, ok := c.users.Get(key); ok {
		return v.(*User), nil
	}

	var user *User
	err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		user, err = c.fetchUser(ctx, fid)
		return err
	})
	if err != nil {
		return nil, err
	}

	if user != nil {
		c.users.Set(key, user)
	}
	return user, nil
}

// Score 返回 [0,1] 内的信誉分, 未知时为 nil
func (c *Client) Score(ctx context.Context, fid int64) (*float64, error) {
	user, err := c.GetUser(ctx, fid)
	if err != nil || user == nil {
		return nil, err
	}
	return user.Score, nil
}

// IsVerifiedAddress 地址是否仍是该 fid 的已验证地址
func (c *Client) IsVerifiedAddress(ctx context.Context, fid int64, address string) (bool, error) {
	user, err := c.GetUser(ctx, fid)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, nil
	}
	for _, a := range user.VerifiedAddresses {
		if strings.EqualFold(a, address) {
			return true, nil
		}
	}
	return false, nil
}

type bulkUserResponse struct {
	Users []struct {
		Fid          int64 `json:"fid"`
		Experimental struct {
			NeynarUserScore *float64 `json:"neynar_user_score"`
		} `json:"experimental"`
		VerifiedAddresses struct {
			EthAddresses []string `json:"eth_addresses"`
		} `json:"verified_addresses"`
	} `json:"users"`
}

func (c *Client) fetchUser(ctx context.Context, fid int64) (*User, error) {
	u, err := url.Parse(c.baseURL + "/v2/farcaster/user/bulk")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("fids", strconv.FormatInt(fid, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call neynar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var response bulkUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode neynar response: %w", err)
	}

	for _, raw := range response.Users {
		if raw.Fid != fid {
			continue
		}
		user := &User{Fid: raw.Fid, VerifiedAddresses: raw.VerifiedAddresses.EthAddresses}
		if s := raw.Experimental.NeynarUserScore; s != nil && *s >= 0 && *s <= 1 {
			score := *s
			user.Score = &score
		}
		return user, nil
	}
	return nil, nil
}
