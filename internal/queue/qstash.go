package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upon-ly/QR-auction-web-sub004/internal/config"
	"github.com/upon-ly/QR-auction-web-sub004/internal/logger"
)

// RetryMessage 延迟队列回调的消息体
type RetryMessage struct {
	FailureID string `json:"failure_id"`
}

// QStashDispatcher 通过 QStash 兼容接口投递延迟任务
type QStashDispatcher struct {
	baseURL     string
	token       string
	callbackURL string
	httpClient  *http.Client
}

func NewQStashDispatcher(cfg config.QueueConfig) *QStashDispatcher {
	return &QStashDispatcher{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		callbackURL: cfg.CallbackURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Schedule 在 delay 之后回调 callback_url
func (d *QStashDispatcher) Schedule(ctx context.Context, failureID string, delay time.Duration) error {
	body, err := json.Marshal(RetryMessage{FailureID: failureID})
	if err != nil {
		return fmt.Errorf("failed to encode retry message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v2/publish/"+d.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/json")
	if delay > 0 {
		req.Header.Set("Upstash-Delay", fmt.Sprintf("%ds", int64(delay.Seconds())))
	}
	// 去重 ID, 同一失败同一时刻只投递一次
	req.Header.Set("Upstash-Deduplication-Id", fmt.Sprintf("%s-%d", failureID, time.Now().Add(delay).Unix()))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish retry message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("qstash returned status %d: %s", resp.StatusCode, string(b))
	}

	logger.Debug("Scheduled retry for failure %s in %s", failureID, delay)
	return nil
}

// NoopDispatcher 外部队列关闭时使用, 由定时扫描按 next_retry_at 处理
type NoopDispatcher struct{}

func (NoopDispatcher) Schedule(ctx context.Context, failureID string, delay time.Duration) error {
	return nil
}
