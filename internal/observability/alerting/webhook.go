package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// WebhookConfig 描述告警 webhook 的投递参数。
type WebhookConfig struct {
	URL         string
	Headers     map[string]string
	Timeout     time.Duration
	MaxAttempts uint
}

// WebhookNotifier 以 JSON 形式将告警 POST 到外部地址，5xx 与网络错误按指数退避重试。
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	policy func() backoff.BackOff
}

// NewWebhookNotifier 创建 WebhookNotifier。
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("webhook 地址不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		policy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}, nil
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 投递告警事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	return n.post(ctx, payload)
}

// Send 实现 SlackSender，向 Slack incoming webhook 发送文本。
func (n *WebhookNotifier) Send(ctx context.Context, channel, content string) error {
	payload, err := json.Marshal(map[string]string{"channel": channel, "text": content})
	if err != nil {
		return fmt.Errorf("序列化 Slack 消息失败: %w", err)
	}
	return n.post(ctx, payload)
}

func (n *WebhookNotifier) post(ctx context.Context, payload []byte) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range n.cfg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := n.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		switch {
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return struct{}{}, backoff.Permanent(fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(n.policy()), backoff.WithMaxTries(n.cfg.MaxAttempts))
	return err
}
