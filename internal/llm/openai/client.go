package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Protego-Vault/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 30 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Generate 请求大模型评估是否应当确认当前的未确认收益。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}

	// A reply that is not the requested JSON object is treated as a refusal.
	var structured struct {
		Thought string `json:"thought"`
		Harvest bool   `json:"harvest"`
		Reply   string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return &llm.Response{Reply: content}, nil
	}
	return &llm.Response{
		Thought: structured.Thought,
		Harvest: structured.Harvest,
		Reply:   structured.Reply,
	}, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		"temperature": 0,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You review yield harvests for a tokenized vault. Recognizing surplus raises the " +
	"share price for every holder, so decline when the surplus looks transient or suspicious. " +
	"Always respond with a compact JSON object: {\"thought\": string, \"harvest\": boolean, \"reply\": string}."

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## Pending harvest\n")
	if vault := strings.TrimSpace(req.Vault); vault != "" {
		builder.WriteString(fmt.Sprintf("vault: %s\n", vault))
	}
	builder.WriteString(fmt.Sprintf("unrecognized surplus: %s\n", req.Surplus))
	builder.WriteString(fmt.Sprintf("recognized total assets: %s\n", req.TotalAssets))
	if threshold := strings.TrimSpace(req.Threshold); threshold != "" {
		builder.WriteString(fmt.Sprintf("configured threshold: %s\n", threshold))
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		builder.WriteString(fmt.Sprintf("trigger: %s\n", truncate(reason)))
	}

	if len(req.History) > 0 {
		builder.WriteString("\n## Recent harvests\n")
		for idx, entry := range req.History {
			builder.WriteString(fmt.Sprintf("[%d] executed:%t surplus:%s recognized:%s note:%s\n",
				idx+1,
				entry.Executed,
				entry.Surplus,
				entry.Recognized,
				truncate(entry.Note),
			))
			if idx >= 4 {
				break
			}
		}
	}

	builder.WriteString("\nShould the surplus be recognized now?")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}
