package llm

import "context"

// Request 描述发送给大模型的收益确认上下文。
type Request struct {
	Vault       string
	Surplus     string
	TotalAssets string
	Threshold   string
	Reason      string
	History     []HistoryEntry
}

// Response 是大模型给出的结构化建议。
type Response struct {
	Thought string
	Harvest bool
	Reply   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// HistoryEntry 描述一次历史收益确认，为大模型提供上下文记忆。
type HistoryEntry struct {
	Executed   bool
	Surplus    string
	Recognized string
	Note       string
	CreatedAt  int64
}
