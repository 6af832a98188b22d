package llm

import "context"

// Kind 区分大模型在流水线中承担的职责，提示词按职责构建。
type Kind string

const (
	// KindRephrase 将用户问题改写得更具体、更明确。
	KindRephrase Kind = "rephrase"
	// KindAnswer 基于检索上下文回答改写后的问题。
	KindAnswer Kind = "answer"
)

// Request 描述发送给大模型的一次推理上下文。
type Request struct {
	Kind     Kind
	Question string
	Context  string
	History  []HistoryEntry
}

// Response 是大模型推理得到的输出。
type Response struct {
	Text string
}

// HistoryEntry 描述一轮历史对话，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Question  string
	Answer    string
	Sources   string
	CreatedAt int64
}

// StreamFunc 在流式推理过程中逐段接收增量文本。
// 返回非 nil 错误会中止流式传输。
type StreamFunc func(chunk string) error

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	// GenerateStream 以流式方式推理，增量文本通过 fn 逐段回调，
	// 最终返回完整的响应内容。
	GenerateStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error)
}
