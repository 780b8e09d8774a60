package llm

import "context"

// Request 描述发送给大模型的一次补全请求。
type Request struct {
	System      string
	Prompt      string
	Temperature float64
}

// Response 是大模型返回的原始文本输出。
type Response struct {
	Content string
}

// Client 定义了调用单个大模型 provider 的统一接口。
// 实现必须把 provider 的失败映射为 internal/errors 中的
// PROVIDER_* 错误码，路由层依赖这些码决定是否回退。
type Client interface {
	Complete(ctx context.Context, model string, req Request) (*Response, error)
}
