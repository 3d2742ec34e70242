package processors

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"videoAnalyzer/core"
)

// DefaultLLMModel LM Studio 中加载的模型名
const DefaultLLMModel = "local-llm"

// LLMClient 调用 OpenAI 兼容的 /chat/completions 接口
type LLMClient struct {
	client *openai.Client
	model  string
}

// NewLLMClient baseURL 需包含 /v1，timeout 为 0 时使用 go-openai 默认的 http.Client
func NewLLMClient(baseURL, apiKey, model string, timeout time.Duration) *LLMClient {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	if model == "" {
		model = DefaultLLMModel
	}
	return &LLMClient{client: openai.NewClientWithConfig(cfg), model: model}
}

// Complete 发送单条用户消息，返回第一个候选的内容。
// 任何传输错误、非 2xx 响应或空结果都归为 KindUpstreamLLM。
func (c *LLMClient) Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	if temperature == 0 {
		// go-openai 会省略零值字段
		temperature = math.SmallestNonzeroFloat32
	}
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("Error calling LM Studio LLM", "error", err)
		return "", core.LLMFailed(err)
	}
	if len(resp.Choices) == 0 {
		return "", core.LLMFailed(errors.New("no choices returned"))
	}
	slog.Debug("LLM call complete", "model", c.model, "elapsed", time.Since(start),
		"completion_tokens", resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}
