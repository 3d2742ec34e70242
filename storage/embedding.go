package storage

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// DefaultEmbeddingModel LM Studio 中 all-MiniLM-L6-v2 的模型名
const DefaultEmbeddingModel = "text-embedding-all-minilm-l6-v2"

// EmbeddingService 文本向量化接口
type EmbeddingService interface {
	// Embed 为单条文本生成向量，相同文本结果相同
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions 向量维度，探测前为 0
	Dimensions() int
}

type openAIEmbedding struct {
	client     *openai.Client
	model      string
	dimensions atomic.Int64
}

// EmbeddingOptions OpenAI 兼容向量化接口的参数
type EmbeddingOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewEmbeddingService 创建基于 go-openai 的向量化服务
func NewEmbeddingService(opts EmbeddingOptions) EmbeddingService {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	model := opts.Model
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &openAIEmbedding{client: openai.NewClientWithConfig(cfg), model: model}
}

func (s *openAIEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (s *openAIEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided for embedding")
	}
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(s.model),
	})
	if err != nil {
		return nil, errors.Wrap(err, "embedding API failed")
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Errorf("embedding API returned %d vectors for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, errors.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	s.dimensions.CompareAndSwap(0, int64(len(vectors[0])))
	return vectors, nil
}

func (s *openAIEmbedding) Dimensions() int { return int(s.dimensions.Load()) }

// ProbeEmbedding 启动时调用一次，确认模型已加载并返回维度
func ProbeEmbedding(ctx context.Context, svc EmbeddingService) (int, error) {
	v, err := svc.Embed(ctx, "ping")
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, errors.New("embedding model returned an empty vector")
	}
	return len(v), nil
}
