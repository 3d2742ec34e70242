package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"videoAnalyzer/core"
)

// NoContext 检索不到任何文档时放进提示词的上下文
const NoContext = "No relevant context found."

// Completer 大模型补全接口
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)
}

// Retriever 组合向量化、向量库和大模型，实现存储、检索和问答。
// embedder 或 store 为 nil 表示启动时未能就绪。
type Retriever struct {
	embedder EmbeddingService
	store    VectorStore
	llm      Completer
}

func NewRetriever(embedder EmbeddingService, store VectorStore, llm Completer) *Retriever {
	return &Retriever{embedder: embedder, store: store, llm: llm}
}

// EmbedderReady 向量化模型是否可用
func (r *Retriever) EmbedderReady() bool { return r.embedder != nil }

// StoreReady 向量库是否可用
func (r *Retriever) StoreReady() bool { return r.store != nil }

// Embed 生成文本向量
func (r *Retriever) Embed(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, core.ModelUnavailable("Embedding model")
	}
	v, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, core.Internal("Error generating embeddings", err)
	}
	return v, nil
}

// Store 向量化并写入，文本本身作为文档保存
func (r *Retriever) Store(ctx context.Context, req core.EmbeddingRequest) error {
	if r.store == nil {
		return core.StoreUnavailable()
	}
	v, err := r.Embed(ctx, req.Text)
	if err != nil {
		return err
	}
	rec := core.EmbeddingRecord{
		ID:       req.ID,
		Document: req.Text,
		Metadata: req.Metadata,
		Vector:   v,
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		return core.StoreFailed("storing", err)
	}
	slog.Debug("stored embedding", "id", req.ID, "dimension", len(v))
	return nil
}

// Query 检索与 query 最接近的 n 条记录
func (r *Retriever) Query(ctx context.Context, query string, n int) (core.QueryResult, error) {
	if r.store == nil {
		return core.QueryResult{}, core.StoreUnavailable()
	}
	v, err := r.Embed(ctx, query)
	if err != nil {
		return core.QueryResult{}, err
	}
	if n < 1 {
		return core.QueryResult{}, core.StoreFailed("querying", errors.Errorf("n_results must be a positive integer, got %d", n))
	}
	res, err := r.store.Query(ctx, v, n)
	if err != nil {
		return core.QueryResult{}, core.StoreFailed("querying", err)
	}
	return res, nil
}

// Ask 检索上下文后调用大模型回答
func (r *Retriever) Ask(ctx context.Context, req core.AskRequest) (string, error) {
	res, err := r.Query(ctx, req.Query, req.NResults)
	if err != nil {
		return "", err
	}
	if r.llm == nil {
		return "", core.LLMFailed(errors.New("LLM client not configured"))
	}
	prompt := BuildPrompt(BuildContext(res), req.Query)
	return r.llm.Complete(ctx, prompt, req.MaxTokens, req.Temperature)
}

// IndexTranscript 把视频转录文本写入向量库，ID 为 transcript-<videoID>
func (r *Retriever) IndexTranscript(ctx context.Context, videoID, transcript string) error {
	return r.Store(ctx, core.EmbeddingRequest{
		ID:   "transcript-" + videoID,
		Text: transcript,
		Metadata: map[string]any{
			"video_id": videoID,
			"source":   "transcript",
		},
	})
}

// Count 向量库中的记录数
func (r *Retriever) Count(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, core.StoreUnavailable()
	}
	return r.store.Count(ctx)
}

// BuildContext 组内文档以空格连接，组之间换行；全部为空时返回 NoContext
func BuildContext(res core.QueryResult) string {
	var b strings.Builder
	for _, docs := range res.Documents {
		b.WriteString(strings.Join(docs, " "))
		b.WriteString("\n")
	}
	if strings.TrimSpace(b.String()) == "" {
		return NoContext
	}
	return b.String()
}

// BuildPrompt 固定的问答模板
func BuildPrompt(context, query string) string {
	return fmt.Sprintf("Context: %s\n\nQuestion: %s\n\nAnswer:", context, query)
}
