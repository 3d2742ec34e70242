package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"videoAnalyzer/core"
	"videoAnalyzer/initialization"
)

// Analyzer 视频分析流水线
type Analyzer interface {
	Analyze(ctx context.Context, req core.AnalysisRequest) (*core.AnalysisResult, error)
}

// KnowledgeBase 向量化、存储、检索与问答
type KnowledgeBase interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Store(ctx context.Context, req core.EmbeddingRequest) error
	Query(ctx context.Context, query string, n int) (core.QueryResult, error)
	Ask(ctx context.Context, req core.AskRequest) (string, error)
}

// HealthReporter 报告各依赖是否就绪
type HealthReporter interface {
	Readiness() initialization.Readiness
}

// RequestDefaults 请求体未给出时使用的默认值
type RequestDefaults struct {
	NResults    int
	MaxTokens   int
	Temperature float32
}

// Handlers 服务的 HTTP 处理器
type Handlers struct {
	analyzer Analyzer
	kb       KnowledgeBase
	health   HealthReporter
	defaults RequestDefaults
}

// NewHandlers 从启动时构建的 Services 创建处理器
func NewHandlers(svc *initialization.Services) *Handlers {
	cfg := svc.Config.LLM
	return NewHandlersWith(svc.Pipeline, svc.Retriever, svc, RequestDefaults{
		NResults:    cfg.DefaultQueryResult,
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
	})
}

// NewHandlersWith 直接注入各组件
func NewHandlersWith(analyzer Analyzer, kb KnowledgeBase, health HealthReporter, defaults RequestDefaults) *Handlers {
	if defaults.NResults == 0 {
		defaults.NResults = 5
	}
	if defaults.MaxTokens == 0 {
		defaults.MaxTokens = 512
	}
	return &Handlers{analyzer: analyzer, kb: kb, health: health, defaults: defaults}
}

// Root GET /
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, map[string]string{"message": "Video Analyzer Service is running"})
}

// Health GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		core.WriteJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	core.WriteJSON(w, http.StatusOK, h.health.Readiness())
}

// AnalyzeVideo POST /analyze_video
func (h *Handlers) AnalyzeVideo(w http.ResponseWriter, r *http.Request) {
	var req core.AnalysisRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if missing := missingFields(map[string]string{"video_url": req.VideoURL, "video_id": req.VideoID}); missing != "" {
		core.WriteError(w, http.StatusBadRequest, missing)
		return
	}
	if strings.HasPrefix(strings.TrimSpace(req.VideoURL), "-") {
		core.WriteError(w, http.StatusBadRequest, "Invalid video_url: must not start with '-'")
		return
	}

	result, err := h.analyzer.Analyze(r.Context(), req)
	if err != nil {
		h.fail(w, r, err, "Video analysis failed")
		return
	}
	core.WriteJSON(w, http.StatusOK, result)
}

// GenerateEmbeddings POST /generate_embeddings
func (h *Handlers) GenerateEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req core.EmbeddingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if missing := missingFields(map[string]string{"text": req.Text}); missing != "" {
		core.WriteError(w, http.StatusBadRequest, missing)
		return
	}

	vec, err := h.kb.Embed(r.Context(), req.Text)
	if err != nil {
		h.fail(w, r, err, "Error generating embeddings")
		return
	}
	core.WriteJSON(w, http.StatusOK, core.EmbeddingResponse{Embedding: vec})
}

// StoreEmbeddings POST /store_embeddings
func (h *Handlers) StoreEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req core.EmbeddingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if missing := missingFields(map[string]string{"text": req.Text, "id": req.ID}); missing != "" {
		core.WriteError(w, http.StatusBadRequest, missing)
		return
	}

	if err := h.kb.Store(r.Context(), req); err != nil {
		h.fail(w, r, err, "Error storing embeddings")
		return
	}
	core.WriteJSON(w, http.StatusOK, core.StoreResponse{Message: "Embeddings stored successfully.", ID: req.ID})
}

// QueryEmbeddings POST /query_embeddings
func (h *Handlers) QueryEmbeddings(w http.ResponseWriter, r *http.Request) {
	req := core.QueryRequest{NResults: h.defaults.NResults}
	if !decodeBody(w, r, &req) {
		return
	}
	if missing := missingFields(map[string]string{"query": req.Query}); missing != "" {
		core.WriteError(w, http.StatusBadRequest, missing)
		return
	}

	res, err := h.kb.Query(r.Context(), req.Query, req.NResults)
	if err != nil {
		h.fail(w, r, err, "Error querying embeddings")
		return
	}
	core.WriteJSON(w, http.StatusOK, res)
}

// AskLLM POST /ask_llm
func (h *Handlers) AskLLM(w http.ResponseWriter, r *http.Request) {
	req := core.AskRequest{
		NResults:    h.defaults.NResults,
		MaxTokens:   h.defaults.MaxTokens,
		Temperature: h.defaults.Temperature,
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if missing := missingFields(map[string]string{"query": req.Query}); missing != "" {
		core.WriteError(w, http.StatusBadRequest, missing)
		return
	}

	answer, err := h.kb.Ask(r.Context(), req)
	if err != nil {
		h.fail(w, r, err, "Error calling LM Studio LLM")
		return
	}
	core.WriteJSON(w, http.StatusOK, core.AskResponse{Answer: answer})
}

// fail 所有错误类型统一返回 500 和 detail
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	e := core.AsError(err, fallback)
	LoggerFrom(r.Context()).Error("request failed",
		"path", r.URL.Path,
		"kind", e.Kind,
		"error", err)
	core.WriteError(w, http.StatusInternalServerError, e.Detail())
}

// decodeBody 解析 JSON 请求体，失败时写出 400
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		core.WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// missingFields 返回空字段的说明，全部存在时返回 ""
func missingFields(fields map[string]string) string {
	var missing []string
	for _, name := range []string{"video_url", "video_id", "text", "id", "query"} {
		if v, ok := fields[name]; ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return "Missing required field: " + strings.Join(missing, ", ")
}
