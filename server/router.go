package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RouterOptions 路由层的限流参数
type RouterOptions struct {
	// RateLimit 每个客户端每秒请求数，<=0 关闭限流
	RateLimit float64
	RateBurst int
}

// NewRouter creates and configures the HTTP router.
func NewRouter(h *Handlers, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)
	if opts.RateLimit > 0 {
		r.Use(newClientLimiter(opts.RateLimit, opts.RateBurst).middleware)
	}

	r.HandleFunc("/", h.Root).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/analyze_video", h.AnalyzeVideo).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/generate_embeddings", h.GenerateEmbeddings).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/store_embeddings", h.StoreEmbeddings).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/query_embeddings", h.QueryEmbeddings).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ask_llm", h.AskLLM).Methods(http.MethodPost, http.MethodOptions)

	return r
}
