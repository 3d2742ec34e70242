package initialization

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"videoAnalyzer/config"
	"videoAnalyzer/core"
	"videoAnalyzer/processors"
	"videoAnalyzer/storage"
)

// probeTimeout 启动时每个外部依赖的探测超时
const probeTimeout = 10 * time.Second

// Services 启动时构建一次、各请求共享的依赖。
// 未就绪的组件为 nil，调用方据此返回对应错误。
type Services struct {
	Config          *config.Config
	ResourceManager *core.ResourceManager
	Pipeline        *processors.Pipeline
	Retriever       *storage.Retriever

	Embedding   storage.EmbeddingService
	VectorStore storage.VectorStore
	LLM         *processors.LLMClient
	Transcriber *processors.Transcriber
	OCR         *processors.OCRStage
	OCREnabled  bool
}

// Readiness 各依赖的就绪状态
type Readiness struct {
	Embedding   bool   `json:"embedding_model"`
	VectorStore bool   `json:"vector_store"`
	Transcriber bool   `json:"transcriber"`
	ASRProvider string `json:"asr_provider,omitempty"`
	OCR         bool   `json:"ocr"`
	ActiveJobs  int    `json:"active_jobs"`
	MaxJobs     int    `json:"max_concurrent_jobs"`
}

// SystemInitializer 系统初始化器
type SystemInitializer struct {
	config *config.Config
}

// NewSystemInitializer 创建系统初始化器
func NewSystemInitializer(cfg *config.Config) *SystemInitializer {
	return &SystemInitializer{config: cfg}
}

// InitializeSystem 构建全部依赖。只有配置错误会返回 error；
// 外部模型或向量库不可用时记录警告，对应字段保持 nil。
func (si *SystemInitializer) InitializeSystem(ctx context.Context) (*Services, error) {
	cfg := si.config
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	svc := &Services{Config: cfg}

	slog.Info("initializing resource manager", "scratch_root", cfg.Analysis.ScratchRoot,
		"max_concurrent", cfg.Analysis.MaxConcurrent)
	svc.ResourceManager = core.NewResourceManager(core.ResourceConfig{
		ScratchRoot:       cfg.Analysis.ScratchRoot,
		MaxConcurrentJobs: cfg.Analysis.MaxConcurrent,
		JobTimeout:        cfg.JobTimeout(),
	})

	dimension := cfg.VectorStore.Dimension
	if emb, dim, err := si.InitializeEmbedding(ctx); err != nil {
		slog.Warn("Could not load embedding model, embedding generation will be unavailable",
			"model", cfg.Embedding.Model, "error", err)
	} else {
		svc.Embedding = emb
		if dimension == 0 {
			dimension = dim
		}
	}

	if store, err := si.InitializeVectorStore(ctx, dimension); err != nil {
		slog.Warn("Could not initialize vector store, vector DB features will be unavailable",
			"backend", cfg.VectorStore.Backend, "error", err)
	} else {
		svc.VectorStore = store
	}

	svc.LLM = processors.NewLLMClient(cfg.LLMBaseURL(), cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLMTimeout())

	if tr, err := si.InitializeTranscriber(ctx); err != nil {
		slog.Warn("Could not load ASR provider, transcripts will be empty",
			"provider", cfg.ASR.Provider, "error", err)
	} else {
		svc.Transcriber = tr
	}

	svc.OCR, svc.OCREnabled = si.InitializeOCR(ctx)

	// 接口字段只在组件就绪时赋值，避免出现非 nil 的空接口
	var embedder storage.EmbeddingService
	if svc.Embedding != nil {
		embedder = svc.Embedding
	}
	var store storage.VectorStore
	if svc.VectorStore != nil {
		store = svc.VectorStore
	}
	svc.Retriever = storage.NewRetriever(embedder, store, svc.LLM)

	deps := processors.PipelineDeps{
		Resources:            svc.ResourceManager,
		Fetcher:              processors.NewFetcher(cfg.Analysis.YtDlpBinary, cfg.DownloadTimeout()),
		Splitter:             processors.NewSceneSplitter(cfg.Analysis.FFmpegBinary, cfg.Analysis.FFprobeBinary, cfg.Analysis.SceneThreshold),
		OCR:                  svc.OCR,
		Indexer:              svc.Retriever,
		IndexTranscript:      cfg.Analysis.IndexTranscript,
		CallbackURL:          cfg.Analysis.CallbackURL,
		CallbackAllowedHosts: cfg.Analysis.CallbackAllowedHosts,
	}
	if svc.Transcriber != nil {
		deps.Transcriber = svc.Transcriber
	}
	svc.Pipeline = processors.NewPipeline(deps)

	slog.Info("system initialized",
		"embedding", svc.Embedding != nil,
		"vector_store", svc.VectorStore != nil,
		"transcriber", svc.Transcriber != nil,
		"ocr", svc.OCREnabled)
	return svc, nil
}

// InitializeEmbedding 创建向量化服务并探测一次
func (si *SystemInitializer) InitializeEmbedding(ctx context.Context) (storage.EmbeddingService, int, error) {
	cfg := si.config
	emb := storage.NewEmbeddingService(storage.EmbeddingOptions{
		BaseURL: cfg.EmbeddingBaseURL(),
		APIKey:  cfg.EmbeddingAPIKey(),
		Model:   cfg.Embedding.Model,
		Timeout: cfg.EmbeddingTimeout(),
	})
	checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	dim, err := storage.ProbeEmbedding(checkCtx, emb)
	if err != nil {
		return nil, 0, err
	}
	slog.Info("embedding model loaded", "model", cfg.Embedding.Model, "dimension", dim)
	return emb, dim, nil
}

// InitializeVectorStore 按配置打开向量库
func (si *SystemInitializer) InitializeVectorStore(ctx context.Context, dimension int) (storage.VectorStore, error) {
	cfg := si.config.VectorStore
	openCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return storage.NewVectorStore(openCtx, storage.StoreOptions{
		Backend:          cfg.Backend,
		Path:             cfg.Path,
		Distance:         cfg.Distance,
		Dimension:        dimension,
		PostgresURL:      cfg.PostgresURL,
		Table:            cfg.Table,
		MilvusAddr:       cfg.MilvusAddr,
		MilvusCollection: cfg.MilvusCollection,
	})
}

// InitializeTranscriber 创建 ASR 后端并探测；provider 为 none 时返回 nil, nil
func (si *SystemInitializer) InitializeTranscriber(ctx context.Context) (*processors.Transcriber, error) {
	cfg := si.config
	provider, err := processors.NewASRProvider(processors.ASROptions{
		Provider:      cfg.ASR.Provider,
		WhisperBinary: cfg.ASR.WhisperBinary,
		WhisperModel:  cfg.ASR.WhisperModel,
		FFmpeg:        cfg.Analysis.FFmpegBinary,
		BaseURL:       cfg.ASRBaseURL(),
		APIKey:        cfg.ASRAPIKey(),
		Model:         cfg.ASR.Model,
		Timeout:       cfg.JobTimeout(),
	})
	if err != nil || provider == nil {
		return nil, err
	}
	checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := provider.Available(checkCtx); err != nil {
		return nil, err
	}
	slog.Info("ASR provider loaded", "provider", provider.Name())
	return processors.NewTranscriber(provider), nil
}

// InitializeOCR tesseract 不可用、语言包缺失或被关闭时，OCR 阶段只返回占位文本
func (si *SystemInitializer) InitializeOCR(ctx context.Context) (*processors.OCRStage, bool) {
	cfg := si.config
	if !cfg.OCR.Enabled {
		return processors.NewOCRStage(nil, cfg.Analysis.FFmpegBinary, 0), false
	}
	engine := processors.NewTesseractOCR(cfg.OCR.Binary, cfg.OCR.Languages)
	checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := engine.Available(checkCtx); err != nil {
		slog.Warn("tesseract not usable, OCR will return placeholder text",
			"binary", cfg.OCR.Binary, "languages", cfg.OCR.Languages, "error", err)
		return processors.NewOCRStage(nil, cfg.Analysis.FFmpegBinary, 0), false
	}
	slog.Info("OCR engine loaded", "languages", engine.Languages())
	return processors.NewOCRStage(engine, cfg.Analysis.FFmpegBinary, cfg.OCR.MaxFrames), true
}

// Readiness 返回当前依赖状态
func (s *Services) Readiness() Readiness {
	r := Readiness{
		Embedding:   s.Embedding != nil,
		VectorStore: s.VectorStore != nil,
		Transcriber: s.Transcriber != nil,
		OCR:         s.OCREnabled,
		ActiveJobs:  len(s.ResourceManager.ActiveJobs()),
		MaxJobs:     s.ResourceManager.Capacity(),
	}
	if s.Transcriber != nil {
		r.ASRProvider = s.Transcriber.Provider()
	}
	return r
}

// Close 释放向量库连接
func (s *Services) Close() error {
	if s.VectorStore == nil {
		return nil
	}
	return s.VectorStore.Close()
}
