package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 服务配置
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	LLM         LLMConfig         `json:"llm" yaml:"llm"`
	Embedding   EmbeddingConfig   `json:"embedding" yaml:"embedding"`
	VectorStore VectorStoreConfig `json:"vector_store" yaml:"vector_store"`
	ASR         ASRConfig         `json:"asr" yaml:"asr"`
	OCR         OCRConfig         `json:"ocr" yaml:"ocr"`
	Analysis    AnalysisConfig    `json:"analysis" yaml:"analysis"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port int `json:"port" yaml:"port"`
	// RateLimit 每个客户端每秒请求数，<=0 关闭限流
	RateLimit              float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst              int     `json:"rate_burst" yaml:"rate_burst"`
	ShutdownTimeoutSeconds int     `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// LLMConfig LM Studio 兼容的聊天接口配置
type LLMConfig struct {
	BaseURL            string  `json:"base_url" yaml:"base_url"`
	APIKey             string  `json:"api_key" yaml:"api_key"`
	Model              string  `json:"model" yaml:"model"`
	MaxTokens          int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature        float32 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds     int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	DefaultQueryResult int     `json:"default_n_results" yaml:"default_n_results"`
}

// EmbeddingConfig 向量化接口配置，BaseURL 为空时沿用 LLM 的地址
type EmbeddingConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	Model          string `json:"model" yaml:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// VectorStoreConfig 向量库配置
type VectorStoreConfig struct {
	Backend  string `json:"backend" yaml:"backend"` // bolt, memory, pgvector, milvus
	Path     string `json:"path" yaml:"path"`
	Distance string `json:"distance" yaml:"distance"` // cosine, l2
	// Dimension 0 表示以第一条写入的向量为准
	Dimension        int    `json:"dimension" yaml:"dimension"`
	PostgresURL      string `json:"postgres_url" yaml:"postgres_url"`
	Table            string `json:"table" yaml:"table"`
	MilvusAddr       string `json:"milvus_addr" yaml:"milvus_addr"`
	MilvusCollection string `json:"milvus_collection" yaml:"milvus_collection"`
}

// ASRConfig 语音识别配置
type ASRConfig struct {
	Provider      string `json:"provider" yaml:"provider"` // whisper_cli, openai, none
	WhisperBinary string `json:"whisper_binary" yaml:"whisper_binary"`
	WhisperModel  string `json:"whisper_model" yaml:"whisper_model"`
	BaseURL       string `json:"base_url" yaml:"base_url"`
	APIKey        string `json:"api_key" yaml:"api_key"`
	Model         string `json:"model" yaml:"model"`
}

// OCRConfig 关键帧文字识别配置
type OCRConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Binary    string `json:"binary" yaml:"binary"`
	Languages string `json:"languages" yaml:"languages"`
	MaxFrames int    `json:"max_frames" yaml:"max_frames"`
}

// AnalysisConfig 视频分析流程配置
type AnalysisConfig struct {
	ScratchRoot            string  `json:"scratch_root" yaml:"scratch_root"`
	MaxConcurrent          int     `json:"max_concurrent" yaml:"max_concurrent"`
	JobTimeoutSeconds      int     `json:"job_timeout_seconds" yaml:"job_timeout_seconds"`
	DownloadTimeoutSeconds int     `json:"download_timeout_seconds" yaml:"download_timeout_seconds"`
	SceneThreshold         float64 `json:"scene_threshold" yaml:"scene_threshold"`
	YtDlpBinary            string  `json:"ytdlp_binary" yaml:"ytdlp_binary"`
	FFmpegBinary           string  `json:"ffmpeg_binary" yaml:"ffmpeg_binary"`
	FFprobeBinary          string  `json:"ffprobe_binary" yaml:"ffprobe_binary"`
	IndexTranscript        bool    `json:"index_transcript" yaml:"index_transcript"`
	CallbackURL            string  `json:"callback_url" yaml:"callback_url"`
	// CallbackAllowedHosts 允许请求自带 callback_url 指向的主机，为空时只使用 CallbackURL
	CallbackAllowedHosts []string `json:"callback_allowed_hosts" yaml:"callback_allowed_hosts"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   8000,
			RateLimit:              0,
			RateBurst:              10,
			ShutdownTimeoutSeconds: 15,
		},
		LLM: LLMConfig{
			BaseURL:            "http://localhost:1234",
			APIKey:             "lm-studio",
			Model:              "local-llm",
			MaxTokens:          512,
			Temperature:        0.7,
			TimeoutSeconds:     120,
			DefaultQueryResult: 5,
		},
		Embedding: EmbeddingConfig{
			Model:          "text-embedding-all-minilm-l6-v2",
			TimeoutSeconds: 30,
		},
		VectorStore: VectorStoreConfig{
			Backend:          "bolt",
			Path:             "./vector_db/vectors.db",
			Distance:         "cosine",
			Table:            "video_insights",
			MilvusAddr:       "localhost:19530",
			MilvusCollection: "video_insights",
		},
		ASR: ASRConfig{
			Provider:      "whisper_cli",
			WhisperBinary: "whisper",
			WhisperModel:  "base",
			Model:         "whisper-1",
		},
		OCR: OCRConfig{
			Enabled:   true,
			Binary:    "tesseract",
			Languages: "eng+kor",
			MaxFrames: 20,
		},
		Analysis: AnalysisConfig{
			ScratchRoot:            "temp_videos",
			MaxConcurrent:          2,
			JobTimeoutSeconds:      1800,
			DownloadTimeoutSeconds: 600,
			SceneThreshold:         0.3,
			YtDlpBinary:            "yt-dlp",
			FFmpegBinary:           "ffmpeg",
			FFprobeBinary:          "ffprobe",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig 加载配置：默认值 → 配置文件 → 环境变量。
// path 为空时依次尝试 config.yaml、config.yml、config.json。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, candidate := range []string{"config.yaml", "config.yml", "config.json"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	return errors.Wrapf(err, "parse config %s", path)
}

// applyEnv 环境变量覆盖配置文件
func (c *Config) applyEnv() {
	if v := os.Getenv("LM_STUDIO_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("STORE"); v != "" {
		c.VectorStore.Backend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.VectorStore.PostgresURL = v
	}
	if v := os.Getenv("MILVUS_ADDR"); v != "" {
		c.VectorStore.MilvusAddr = v
	}
	if v := os.Getenv("MILVUS_COLLECTION"); v != "" {
		c.VectorStore.MilvusCollection = v
	}
	if v := os.Getenv("VECTOR_DB_PATH"); v != "" {
		c.VectorStore.Path = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.LLM.APIKey = v
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = v
		}
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("CHAT_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("ASR_PROVIDER"); v != "" {
		c.ASR.Provider = v
	}
	if v := os.Getenv("SCRATCH_ROOT"); v != "" {
		c.Analysis.ScratchRoot = v
	}
	if v := os.Getenv("CALLBACK_ALLOWED_HOSTS"); v != "" {
		c.Analysis.CallbackAllowedHosts = nil
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				c.Analysis.CallbackAllowedHosts = append(c.Analysis.CallbackAllowedHosts, h)
			}
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate 校验配置，一次性返回全部问题
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.LLM.BaseURL) == "" {
		problems = append(problems, "llm.base_url is required")
	}
	if strings.TrimSpace(c.Embedding.Model) == "" {
		problems = append(problems, "embedding.model is required")
	}

	switch c.VectorStore.Backend {
	case "bolt":
		if c.VectorStore.Path == "" {
			problems = append(problems, "vector_store.path is required for bolt")
		}
	case "memory":
	case "pgvector":
		if c.VectorStore.PostgresURL == "" {
			problems = append(problems, "vector_store.postgres_url is required for pgvector")
		}
	case "milvus":
		if c.VectorStore.MilvusAddr == "" {
			problems = append(problems, "vector_store.milvus_addr is required for milvus")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown vector_store.backend %q", c.VectorStore.Backend))
	}

	switch c.VectorStore.Distance {
	case "cosine", "l2":
	default:
		problems = append(problems, fmt.Sprintf("unknown vector_store.distance %q", c.VectorStore.Distance))
	}
	if c.VectorStore.Dimension < 0 {
		problems = append(problems, "vector_store.dimension must not be negative")
	}

	switch c.ASR.Provider {
	case "whisper_cli", "openai", "none", "":
	default:
		problems = append(problems, fmt.Sprintf("unknown asr.provider %q", c.ASR.Provider))
	}

	if c.Analysis.SceneThreshold <= 0 || c.Analysis.SceneThreshold >= 1 {
		problems = append(problems, "analysis.scene_threshold must be in (0, 1)")
	}
	if c.Analysis.ScratchRoot == "" {
		problems = append(problems, "analysis.scratch_root is required")
	}

	if len(problems) > 0 {
		return errors.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// OpenAIBaseURL 把 LM Studio 根地址转换为 OpenAI 兼容的 /v1 地址
func OpenAIBaseURL(root string) string {
	root = strings.TrimRight(root, "/")
	if strings.HasSuffix(root, "/v1") {
		return root
	}
	return root + "/v1"
}

// LLMBaseURL 聊天接口的 /v1 地址
func (c *Config) LLMBaseURL() string {
	return OpenAIBaseURL(c.LLM.BaseURL)
}

// EmbeddingBaseURL 向量化接口地址，未单独配置时与 LLM 相同
func (c *Config) EmbeddingBaseURL() string {
	if c.Embedding.BaseURL != "" {
		return OpenAIBaseURL(c.Embedding.BaseURL)
	}
	return c.LLMBaseURL()
}

// EmbeddingAPIKey falls back to the LLM key.
func (c *Config) EmbeddingAPIKey() string {
	if c.Embedding.APIKey != "" {
		return c.Embedding.APIKey
	}
	return c.LLM.APIKey
}

// ASRBaseURL 语音识别接口地址
func (c *Config) ASRBaseURL() string {
	if c.ASR.BaseURL != "" {
		return OpenAIBaseURL(c.ASR.BaseURL)
	}
	return c.LLMBaseURL()
}

func (c *Config) ASRAPIKey() string {
	if c.ASR.APIKey != "" {
		return c.ASR.APIKey
	}
	return c.LLM.APIKey
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func (c *Config) LLMTimeout() time.Duration       { return seconds(c.LLM.TimeoutSeconds) }
func (c *Config) EmbeddingTimeout() time.Duration { return seconds(c.Embedding.TimeoutSeconds) }
func (c *Config) JobTimeout() time.Duration       { return seconds(c.Analysis.JobTimeoutSeconds) }
func (c *Config) DownloadTimeout() time.Duration  { return seconds(c.Analysis.DownloadTimeoutSeconds) }
func (c *Config) ShutdownTimeout() time.Duration  { return seconds(c.Server.ShutdownTimeoutSeconds) }

// Addr 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
