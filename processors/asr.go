package processors

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"videoAnalyzer/utils"
)

// ASRProvider 语音识别后端
type ASRProvider interface {
	Name() string
	// Available 启动时探测一次，返回 nil 表示可用
	Available(ctx context.Context) error
	// Transcribe 识别视频中的语音，workDir 用于存放中间文件
	Transcribe(ctx context.Context, videoPath, workDir string) (string, error)
}

// ASROptions 构造 ASRProvider 所需的参数
type ASROptions struct {
	Provider      string
	WhisperBinary string
	WhisperModel  string
	FFmpeg        string
	BaseURL       string
	APIKey        string
	Model         string
	Timeout       time.Duration
}

// NewASRProvider 按名称创建后端；"none" 或空字符串返回 nil
func NewASRProvider(opts ASROptions) (ASRProvider, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", "none":
		return nil, nil
	case "whisper_cli", "whisper", "local":
		return &LocalWhisperASR{binary: opts.WhisperBinary, model: opts.WhisperModel}, nil
	case "openai", "api":
		return NewOpenAIASR(opts), nil
	default:
		return nil, errors.Errorf("unknown asr provider %q", opts.Provider)
	}
}

// LocalWhisperASR 调用本地 whisper 命令行
type LocalWhisperASR struct {
	binary string
	model  string
}

func (l *LocalWhisperASR) Name() string { return "whisper_cli" }

func (l *LocalWhisperASR) bin() string {
	if l.binary == "" {
		return "whisper"
	}
	return l.binary
}

func (l *LocalWhisperASR) Available(ctx context.Context) error {
	if !utils.BinaryAvailable(l.bin()) {
		return errors.Errorf("%s not found in PATH", l.bin())
	}
	return nil
}

func (l *LocalWhisperASR) Transcribe(ctx context.Context, videoPath, workDir string) (string, error) {
	model := l.model
	if model == "" {
		model = "base"
	}
	outDir := filepath.Join(workDir, "whisper")
	if err := utils.EnsureDir(outDir); err != nil {
		return "", errors.Wrap(err, "create whisper output dir")
	}

	_, _, err := utils.RunCommand(ctx, l.bin(), videoPath,
		"--model", model,
		"--output_format", "txt",
		"--output_dir", outDir,
		"--verbose", "False")
	if err != nil {
		return "", errors.Wrap(err, "local whisper transcription failed")
	}

	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	data, err := os.ReadFile(filepath.Join(outDir, base+".txt"))
	if err != nil {
		return "", errors.Wrap(err, "read whisper output")
	}
	return string(data), nil
}

// OpenAIASR 调用 OpenAI 兼容的 /audio/transcriptions 接口
type OpenAIASR struct {
	client *openai.Client
	model  string
	ffmpeg string
}

func NewOpenAIASR(opts ASROptions) *OpenAIASR {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	model := opts.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAIASR{client: openai.NewClientWithConfig(cfg), model: model, ffmpeg: opts.FFmpeg}
}

func (o *OpenAIASR) Name() string { return "openai" }

func (o *OpenAIASR) Available(ctx context.Context) error {
	_, err := o.client.ListModels(ctx)
	return errors.Wrap(err, "list models")
}

func (o *OpenAIASR) Transcribe(ctx context.Context, videoPath, workDir string) (string, error) {
	audio := filepath.Join(workDir, "audio.wav")
	if err := utils.ExtractAudio(ctx, o.ffmpeg, videoPath, audio); err != nil {
		return "", err
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: audio,
	})
	if err != nil {
		return "", errors.Wrap(err, "transcription API failed")
	}
	return resp.Text, nil
}

// Transcriber 包装 ASRProvider，统一日志和输出格式
type Transcriber struct {
	provider ASRProvider
}

func NewTranscriber(provider ASRProvider) *Transcriber {
	return &Transcriber{provider: provider}
}

// Provider 当前使用的后端名称
func (t *Transcriber) Provider() string { return t.provider.Name() }

// Transcribe 返回去除首尾空白的转录文本
func (t *Transcriber) Transcribe(ctx context.Context, videoPath, workDir string) (string, error) {
	slog.Info("Performing audio transcription", "provider", t.provider.Name())
	start := time.Now()
	text, err := t.provider.Transcribe(ctx, videoPath, workDir)
	if err != nil {
		return "", err
	}
	slog.Info("Transcription complete", "chars", len(text), "elapsed", time.Since(start))
	return strings.TrimSpace(text), nil
}
