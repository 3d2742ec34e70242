package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"videoAnalyzer/core"
)

// AnalysisComplete 分析成功时的提示信息
const AnalysisComplete = "Video analysis complete."

// MediaFetcher 下载阶段
type MediaFetcher interface {
	Fetch(ctx context.Context, job *core.JobResource, url, videoID string) (string, error)
}

// SceneDetector 镜头切分阶段
type SceneDetector interface {
	Split(ctx context.Context, videoPath string) ([]core.SceneCut, error)
}

// SpeechTranscriber 语音识别阶段
type SpeechTranscriber interface {
	Transcribe(ctx context.Context, videoPath, workDir string) (string, error)
}

// TextRecognizer 画面文字识别阶段
type TextRecognizer interface {
	Extract(ctx context.Context, videoPath, workDir string, scenes []core.SceneCut) (string, error)
}

// TranscriptIndexer 把转录文本写入向量库
type TranscriptIndexer interface {
	IndexTranscript(ctx context.Context, videoID, transcript string) error
}

// PipelineDeps 流水线依赖；Transcriber、OCR、Indexer 可以为 nil
type PipelineDeps struct {
	Resources   *core.ResourceManager
	Fetcher     MediaFetcher
	Splitter    SceneDetector
	Transcriber SpeechTranscriber
	OCR         TextRecognizer
	Indexer     TranscriptIndexer
	// IndexTranscript 请求未指定时的默认行为
	IndexTranscript bool
	// CallbackURL 请求未指定时使用的回调地址
	CallbackURL string
	// CallbackAllowedHosts 请求中的 callback_url 只能指向这些主机（host 或 host:port）
	CallbackAllowedHosts []string
	CallbackTimeout      time.Duration
}

// Pipeline 下载 → 镜头切分 → 语音识别 → OCR，顺序执行
type Pipeline struct {
	deps       PipelineDeps
	httpClient *http.Client
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.CallbackTimeout <= 0 {
		deps.CallbackTimeout = 30 * time.Second
	}
	return &Pipeline{
		deps:       deps,
		httpClient: &http.Client{Timeout: deps.CallbackTimeout},
	}
}

// Analyze 运行完整分析。任一阶段失败即中止，临时目录在所有路径上都会被删除。
func (p *Pipeline) Analyze(ctx context.Context, req core.AnalysisRequest) (*core.AnalysisResult, error) {
	rm := p.deps.Resources
	if timeout := rm.JobTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	job, err := rm.AllocateResources(ctx, req.VideoID)
	if err != nil {
		return nil, err
	}
	defer rm.ReleaseResources(job)

	log := slog.With("video_id", req.VideoID, "job", job.ID)
	start := time.Now()

	rm.UpdateJobStep(job, "download")
	videoPath, err := p.deps.Fetcher.Fetch(ctx, job, req.VideoURL, req.VideoID)
	if err != nil {
		return nil, err
	}

	rm.UpdateJobStep(job, "scenes")
	scenes, err := p.deps.Splitter.Split(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	rm.UpdateJobStep(job, "transcribe")
	transcript := ""
	if p.deps.Transcriber != nil {
		transcript, err = p.deps.Transcriber.Transcribe(ctx, videoPath, job.Dir)
		if err != nil {
			return nil, err
		}
	} else {
		log.Info("Whisper model not loaded, skipping transcription.")
	}

	rm.UpdateJobStep(job, "ocr")
	ocrText := OCRPlaceholder
	if p.deps.OCR != nil {
		ocrText, err = p.deps.OCR.Extract(ctx, videoPath, job.Dir, scenes)
		if err != nil {
			return nil, err
		}
	}

	result := &core.AnalysisResult{
		VideoID:    req.VideoID,
		SceneCuts:  scenes,
		Transcript: transcript,
		OCRText:    ocrText,
		Message:    AnalysisComplete,
	}
	if result.SceneCuts == nil {
		result.SceneCuts = []core.SceneCut{}
	}
	log.Info("Video analysis complete", "scenes", len(scenes), "elapsed", time.Since(start))

	if (req.IndexTranscript || p.deps.IndexTranscript) && transcript != "" && p.deps.Indexer != nil {
		rm.UpdateJobStep(job, "index")
		if err := p.deps.Indexer.IndexTranscript(ctx, req.VideoID, transcript); err != nil {
			log.Warn("failed to index transcript", "error", err)
		}
	}

	if target := p.callbackURL(req); target != "" {
		go p.notify(target, *result)
	}
	return result, nil
}

// callbackURL 请求指定的地址不在白名单内时退回配置的地址
func (p *Pipeline) callbackURL(req core.AnalysisRequest) string {
	if req.CallbackURL != "" {
		if p.callbackAllowed(req.CallbackURL) {
			return req.CallbackURL
		}
		slog.Warn("callback_url host not allowed, ignoring", "url", req.CallbackURL, "video_id", req.VideoID)
	}
	return p.deps.CallbackURL
}

func (p *Pipeline) callbackAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	for _, h := range p.deps.CallbackAllowedHosts {
		h = strings.TrimSpace(h)
		if strings.EqualFold(h, u.Host) || strings.EqualFold(h, u.Hostname()) {
			return true
		}
	}
	return false
}

// notify 把结果 POST 到回调地址，失败只记日志
func (p *Pipeline) notify(target string, result core.AnalysisResult) {
	if err := p.postResult(context.Background(), target, result); err != nil {
		slog.Warn("analysis callback failed", "url", target, "video_id", result.VideoID, "error", err)
		return
	}
	slog.Info("analysis callback delivered", "url", target, "video_id", result.VideoID)
}

func (p *Pipeline) postResult(ctx context.Context, target string, result core.AnalysisResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build callback request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post callback")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
