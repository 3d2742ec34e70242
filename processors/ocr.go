package processors

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"videoAnalyzer/core"
	"videoAnalyzer/utils"
)

// OCRPlaceholder 无法识别出文字时返回的固定文本
const OCRPlaceholder = "OCR functionality to be implemented on video frames."

// OCREngine 单张图片文字识别
type OCREngine interface {
	Recognize(ctx context.Context, imagePath string) (string, error)
}

// TesseractOCR 调用 tesseract 命令行
type TesseractOCR struct {
	binary    string
	languages string
}

func NewTesseractOCR(binary, languages string) *TesseractOCR {
	if binary == "" {
		binary = "tesseract"
	}
	return &TesseractOCR{binary: binary, languages: languages}
}

// Available 检查 tesseract 是否安装以及配置的语言包是否存在。
// 缺失的语言会被去掉；一个都没有时返回错误。
func (t *TesseractOCR) Available(ctx context.Context) error {
	if !utils.BinaryAvailable(t.binary) {
		return errors.Errorf("%s not found in PATH", t.binary)
	}
	if t.languages == "" {
		return nil
	}
	// 旧版本 tesseract 把语言列表写到 stderr
	out, stderr, err := utils.RunCommand(ctx, t.binary, "--list-langs")
	if err != nil {
		return errors.Wrap(err, "list tesseract languages")
	}
	installed := ParseTesseractLangs(out + "\n" + stderr)

	var usable, missing []string
	for _, lang := range strings.Split(t.languages, "+") {
		lang = strings.TrimSpace(lang)
		if lang == "" {
			continue
		}
		if _, ok := installed[lang]; ok {
			usable = append(usable, lang)
		} else {
			missing = append(missing, lang)
		}
	}
	if len(usable) == 0 {
		return errors.Errorf("no traineddata installed for %q", t.languages)
	}
	if len(missing) > 0 {
		slog.Warn("tesseract languages missing, OCR restricted to installed ones",
			"missing", strings.Join(missing, "+"), "using", strings.Join(usable, "+"))
	}
	t.languages = strings.Join(usable, "+")
	return nil
}

// Languages 当前使用的语言参数
func (t *TesseractOCR) Languages() string { return t.languages }

// ParseTesseractLangs 解析 --list-langs 输出，跳过 "List of available languages" 标题行
func ParseTesseractLangs(output string) map[string]struct{} {
	langs := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of") || strings.Contains(line, " ") {
			continue
		}
		langs[line] = struct{}{}
	}
	return langs
}

// Recognize 识别图片文字，结果写到 stdout
func (t *TesseractOCR) Recognize(ctx context.Context, imagePath string) (string, error) {
	args := []string{imagePath, "stdout"}
	if t.languages != "" {
		args = append(args, "-l", t.languages)
	}
	out, stderr, err := utils.RunCommand(ctx, t.binary, args...)
	if err != nil {
		slog.Warn("tesseract command failed", "error", err, "stderr", stderr)
		return "", errors.Wrap(err, "tesseract command failed")
	}
	return strings.TrimSpace(out), nil
}

// FrameExtractor 截取视频某一时刻的画面
type FrameExtractor func(ctx context.Context, videoPath string, at float64, frameOut string) error

// OCRStage 对每个场景的首帧做文字识别
type OCRStage struct {
	engine    OCREngine
	extract   FrameExtractor
	maxFrames int
}

// NewOCRStage engine 为 nil 时 Extract 始终返回占位文本
func NewOCRStage(engine OCREngine, ffmpeg string, maxFrames int) *OCRStage {
	return &OCRStage{
		engine: engine,
		extract: func(ctx context.Context, videoPath string, at float64, frameOut string) error {
			return utils.ExtractFrameAt(ctx, ffmpeg, videoPath, at, frameOut)
		},
		maxFrames: maxFrames,
	}
}

// WithFrameExtractor 替换截帧实现
func (o *OCRStage) WithFrameExtractor(fn FrameExtractor) *OCRStage {
	o.extract = fn
	return o
}

// Extract 返回合并去重后的识别文本；没有识别出任何文字时返回 OCRPlaceholder。
// 单帧失败只记录日志，只有 ctx 被取消才返回错误。
func (o *OCRStage) Extract(ctx context.Context, videoPath, workDir string, scenes []core.SceneCut) (string, error) {
	if o == nil || o.engine == nil {
		slog.Info("OCR engine not available, returning placeholder")
		return OCRPlaceholder, nil
	}

	times := keyframeTimes(scenes, o.maxFrames)
	framesDir := filepath.Join(workDir, "frames")
	if err := utils.EnsureDir(framesDir); err != nil {
		return "", errors.Wrap(err, "create frames dir")
	}

	seen := make(map[string]struct{})
	var texts []string
	for i, at := range times {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		frame := filepath.Join(framesDir, fmt.Sprintf("frame_%04d.jpg", i))
		if err := o.extract(ctx, videoPath, at, frame); err != nil {
			slog.Warn("extract frame failed", "at", at, "error", err)
			continue
		}
		text, err := o.engine.Recognize(ctx, frame)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		texts = append(texts, text)
	}

	if len(texts) == 0 {
		return OCRPlaceholder, nil
	}
	slog.Info("OCR complete", "frames", len(times), "texts", len(texts))
	return strings.Join(texts, "\n\n"), nil
}

// keyframeTimes 每个场景取起始时刻；没有场景时取第 0 秒
func keyframeTimes(scenes []core.SceneCut, limit int) []float64 {
	times := make([]float64, 0, len(scenes)+1)
	for _, s := range scenes {
		at, err := utils.ParseTimecode(s.StartTime)
		if err != nil {
			continue
		}
		times = append(times, at)
	}
	if len(times) == 0 {
		times = append(times, 0)
	}
	if limit > 0 && len(times) > limit {
		times = times[:limit]
	}
	return times
}
