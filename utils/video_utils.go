package utils

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrDurationUnknown ffprobe 无法给出容器时长（输出 N/A 或为空）
var ErrDurationUnknown = errors.New("media duration unknown")

// ProbeDuration 用 ffprobe 读取媒体总时长（秒）
func ProbeDuration(ctx context.Context, ffprobe, path string) (float64, error) {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	out, _, err := RunCommand(ctx, ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, errors.Wrap(err, "probe duration")
	}
	raw := strings.TrimSpace(out)
	if raw == "" || strings.EqualFold(raw, "N/A") {
		return 0, errors.Wrapf(ErrDurationUnknown, "ffprobe printed %q", raw)
	}
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse duration %q", raw)
	}
	return d, nil
}

// ExtractAudio 提取 16kHz 单声道 wav，供语音识别使用
func ExtractAudio(ctx context.Context, ffmpeg, inputPath, audioOut string) error {
	args := []string{"-y", "-i", inputPath, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", audioOut}
	_, err := RunFFmpeg(ctx, ffmpeg, args)
	return errors.Wrap(err, "extract audio")
}

// ExtractFrameAt 截取指定时间点的一帧
func ExtractFrameAt(ctx context.Context, ffmpeg, videoPath string, at float64, frameOut string) error {
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", at),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2", // 高质量JPEG
		frameOut,
	}
	_, err := RunFFmpeg(ctx, ffmpeg, args)
	return errors.Wrapf(err, "extract frame at %.3fs", at)
}
