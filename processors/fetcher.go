package processors

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"videoAnalyzer/core"
	"videoAnalyzer/utils"
)

// ytdlpFormat 优先 mp4 视频 + m4a 音频，否则退回单文件 mp4
const ytdlpFormat = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"

// Fetcher 使用 yt-dlp 下载视频到任务的临时目录
type Fetcher struct {
	binary  string
	timeout time.Duration
}

// NewFetcher 创建下载器，timeout 为 0 表示只受调用方 ctx 约束
func NewFetcher(binary string, timeout time.Duration) *Fetcher {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Fetcher{binary: binary, timeout: timeout}
}

// Fetch 下载 url 到 <job.Dir>/<videoID>.mp4 并返回本地路径。
// yt-dlp 非零退出时返回 KindDownload 错误，携带其 stderr。
func (f *Fetcher) Fetch(ctx context.Context, job *core.JobResource, url, videoID string) (string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	out := job.Path(core.SafeName(videoID) + ".mp4")
	slog.Info("Downloading video", "url", url, "video_id", videoID)

	// "--" 之后的参数 yt-dlp 只当作 URL
	_, stderr, err := utils.RunCommand(ctx, f.binary, "-f", ytdlpFormat, "-o", out, "--", url)
	if err != nil {
		var cmdErr *utils.CommandError
		if errors.As(err, &cmdErr) {
			return "", core.DownloadFailed(cmdErr.Stderr, err)
		}
		return "", errors.Wrap(err, "run yt-dlp")
	}
	if !utils.FileExists(out) {
		return "", core.DownloadFailed(stderr, errors.Errorf("yt-dlp produced no file at %s", out))
	}

	slog.Info("Video downloaded", "path", out)
	return out, nil
}
