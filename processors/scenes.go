package processors

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"videoAnalyzer/core"
	"videoAnalyzer/utils"
)

// DefaultSceneThreshold ffmpeg scene 分数阈值
const DefaultSceneThreshold = 0.3

var ptsTimePattern = regexp.MustCompile(`pts_time:\s*([0-9]+(?:\.[0-9]+)?)`)

// SceneSplitter 基于 ffmpeg scene 滤镜的镜头切分
type SceneSplitter struct {
	ffmpeg    string
	ffprobe   string
	threshold float64
}

func NewSceneSplitter(ffmpeg, ffprobe string, threshold float64) *SceneSplitter {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultSceneThreshold
	}
	return &SceneSplitter{ffmpeg: ffmpeg, ffprobe: ffprobe, threshold: threshold}
}

// Split 检测镜头切换点并返回按时间排序的场景列表；没有切换点时返回空列表
func (s *SceneSplitter) Split(ctx context.Context, videoPath string) ([]core.SceneCut, error) {
	slog.Info("Performing scene detection", "path", videoPath, "threshold", s.threshold)

	filter := fmt.Sprintf("select='gt(scene,%g)',showinfo", s.threshold)
	stderr, err := utils.RunFFmpeg(ctx, s.ffmpeg, []string{
		"-hide_banner", "-nostats",
		"-i", videoPath,
		"-filter:v", filter,
		"-an",
		"-f", "null", "-",
	})
	if err != nil {
		return nil, errors.Wrap(err, "scene detection")
	}

	cuts := ParseSceneTimes(stderr)
	duration, err := utils.ProbeDuration(ctx, s.ffprobe, videoPath)
	if errors.Is(err, utils.ErrDurationUnknown) {
		// 没有时长时最后一个切换点作为结尾，之后的部分不输出
		duration = lastCut(cuts)
		slog.Warn("video duration unknown, ending scenes at last cut", "path", videoPath, "end", duration)
	} else if err != nil {
		return nil, err
	}

	scenes := BuildSceneCuts(cuts, duration)
	slog.Info("Detected scenes", "count", len(scenes))
	return scenes, nil
}

// ParseSceneTimes 从 showinfo 输出中提取切换时间点（秒）
func ParseSceneTimes(showinfo string) []float64 {
	matches := ptsTimePattern.FindAllStringSubmatch(showinfo, -1)
	times := make([]float64, 0, len(matches))
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		times = append(times, v)
	}
	return times
}

func lastCut(cuts []float64) float64 {
	last := 0.0
	for _, c := range cuts {
		if c > last {
			last = c
		}
	}
	return last
}

// BuildSceneCuts 把切换点转换为 [0,c1) [c1,c2) … [cn,duration) 场景。
// 越界和重复的切换点被忽略。
func BuildSceneCuts(cuts []float64, duration float64) []core.SceneCut {
	sorted := append([]float64(nil), cuts...)
	sort.Float64s(sorted)

	bounds := make([]float64, 0, len(sorted))
	for _, c := range sorted {
		if c <= 0 || c >= duration {
			continue
		}
		if n := len(bounds); n > 0 && c-bounds[n-1] < 0.001 {
			continue
		}
		bounds = append(bounds, c)
	}

	scenes := make([]core.SceneCut, 0, len(bounds)+1)
	if len(bounds) == 0 {
		return scenes
	}

	start := 0.0
	for _, end := range append(bounds, duration) {
		scenes = append(scenes, core.SceneCut{
			StartTime: utils.FormatTimecode(start),
			EndTime:   utils.FormatTimecode(end),
			Duration:  utils.FormatTimecode(end - start),
		})
		start = end
	}
	return scenes
}
