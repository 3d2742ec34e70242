package utils

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CommandError 外部命令非零退出，携带 stderr 便于上报
type CommandError struct {
	Name   string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed: %v: %s", e.Name, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s failed: %v", e.Name, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// RunCommand 执行外部命令，分别返回 stdout 和 stderr。
// 命令启动失败（找不到可执行文件等）返回普通错误；非零退出返回 *CommandError。
func RunCommand(ctx context.Context, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out, errOut := stdout.String(), strings.TrimSpace(stderr.String())
	if err == nil {
		return out, errOut, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, errOut, errors.Wrapf(ctxErr, "%s interrupted", name)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, errOut, &CommandError{Name: name, Stderr: errOut, Err: err}
	}
	return out, errOut, errors.Wrapf(err, "start %s", name)
}

// RunFFmpeg 执行FFmpeg命令，返回 stderr（showinfo 等滤镜把结果写在 stderr）
func RunFFmpeg(ctx context.Context, ffmpeg string, args []string) (string, error) {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	_, stderr, err := RunCommand(ctx, ffmpeg, args...)
	return stderr, err
}

// BinaryAvailable 检查可执行文件是否在 PATH 中
func BinaryAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// FormatTimecode 把秒数格式化为 HH:MM:SS.mmm
func FormatTimecode(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// ParseTimecode 解析 HH:MM:SS.mmm，FormatTimecode 的逆操作
func ParseTimecode(tc string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(tc), ":")
	if len(parts) != 3 {
		return 0, errors.Errorf("invalid timecode %q", tc)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, errors.Wrapf(err, "invalid timecode %q", tc)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.Wrapf(err, "invalid timecode %q", tc)
	}
	s, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid timecode %q", tc)
	}
	return float64(h)*3600 + float64(m)*60 + s, nil
}

// EnsureDir 确保目录存在
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// FileExists 检查文件是否存在
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
