package cli

import (
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"videoAnalyzer/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "videoanalyzer",
	Short: "Video Analyzer - scene cuts, transcripts and RAG over a local LLM",
	Long: `videoanalyzer downloads a video, splits it into scenes, transcribes the
speech and reads on-screen text. Text can be embedded into a vector store and
queried through an OpenAI-compatible LLM such as LM Studio.

Example usage:
  videoanalyzer serve                                   # HTTP API on :8000
  videoanalyzer analyze --url https://youtu.be/x --id x # one-shot analysis
  videoanalyzer ask -q "what is the video about?"       # RAG from the terminal`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		slog.SetDefault(NewLogger(cfg.Logging.Level))
		return nil
	},
}

// Execute 运行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or ./config.json)")
}

// GetConfig 返回 PersistentPreRunE 加载的配置
func GetConfig() *config.Config {
	return cfg
}

// NewLogger 创建 tint 控制台日志器
func NewLogger(level string) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: "15:04:05",
	}))
}

// ParseLevel 未知级别按 info 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
