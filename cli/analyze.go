package cli

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"videoAnalyzer/core"
	"videoAnalyzer/initialization"
)

var (
	analyzeURL   string
	analyzeID    string
	analyzeIndex bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze one video and print the result as JSON",
	Long: `Run the full pipeline (download, scene cuts, transcript, OCR) once.

Examples:
  videoanalyzer analyze --url https://www.youtube.com/watch?v=abc --id abc
  videoanalyzer analyze --url https://youtu.be/abc --id abc --index`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVarP(&analyzeURL, "url", "u", "", "video URL (required)")
	analyzeCmd.Flags().StringVar(&analyzeID, "id", "", "video id (required)")
	analyzeCmd.Flags().BoolVar(&analyzeIndex, "index", false, "store the transcript in the vector store")
	analyzeCmd.MarkFlagRequired("url")
	analyzeCmd.MarkFlagRequired("id")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	svc, err := initialization.NewSystemInitializer(GetConfig()).InitializeSystem(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "failed to initialize services")
	}
	defer svc.Close()

	result, err := svc.Pipeline.Analyze(cmd.Context(), core.AnalysisRequest{
		VideoURL:        analyzeURL,
		VideoID:         analyzeID,
		IndexTranscript: analyzeIndex,
	})
	if err != nil {
		return errors.New(core.AsError(err, "Video analysis failed").Detail())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(result)
}
