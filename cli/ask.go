package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"videoAnalyzer/core"
	"videoAnalyzer/initialization"
)

var (
	askQuery       string
	askNResults    int
	askMaxTokens   int
	askTemperature float32
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Answer a question from the stored embeddings",
	Long: `Retrieve the closest stored documents and ask the LLM.

Examples:
  videoanalyzer ask -q "what is the video about?"
  videoanalyzer ask -q "who is speaking?" -n 3 --max-tokens 256`,
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringVarP(&askQuery, "query", "q", "", "question (required)")
	askCmd.Flags().IntVarP(&askNResults, "n-results", "n", 0, "number of documents (default from config)")
	askCmd.Flags().IntVar(&askMaxTokens, "max-tokens", 0, "max answer tokens (default from config)")
	askCmd.Flags().Float32Var(&askTemperature, "temperature", -1, "sampling temperature (default from config)")
	askCmd.MarkFlagRequired("query")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	svc, err := initialization.NewSystemInitializer(cfg).InitializeSystem(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "failed to initialize services")
	}
	defer svc.Close()

	req := core.AskRequest{
		Query:       askQuery,
		NResults:    cfg.LLM.DefaultQueryResult,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: float32(cfg.LLM.Temperature),
	}
	if askNResults > 0 {
		req.NResults = askNResults
	}
	if askMaxTokens > 0 {
		req.MaxTokens = askMaxTokens
	}
	if askTemperature >= 0 {
		req.Temperature = askTemperature
	}

	answer, err := svc.Retriever.Ask(cmd.Context(), req)
	if err != nil {
		return errors.New(core.AsError(err, "Error calling LM Studio LLM").Detail())
	}
	fmt.Fprintln(cmd.OutOrStdout(), answer)
	return nil
}
