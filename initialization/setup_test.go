package initialization

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoAnalyzer/config"
	"videoAnalyzer/core"
	"videoAnalyzer/processors"
)

func testConfig(t *testing.T, lmStudioURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.LLM.BaseURL = lmStudioURL
	cfg.VectorStore.Backend = "memory"
	cfg.ASR.Provider = "none"
	cfg.OCR.Enabled = false
	cfg.Analysis.ScratchRoot = t.TempDir()
	return cfg
}

func fakeLMStudio(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3, 0.4}}},
		})
	}))
}

func TestInitializeSystem_AllReady(t *testing.T) {
	srv := fakeLMStudio(t)
	defer srv.Close()

	svc, err := NewSystemInitializer(testConfig(t, srv.URL)).InitializeSystem(context.Background())
	require.NoError(t, err)
	defer svc.Close()

	ready := svc.Readiness()
	assert.True(t, ready.Embedding)
	assert.True(t, ready.VectorStore)
	assert.False(t, ready.Transcriber)
	assert.False(t, ready.OCR)
	assert.Equal(t, 2, ready.MaxJobs)

	require.NoError(t, svc.Retriever.Store(context.Background(), core.EmbeddingRequest{ID: "a", Text: "hello"}))
	n, err := svc.Retriever.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInitializeSystem_EmbeddingUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	svc, err := NewSystemInitializer(testConfig(t, srv.URL)).InitializeSystem(context.Background())
	require.NoError(t, err)
	defer svc.Close()

	assert.Nil(t, svc.Embedding)
	assert.NotNil(t, svc.VectorStore)
	_, err = svc.Retriever.Embed(context.Background(), "x")
	assert.True(t, core.IsKind(err, core.KindModelUnavailable))
}

func TestInitializeSystem_StoreUnavailable(t *testing.T) {
	srv := fakeLMStudio(t)
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.VectorStore.Backend = "pgvector"
	cfg.VectorStore.PostgresURL = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"

	svc, err := NewSystemInitializer(cfg).InitializeSystem(context.Background())
	require.NoError(t, err)
	assert.Nil(t, svc.VectorStore)
	_, err = svc.Retriever.Query(context.Background(), "x", 5)
	assert.True(t, core.IsKind(err, core.KindStoreUnavailable))
}

func TestInitializeSystem_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.VectorStore.Backend = "chroma"
	_, err := NewSystemInitializer(cfg).InitializeSystem(context.Background())
	assert.Error(t, err)
}

func fakeTesseract(t *testing.T, langs string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tesseract")
	script := "#!/bin/sh\nprintf 'List of available languages in \"/tessdata/\" (2):\\n" + langs + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestInitializeOCR_RequiresInstalledLanguage(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.OCR.Enabled = true
	cfg.OCR.Languages = "eng+kor"

	cfg.OCR.Binary = fakeTesseract(t, `eng\nosd\n`)
	_, enabled := NewSystemInitializer(cfg).InitializeOCR(context.Background())
	assert.True(t, enabled)

	cfg.OCR.Binary = fakeTesseract(t, `osd\n`)
	stage, enabled := NewSystemInitializer(cfg).InitializeOCR(context.Background())
	assert.False(t, enabled)
	text, err := stage.Extract(context.Background(), "v.mp4", t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, processors.OCRPlaceholder, text)
}
