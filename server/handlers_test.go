package server

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoAnalyzer/core"
	"videoAnalyzer/initialization"
	"videoAnalyzer/processors"
	"videoAnalyzer/storage"
)

// wordEmbedder 按词哈希生成的确定性向量
type wordEmbedder struct {
	err error
}

func (e *wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	v := make([]float32, 32)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%32]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	for i := range v {
		v[i] /= float32(math.Sqrt(norm))
	}
	return v, nil
}

func (e *wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *wordEmbedder) Dimensions() int { return 32 }

type fakeLLM struct {
	prompt      string
	maxTokens   int
	temperature float32
	err         error
}

func (l *fakeLLM) Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	l.prompt, l.maxTokens, l.temperature = prompt, maxTokens, temperature
	if l.err != nil {
		return "", l.err
	}
	return "answer", nil
}

type fakeAnalyzer struct {
	result *core.AnalysisResult
	err    error
	req    core.AnalysisRequest
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, req core.AnalysisRequest) (*core.AnalysisResult, error) {
	a.req = req
	return a.result, a.err
}

type staticHealth struct{ r initialization.Readiness }

func (s staticHealth) Readiness() initialization.Readiness { return s.r }

type testServer struct {
	router http.Handler
	llm    *fakeLLM
	an     *fakeAnalyzer
}

func newTestServer(t *testing.T, retriever *storage.Retriever, llm *fakeLLM) *testServer {
	t.Helper()
	an := &fakeAnalyzer{result: &core.AnalysisResult{VideoID: "v1", SceneCuts: []core.SceneCut{}, Message: processors.AnalysisComplete}}
	h := NewHandlersWith(an, retriever, staticHealth{initialization.Readiness{Embedding: true, MaxJobs: 2}}, RequestDefaults{
		NResults:    5,
		MaxTokens:   512,
		Temperature: 0.7,
	})
	return &testServer{router: NewRouter(h, RouterOptions{}), llm: llm, an: an}
}

func newRAGServer(t *testing.T) *testServer {
	t.Helper()
	llm := &fakeLLM{}
	r := storage.NewRetriever(&wordEmbedder{}, storage.NewMemoryVectorStore(storage.DistanceCosine, 0), llm)
	return newTestServer(t, r, llm)
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestRoot(t *testing.T) {
	s := newRAGServer(t)
	rec, body := do(t, s.router, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Video Analyzer Service is running", body["message"])
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestHealth(t *testing.T) {
	s := newRAGServer(t)
	rec, body := do(t, s.router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["embedding_model"])
	assert.Equal(t, false, body["vector_store"])
	assert.EqualValues(t, 2, body["max_concurrent_jobs"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newRAGServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestStoreQueryAsk_RoundTrip(t *testing.T) {
	s := newRAGServer(t)

	rec, body := do(t, s.router, http.MethodPost, "/store_embeddings",
		`{"text":"cats are mammals","metadata":{"src":"t"},"id":"d1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Embeddings stored successfully.", body["message"])
	assert.Equal(t, "d1", body["id"])

	rec, body = do(t, s.router, http.MethodPost, "/query_embeddings", `{"query":"cats are mammals","n_results":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{[]any{"d1"}}, body["ids"])
	assert.Equal(t, []any{[]any{"cats are mammals"}}, body["documents"])
	assert.Equal(t, []any{[]any{map[string]any{"src": "t"}}}, body["metadatas"])
	dist := body["distances"].([]any)[0].([]any)[0].(float64)
	assert.InDelta(t, 0, dist, 1e-5)

	rec, body = do(t, s.router, http.MethodPost, "/ask_llm", `{"query":"what are cats?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "answer", body["answer"])
	assert.Equal(t, "Context: cats are mammals\n\n\nQuestion: what are cats?\n\nAnswer:", s.llm.prompt)
	assert.Equal(t, 512, s.llm.maxTokens)
	assert.InDelta(t, 0.7, s.llm.temperature, 1e-6)
}

func TestQuery_PartialMatchReturnsSingleCandidate(t *testing.T) {
	s := newRAGServer(t)
	rec, _ := do(t, s.router, http.MethodPost, "/store_embeddings",
		`{"text":"cats are mammals","metadata":{},"id":"a1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := do(t, s.router, http.MethodPost, "/query_embeddings", `{"query":"mammals","n_results":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{[]any{"a1"}}, body["ids"])
	assert.Equal(t, []any{[]any{"cats are mammals"}}, body["documents"])
	assert.Len(t, body["distances"].([]any)[0], 1)
}

func TestStore_UpsertReplaces(t *testing.T) {
	s := newRAGServer(t)
	for _, text := range []string{"old text", "new text"} {
		rec, _ := do(t, s.router, http.MethodPost, "/store_embeddings", `{"text":"`+text+`","metadata":{},"id":"same"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	_, body := do(t, s.router, http.MethodPost, "/query_embeddings", `{"query":"text","n_results":10}`)
	assert.Equal(t, []any{[]any{"same"}}, body["ids"])
	assert.Equal(t, []any{[]any{"new text"}}, body["documents"])
}

func TestQuery_EmptyStoreAndLimit(t *testing.T) {
	s := newRAGServer(t)

	rec, body := do(t, s.router, http.MethodPost, "/query_embeddings", `{"query":"anything"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{[]any{}}, body["ids"])

	for _, id := range []string{"a", "b", "c", "d"} {
		do(t, s.router, http.MethodPost, "/store_embeddings", `{"text":"doc `+id+`","metadata":{},"id":"`+id+`"}`)
	}
	_, body = do(t, s.router, http.MethodPost, "/query_embeddings", `{"query":"doc","n_results":2}`)
	assert.Len(t, body["ids"].([]any)[0], 2)
}

func TestAsk_EmptyStoreUsesNoContext(t *testing.T) {
	s := newRAGServer(t)
	rec, body := do(t, s.router, http.MethodPost, "/ask_llm",
		`{"query":"why?","n_results":3,"max_tokens":64,"temperature":0.1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "answer", body["answer"])
	assert.Equal(t, "Context: No relevant context found.\n\nQuestion: why?\n\nAnswer:", s.llm.prompt)
	assert.Equal(t, 64, s.llm.maxTokens)
	assert.InDelta(t, 0.1, s.llm.temperature, 1e-6)
}

func TestAsk_LLMFailure(t *testing.T) {
	s := newRAGServer(t)
	s.llm.err = core.LLMFailed(errors.New("connection refused"))
	rec, body := do(t, s.router, http.MethodPost, "/ask_llm", `{"query":"q"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error calling LM Studio LLM: connection refused", body["detail"])
}

func TestGenerateEmbeddings(t *testing.T) {
	s := newRAGServer(t)
	rec, body := do(t, s.router, http.MethodPost, "/generate_embeddings", `{"text":"hello world","metadata":{},"id":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["embedding"], 32)

	_, again := do(t, s.router, http.MethodPost, "/generate_embeddings", `{"text":"hello world","metadata":{},"id":"y"}`)
	assert.Equal(t, body["embedding"], again["embedding"])
}

func TestUnavailableComponents(t *testing.T) {
	noModel := newTestServer(t, storage.NewRetriever(nil, storage.NewMemoryVectorStore(storage.DistanceCosine, 0), nil), nil)
	rec, body := do(t, noModel.router, http.MethodPost, "/generate_embeddings", `{"text":"x","metadata":{},"id":"1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Embedding model not loaded.", body["detail"])

	noStore := newTestServer(t, storage.NewRetriever(&wordEmbedder{}, nil, nil), nil)
	for _, path := range []string{"/store_embeddings", "/query_embeddings", "/ask_llm"} {
		rec, body := do(t, noStore.router, http.MethodPost, path, `{"text":"x","id":"1","query":"x"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		assert.Equal(t, "Vector store not initialized.", body["detail"], path)
	}
}

func TestEmbeddingFailureIsReported(t *testing.T) {
	s := newTestServer(t, storage.NewRetriever(&wordEmbedder{err: errors.New("model crashed")},
		storage.NewMemoryVectorStore(storage.DistanceCosine, 0), nil), nil)
	rec, body := do(t, s.router, http.MethodPost, "/store_embeddings", `{"text":"x","metadata":{},"id":"1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error generating embeddings: model crashed", body["detail"])
}

func TestBadRequests(t *testing.T) {
	s := newRAGServer(t)
	cases := []struct {
		path, body, detail string
	}{
		{"/analyze_video", `{"video_url":`, "Invalid request body"},
		{"/analyze_video", `{"video_url":"https://youtu.be/x"}`, "Missing required field: video_id"},
		{"/store_embeddings", `{"text":"x"}`, "Missing required field: id"},
		{"/query_embeddings", `{}`, "Missing required field: query"},
		{"/ask_llm", `not json`, "Invalid request body"},
		{"/analyze_video", `{"video_url":"--batch-file=/etc/passwd","video_id":"x"}`, "Invalid video_url"},
	}
	for _, tc := range cases {
		rec, body := do(t, s.router, http.MethodPost, tc.path, tc.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.path)
		assert.Contains(t, body["detail"], tc.detail, tc.path)
	}
	// 被拒绝的请求不会进入流水线
	assert.Empty(t, s.an.req.VideoURL)
}

func TestAnalyzeVideo(t *testing.T) {
	s := newRAGServer(t)
	rec, body := do(t, s.router, http.MethodPost, "/analyze_video",
		`{"video_url":"https://youtu.be/x","video_id":"v1","index_transcript":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v1", body["video_id"])
	assert.Equal(t, []any{}, body["scene_cuts"])
	assert.Equal(t, processors.AnalysisComplete, body["message"])
	assert.True(t, s.an.req.IndexTranscript)

	s.an.err = core.DownloadFailed("ERROR: Unsupported URL", errors.New("exit status 1"))
	rec, body = do(t, s.router, http.MethodPost, "/analyze_video", `{"video_url":"bad","video_id":"v2"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Video download failed: ERROR: Unsupported URL", body["detail"])

	s.an.err = errors.New("disk full")
	_, body = do(t, s.router, http.MethodPost, "/analyze_video", `{"video_url":"u","video_id":"v3"}`)
	assert.Equal(t, "Video analysis failed: disk full", body["detail"])
}

type failingFetcher struct{ dir string }

func (f *failingFetcher) Fetch(ctx context.Context, job *core.JobResource, url, videoID string) (string, error) {
	f.dir = job.Dir
	return "", core.DownloadFailed("HTTP Error 404", errors.New("exit status 1"))
}

func TestAnalyzeVideo_RemovesScratchDirOnFailure(t *testing.T) {
	fetcher := &failingFetcher{}
	pipeline := processors.NewPipeline(processors.PipelineDeps{
		Resources: core.NewResourceManager(core.ResourceConfig{ScratchRoot: t.TempDir()}),
		Fetcher:   fetcher,
	})
	h := NewHandlersWith(pipeline, storage.NewRetriever(nil, nil, nil), nil, RequestDefaults{})
	router := NewRouter(h, RouterOptions{})

	rec, body := do(t, router, http.MethodPost, "/analyze_video", `{"video_url":"u","video_id":"gone"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Video download failed: HTTP Error 404", body["detail"])
	require.NotEmpty(t, fetcher.dir)
	_, err := os.Stat(fetcher.dir)
	assert.True(t, os.IsNotExist(err))
}

func TestRateLimit(t *testing.T) {
	h := NewHandlersWith(&fakeAnalyzer{}, storage.NewRetriever(nil, nil, nil), nil, RequestDefaults{})
	router := NewRouter(h, RouterOptions{RateLimit: 0.001, RateBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := do(t, router, http.MethodGet, "/", "")
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCORSPreflight(t *testing.T) {
	s := newRAGServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/ask_llm", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
