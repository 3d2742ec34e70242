package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"No models loaded"}}`))
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultEmbeddingModel, req.Model)

		data := make([]map[string]any, 0, len(req.Input))
		for i, text := range req.Input {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len(text)), 1, 0},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	}))
}

func TestEmbeddingService_Embed(t *testing.T) {
	srv := embeddingServer(t, http.StatusOK)
	defer srv.Close()

	svc := NewEmbeddingService(EmbeddingOptions{BaseURL: srv.URL + "/v1", Timeout: 5 * time.Second})
	assert.Equal(t, 0, svc.Dimensions())

	v, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 1, 0}, v)
	assert.Equal(t, 3, svc.Dimensions())

	// 相同文本得到相同向量
	again, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, v, again)

	batch, err := svc.EmbedBatch(context.Background(), []string{"a", "abc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1, 0}, {3, 1, 0}}, batch)
}

func TestProbeEmbedding(t *testing.T) {
	ok := embeddingServer(t, http.StatusOK)
	defer ok.Close()
	dim, err := ProbeEmbedding(context.Background(), NewEmbeddingService(EmbeddingOptions{BaseURL: ok.URL + "/v1"}))
	require.NoError(t, err)
	assert.Equal(t, 3, dim)

	down := embeddingServer(t, http.StatusNotFound)
	defer down.Close()
	_, err = ProbeEmbedding(context.Background(), NewEmbeddingService(EmbeddingOptions{BaseURL: down.URL + "/v1"}))
	assert.Error(t, err)
}
