package processors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videoAnalyzer/core"
)

func TestNewASRProvider(t *testing.T) {
	p, err := NewASRProvider(ASROptions{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewASRProvider(ASROptions{Provider: "whisper_cli"})
	require.NoError(t, err)
	assert.Equal(t, "whisper_cli", p.Name())

	p, err = NewASRProvider(ASROptions{Provider: "openai", BaseURL: "http://localhost:1234/v1"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	_, err = NewASRProvider(ASROptions{Provider: "vosk"})
	assert.Error(t, err)
}

func TestLocalWhisperASR_Unavailable(t *testing.T) {
	p := &LocalWhisperASR{binary: "whisper-does-not-exist"}
	assert.Error(t, p.Available(context.Background()))
}

func TestLocalWhisperASR_ReadsTextOutput(t *testing.T) {
	bin := writeScript(t, "whisper", `
video="$1"; shift
while [ $# -gt 0 ]; do
  case "$1" in
    --output_dir) dir="$2"; shift ;;
  esac
  shift
done
name=$(basename "$video" .mp4)
printf ' hello from the video \n' > "$dir/$name.txt"
`)
	p := &LocalWhisperASR{binary: bin, model: "base"}
	require.NoError(t, p.Available(context.Background()))

	tr := NewTranscriber(p)
	text, err := tr.Transcribe(context.Background(), "/videos/abc123.mp4", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "hello from the video", text)
	assert.Equal(t, "whisper_cli", tr.Provider())
}

func TestOpenAIASR_Transcribe(t *testing.T) {
	ffmpeg := writeScript(t, "ffmpeg", `for a in "$@"; do last="$a"; done
echo RIFF > "$last"
`)
	var model, filename string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"whisper-1","object":"model"}]}`))
		case "/v1/audio/transcriptions":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			model = r.FormValue("model")
			if _, hdr, err := r.FormFile("file"); assert.NoError(t, err) {
				filename = hdr.Filename
			}
			_, _ = w.Write([]byte(`{"text":"  hello from the api  "}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewOpenAIASR(ASROptions{BaseURL: srv.URL + "/v1", FFmpeg: ffmpeg, Timeout: 5 * time.Second})
	require.NoError(t, p.Available(context.Background()))

	workDir := t.TempDir()
	text, err := NewTranscriber(p).Transcribe(context.Background(), "/videos/abc123.mp4", workDir)
	require.NoError(t, err)
	assert.Equal(t, "hello from the api", text)
	assert.Equal(t, "whisper-1", model)
	assert.Equal(t, "audio.wav", filename)
	assert.FileExists(t, filepath.Join(workDir, "audio.wav"))
}

func TestOpenAIASR_APIError(t *testing.T) {
	ffmpeg := writeScript(t, "ffmpeg", `for a in "$@"; do last="$a"; done
echo RIFF > "$last"
`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"model crashed","type":"server_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIASR(ASROptions{BaseURL: srv.URL + "/v1", FFmpeg: ffmpeg, Timeout: 5 * time.Second})
	assert.Error(t, p.Available(context.Background()))

	_, err := p.Transcribe(context.Background(), "/videos/abc123.mp4", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcription API failed")
	assert.Equal(t, core.KindInternal, core.KindOf(err))
}

func TestOpenAIASR_AudioExtractionFails(t *testing.T) {
	ffmpeg := writeScript(t, "ffmpeg", "echo 'no audio stream' >&2\nexit 1\n")
	p := NewOpenAIASR(ASROptions{BaseURL: "http://127.0.0.1:1/v1", FFmpeg: ffmpeg})

	workDir := t.TempDir()
	_, err := p.Transcribe(context.Background(), "/videos/silent.mp4", workDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract audio")
	_, statErr := os.Stat(filepath.Join(workDir, "audio.wav"))
	assert.True(t, os.IsNotExist(statErr))
}
