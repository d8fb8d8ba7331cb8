package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHeuristic(t *testing.T) {
	tests := []struct {
		url      string
		name     string
		fileType FileType
	}{
		{"https://example.com/releases/ubuntu-24.04.iso", "ubuntu-24.04.iso", TypeSoftware},
		{"https://example.com/video.MP4?token=abc#frag", "video.MP4", TypeVideo},
		{"https://example.com/my%20song.mp3", "my song.mp3", TypeAudio},
		{"https://example.com/", "resource_stream", TypeOther},
		{"https://example.com", "resource_stream", TypeOther},
		{"https://example.com/files/", "files", TypeOther},
		{"https://example.com/" + strings.Repeat("a", 40) + ".zip", strings.Repeat("a", 32), TypeOther},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			a := Heuristic(tt.url)
			assert.Equal(t, tt.name, a.SuggestedName)
			assert.Equal(t, tt.fileType, a.FileType)
			assert.Equal(t, []string{"detected"}, a.Tags)
			assert.Equal(t, NeutralSafetyScore, a.SafetyScore)
		})
	}
}

type stubAnalyzer struct {
	result Analysis
	err    error
	delay  time.Duration
}

func (s stubAnalyzer) Analyze(ctx context.Context, rawURL string) (Analysis, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Analysis{}, ctx.Err()
		}
	}
	return s.result, s.err
}

func TestServiceFallsBackOnError(t *testing.T) {
	svc := NewService(stubAnalyzer{err: errors.New("quota exceeded")}, time.Second, zaptest.NewLogger(t))
	a := svc.Analyze(context.Background(), "https://example.com/a.pdf")
	assert.Equal(t, Heuristic("https://example.com/a.pdf"), a)
}

func TestServiceFallsBackOnTimeout(t *testing.T) {
	svc := NewService(stubAnalyzer{delay: time.Second}, 20*time.Millisecond, zaptest.NewLogger(t))

	start := time.Now()
	a := svc.Analyze(context.Background(), "https://example.com/a.pdf")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "a.pdf", a.SuggestedName)
}

func TestServiceNormalizesRemoteResult(t *testing.T) {
	svc := NewService(stubAnalyzer{result: Analysis{
		SuggestedName: "../../etc/passwd",
		FileType:      "SPREADSHEET",
		SafetyScore:   140,
	}}, time.Second, nil)

	a := svc.Analyze(context.Background(), "https://example.com/report.xlsx")
	assert.Equal(t, "passwd", a.SuggestedName)
	assert.Equal(t, TypeOther, a.FileType)
	assert.Equal(t, 100, a.SafetyScore)
	assert.NotNil(t, a.Tags)
}

func TestServiceWithoutRemote(t *testing.T) {
	a := NewService(nil, 0, nil).Analyze(context.Background(), "https://example.com/x.tar")
	assert.Equal(t, TypeArchive, a.FileType)
}

func TestHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(Analysis{
			SuggestedName: "clip.mkv",
			FileType:      TypeVideo,
			Description:   "A video for " + req.URL,
			Tags:          []string{"video"},
			SafetyScore:   80,
		})
	}))
	defer srv.Close()

	a, err := NewHTTPClient(srv.URL, "key", nil).Analyze(context.Background(), "https://cdn.example.com/c")
	require.NoError(t, err)
	assert.Equal(t, "clip.mkv", a.SuggestedName)
	assert.Equal(t, "A video for https://cdn.example.com/c", a.Description)
	assert.Equal(t, 80, a.SafetyScore)
}

func TestHTTPClientErrors(t *testing.T) {
	_, err := NewHTTPClient("http://unused", "", nil).Analyze(context.Background(), "https://x/y")
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err = NewHTTPClient(srv.URL, "key", nil).Analyze(context.Background(), "https://x/y")
	assert.Error(t, err)
}
