package extractor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOCRClientExtract(t *testing.T) {
	var gotMime string
	var gotFile []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotMime = r.FormValue("mime_type")

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		buf := make([]byte, 16)
		n, _ := file.Read(buf)
		gotFile = buf[:n]

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"Name: John Smith","confidence":0.92,"lines":[{"text":"Name: John Smith","confidence":0.92}]}`))
	}))
	defer server.Close()

	client := NewOCRClient(server.URL, 5*time.Second)
	result, err := client.Extract(context.Background(), []byte("fake-image"), "image/png")
	require.NoError(t, err)

	assert.Equal(t, "Name: John Smith", result.Text)
	assert.Equal(t, 0.92, result.Confidence)
	require.Len(t, result.Lines, 1)
	assert.Equal(t, "image/png", gotMime)
	assert.Equal(t, []byte("fake-image"), gotFile)
}

func TestOCRClientClampsConfidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"x","confidence":1.7}`))
	}))
	defer server.Close()

	client := NewOCRClient(server.URL, 5*time.Second)
	result, err := client.Extract(context.Background(), []byte("x"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestOCRClientEngineError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewOCRClient(server.URL, 5*time.Second)
	_, err := client.Extract(context.Background(), []byte("x"), "image/png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestOCRClientHonorsContextDeadline(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	client := NewOCRClient(server.URL, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Extract(ctx, []byte("x"), "image/png")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
