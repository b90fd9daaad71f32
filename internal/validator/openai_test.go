package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kycbackend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatStub(t *testing.T, content string) (*httptest.Server, *string) {
	t.Helper()
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		messages := req["messages"].([]interface{})
		prompt = messages[len(messages)-1].(map[string]interface{})["content"].(string)

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	return server, &prompt
}

func sampleEvidence() []DocumentEvidence {
	return []DocumentEvidence{
		{
			DocumentType:  "id_card",
			Entities:      model.ExtractedEntitySet{Name: "John Smith", DOB: "01/02/1990", Address: "12 Main Street", IDNumber: "AB1234567"},
			OCRConfidence: 0.95,
		},
		{
			DocumentType:  "passport",
			Entities:      model.ExtractedEntitySet{Name: "John Smith", DOB: "01/02/1990"},
			OCRConfidence: 0.90,
		},
	}
}

func TestValidateParsesStructuredResponse(t *testing.T) {
	content := `{"validated": true, "suspicion_score": 12, "reasoning": "Documents are consistent", "fraud_signals": [], "mismatches": {}}`
	server, prompt := chatStub(t, content)
	defer server.Close()

	v := NewOpenAIValidator("test-key", server.URL, "gpt-4o-mini", 5*time.Second)
	signal, err := v.Validate(context.Background(), sampleEvidence())
	require.NoError(t, err)

	assert.True(t, signal.Validated)
	assert.Equal(t, 12.0, signal.SuspicionScore)
	assert.Equal(t, "Documents are consistent", signal.Reasoning)
	assert.False(t, signal.Unavailable)

	// The prompt carries every document's extracted fields in one call.
	assert.Contains(t, *prompt, "id_card")
	assert.Contains(t, *prompt, "passport")
	assert.Contains(t, *prompt, "John Smith")
	assert.Contains(t, *prompt, "Not found") // passport has no address
}

func TestValidateExtractsJSONFromProse(t *testing.T) {
	content := "Here is my analysis:\n```json\n{\"validated\": false, \"suspicion_score\": 70, \"reasoning\": \"names differ\", \"fraud_signals\": [\"name inconsistency\"], \"mismatches\": {\"name\": \"John vs Jon\"}}\n```\nLet me know if you need more."
	server, _ := chatStub(t, content)
	defer server.Close()

	v := NewOpenAIValidator("test-key", server.URL, "", 5*time.Second)
	signal, err := v.Validate(context.Background(), sampleEvidence())
	require.NoError(t, err)

	assert.False(t, signal.Validated)
	assert.Equal(t, 70.0, signal.SuspicionScore)
	assert.Equal(t, "John vs Jon", signal.Mismatches["name"])
}

func TestValidateClampsOutOfRangeScore(t *testing.T) {
	content := `{"validated": false, "suspicion_score": 420, "reasoning": "very bad"}`
	server, _ := chatStub(t, content)
	defer server.Close()

	v := NewOpenAIValidator("test-key", server.URL, "", 5*time.Second)
	signal, err := v.Validate(context.Background(), sampleEvidence())
	require.NoError(t, err)
	assert.Equal(t, 100.0, signal.SuspicionScore)
}

func TestValidateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limit exceeded"}}`)
	}))
	defer server.Close()

	v := NewOpenAIValidator("test-key", server.URL, "", 5*time.Second)
	_, err := v.Validate(context.Background(), sampleEvidence())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestValidateWithoutAPIKey(t *testing.T) {
	v := NewOpenAIValidator("", "http://localhost:0", "", time.Second)
	_, err := v.Validate(context.Background(), sampleEvidence())
	assert.Error(t, err)
}

func TestParseSignalKeywordFallback(t *testing.T) {
	content := "The documents show a name mismatch and a DOB mismatch. The pattern looks suspicious."
	signal := parseSignal(content)

	assert.False(t, signal.Validated)
	assert.Len(t, signal.Mismatches, 2)
	assert.Len(t, signal.FraudSignals, 1)
	// One signal at 25 plus two mismatches at 15 each.
	assert.Equal(t, 55.0, signal.SuspicionScore)
}

func TestUnavailableSignal(t *testing.T) {
	signal := UnavailableSignal("timed out")
	assert.True(t, signal.Unavailable)
	assert.False(t, signal.Validated)
	assert.Equal(t, "timed out", signal.Reasoning)
	assert.Zero(t, signal.SuspicionScore)
}
