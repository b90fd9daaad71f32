package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// OpenAIValidator performs cross-document validation with a chat-completions
// call. One batched call per application, never per document.
type OpenAIValidator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOpenAIValidator(apiKey, baseURL, model string, timeout time.Duration) *OpenAIValidator {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIValidator{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

const systemPrompt = "You are a KYC document validation expert. Analyze documents for consistency and fraud signals. Respond with JSON only."

func (v *OpenAIValidator) Validate(ctx context.Context, docs []DocumentEvidence) (*Signal, error) {
	if v.apiKey == "" {
		return nil, fmt.Errorf("validator: no API key configured")
	}

	payload := chatRequest{
		Model: v.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(docs)},
		},
		Temperature: 0.3,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("validator: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("validator: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validator: call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("validator: failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("validator: failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("validator: API error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK || len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("validator: unexpected response status %d", resp.StatusCode)
	}

	return parseSignal(parsed.Choices[0].Message.Content), nil
}

func buildPrompt(docs []DocumentEvidence) string {
	var sb strings.Builder
	sb.WriteString("Analyze the following KYC documents for consistency and potential fraud signals.\n\nDocuments:\n")

	for i, doc := range docs {
		fmt.Fprintf(&sb, "\nDocument %d - Type: %s\n", i+1, doc.DocumentType)
		fmt.Fprintf(&sb, "- Name: %s\n", orNotFound(doc.Entities.Name))
		fmt.Fprintf(&sb, "- DOB: %s\n", orNotFound(doc.Entities.DOB))
		fmt.Fprintf(&sb, "- Address: %s\n", orNotFound(doc.Entities.Address))
		fmt.Fprintf(&sb, "- ID Number: %s\n", orNotFound(doc.Entities.IDNumber))
		fmt.Fprintf(&sb, "OCR Confidence: %.2f\n", doc.OCRConfidence)
	}

	sb.WriteString(`
Check name, DOB, address and ID number consistency across documents and any
suspicious patterns. Respond in JSON:
{
  "validated": true/false,
  "suspicion_score": 0-100,
  "reasoning": "explanation",
  "fraud_signals": ["..."],
  "mismatches": {"name": "...", "dob": "...", "address": "..."}
}
`)
	return sb.String()
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseSignal extracts the JSON object from the model output, falling back
// to keyword scanning when the model did not produce valid JSON.
func parseSignal(content string) *Signal {
	if m := jsonBlockRe.FindString(content); m != "" {
		var sig Signal
		if err := json.Unmarshal([]byte(m), &sig); err == nil {
			sig.clamp()
			return &sig
		}
	}

	sig := &Signal{
		Validated:  strings.Contains(strings.ToLower(content), "\"validated\": true"),
		Reasoning:  truncate(content, 500),
		Mismatches: map[string]string{},
	}

	lower := strings.ToLower(content)
	if strings.Contains(lower, "name mismatch") {
		sig.Mismatches["name"] = "Name mismatch detected"
	}
	if strings.Contains(lower, "dob mismatch") || strings.Contains(lower, "date mismatch") {
		sig.Mismatches["dob"] = "DOB mismatch detected"
	}
	if strings.Contains(lower, "address mismatch") {
		sig.Mismatches["address"] = "Address mismatch detected"
	}
	if strings.Contains(lower, "suspicious") || strings.Contains(lower, "fraud") {
		sig.FraudSignals = append(sig.FraudSignals, "Suspicious patterns detected")
	}

	// Derive a score when the model gave none: signals weigh heavier than
	// field mismatches.
	sig.SuspicionScore = float64(len(sig.FraudSignals))*25 + float64(len(sig.Mismatches))*15
	sig.clamp()
	return sig
}

func (s *Signal) clamp() {
	if s.SuspicionScore < 0 {
		s.SuspicionScore = 0
	}
	if s.SuspicionScore > 100 {
		s.SuspicionScore = 100
	}
}

func orNotFound(s string) string {
	if s == "" {
		return "Not found"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
