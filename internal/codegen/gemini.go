package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider handles Google Gemini API requests
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiProvider creates a new Gemini provider. An empty baseURL uses
// the public API.
func NewGeminiProvider(apiKey, baseURL string) *GeminiProvider {
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ChatCompletion makes a chat completion request to Gemini
func (p *GeminiProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	startTime := time.Now()

	body, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode Gemini request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read Gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{Provider: "Gemini", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var content strings.Builder
	if len(geminiResp.Candidates) > 0 {
		for _, part := range geminiResp.Candidates[0].Content.Parts {
			content.WriteString(part.Text)
		}
	}

	return &ChatResponse{
		Model:            req.Model,
		Content:          content.String(),
		PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
		CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		LatencyMs:        int(time.Since(startTime).Milliseconds()),
	}, nil
}

// convertRequest converts to Gemini format
func (p *GeminiProvider) convertRequest(req ChatRequest) geminiRequest {
	out := geminiRequest{Contents: []geminiContent{}}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}

	if req.Temperature != nil || req.MaxTokens != nil {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return out
}

// ValidateModel checks if a model is valid
func (p *GeminiProvider) ValidateModel(model string) bool {
	validModels := map[string]bool{
		"gemini-2.5-flash": true,
		"gemini-2.5-pro":   true,
		"gemini-2.0-flash": true,
	}
	return validModels[model]
}

// GetProviderName returns the provider name
func (p *GeminiProvider) GetProviderName() string {
	return "google"
}
