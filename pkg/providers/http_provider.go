// DotRAG - Retrieval-augmented conversational assistant
// License: MIT
//
// Copyright (c) 2026 DotRAG contributors

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 120 * time.Second

// HTTPGenerator calls an OpenAI-compatible chat completions endpoint.
type HTTPGenerator struct {
	providerName string
	apiKey       string
	apiBase      string
	model        string
	httpClient   *http.Client
	extraHeaders map[string]string
}

func NewHTTPGenerator(providerName, apiKey, apiBase, model, proxy string) (*HTTPGenerator, error) {
	providerName = NormalizeProviderName(providerName)
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	if proxy = strings.TrimSpace(proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return &HTTPGenerator{
		providerName: providerName,
		apiKey:       strings.TrimSpace(apiKey),
		apiBase:      apiBase,
		model:        strings.TrimSpace(model),
		httpClient:   client,
		extraHeaders: map[string]string{},
	}, nil
}

// Generate sends prompt as a single user message and returns the first
// choice's content.
func (p *HTTPGenerator) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	requestBody := map[string]interface{}{
		"model":    p.model,
		"messages": []Message{{Role: "user", Content: prompt}},
	}
	if maxTokens > 0 {
		requestBody["max_tokens"] = maxTokens
	}
	requestBody["temperature"] = temperature

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("marshal %s request: %w", p.providerName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create %s request: %w", p.providerName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for name, value := range p.extraHeaders {
		req.Header.Set(name, value)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send %s request: %w", p.providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", p.providerName, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := augmentProviderError(p.providerName, resp.StatusCode, extractAPIError(body))
		return "", fmt.Errorf("%s API request failed: status=%d error=%s", p.providerName, resp.StatusCode, msg)
	}

	return parseChatCompletionsResponse(body)
}

func parseChatCompletionsResponse(body []byte) (string, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content interface{} `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *UsageInfo `json:"usage"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}
	return strings.TrimSpace(flattenMessageContent(apiResponse.Choices[0].Message.Content)), nil
}

func flattenMessageContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
