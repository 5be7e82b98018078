package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/config"
)

func TestCreateGenerator_OpenRouterRequestShape(t *testing.T) {
	var seenAuth, seenPath string
	var seenReq map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&seenReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" five incidents are open "},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	gen, err := CreateGenerator(config.GenerationConfig{
		Provider:  "openrouter",
		APIKey:    "or-key",
		APIBase:   server.URL,
		Model:     "test/model",
		TimeoutMS: 2000,
	})
	if err != nil {
		t.Fatalf("create generator: %v", err)
	}
	text, err := gen.Generate(context.Background(), "how many incidents?", 64, 0.1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "five incidents are open" {
		t.Fatalf("text = %q", text)
	}
	if seenAuth != "Bearer or-key" {
		t.Fatalf("expected bearer auth, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
	if seenReq["model"] != "test/model" || seenReq["max_tokens"] != float64(64) {
		t.Fatalf("unexpected request body: %v", seenReq)
	}
}

func TestCreateGenerator_RequiresKeyAndKnownProvider(t *testing.T) {
	if _, err := CreateGenerator(config.GenerationConfig{Provider: "none"}); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	if _, err := CreateGenerator(config.GenerationConfig{Provider: "openai"}); err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, err := CreateGenerator(config.GenerationConfig{Provider: "mystery", APIKey: "k"}); err == nil || !strings.Contains(err.Error(), "unsupported provider") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}
}

func TestHTTPGenerator_ErrorStatusIncludesHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	gen, err := NewHTTPGenerator("openai", "k", server.URL, "m", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = gen.Generate(context.Background(), "hi", 10, 0)
	if err == nil || !strings.Contains(err.Error(), "bad key") || !strings.Contains(err.Error(), "Hint") {
		t.Fatalf("expected augmented error, got %v", err)
	}

	_, err = WithTimeout(gen, time.Second).Generate(context.Background(), "hi", 10, 0)
	if !errors.Is(err, ErrGenerationFailure) {
		t.Fatalf("expected ErrGenerationFailure, got %v", err)
	}
}

func TestWithTimeout_MapsDeadlineToTimeoutError(t *testing.T) {
	slow := GeneratorFunc(func(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	_, err := WithTimeout(slow, 20*time.Millisecond).Generate(context.Background(), "p", 1, 0)
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Fatalf("expected ErrGenerationTimeout, got %v", err)
	}
}

func TestWithTimeout_PassesThroughSuccess(t *testing.T) {
	fast := GeneratorFunc(func(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
		return "echo: " + prompt, nil
	})
	got, err := WithTimeout(fast, time.Second).Generate(context.Background(), "p", 1, 0)
	if err != nil || got != "echo: p" {
		t.Fatalf("got %q, %v", got, err)
	}
}
