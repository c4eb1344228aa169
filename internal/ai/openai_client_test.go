package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOpenAIClientGenerateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not_found"}`))
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["max_tokens"] != float64(500) || payload["top_p"] != 0.9 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"unexpected payload %v"}`, payload)))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"gpt-4.1-mini",
			"choices":[{"message":{"role":"assistant","content":"Olá, mundo"}}],
			"usage":{"prompt_tokens":123,"completion_tokens":22,"total_tokens":145}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
	})

	result, err := client.Generate(context.Background(), GenerateRequest{
		Model:           "gpt-4.1-mini",
		Input:           "translate hello world",
		Temperature:     0.2,
		MaxOutputTokens: 500,
		TopP:            0.9,
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if result.Text != "Olá, mundo" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if result.Usage.TotalTokens != 145 || !result.Usage.Reported() {
		t.Fatalf("expected total tokens 145, got %d", result.Usage.TotalTokens)
	}
}

func TestOpenAIClientRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		current := atomic.AddInt32(&calls, 1)
		if current == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"gpt-4.1-mini",
			"choices":[{"message":{"role":"assistant","content":"ok"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":10,"total_tokens":20}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 2,
	})
	result, err := client.Generate(context.Background(), GenerateRequest{Model: "gpt-4.1-mini", Input: "test"})
	if err != nil {
		t.Fatalf("expected success after retry, got err=%v", err)
	}
	if result.Text == "" {
		t.Fatalf("expected non-empty text after retry")
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected at least 2 calls, got %d", calls)
	}
}

func TestOpenAIClientDoesNotRetryBadRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad model"}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIClientConfig{APIKey: "k", BaseURL: server.URL, MaxRetries: 3})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "nope", Input: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestOpenAIClientParsesArrayContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"gpt-4.1-mini",
			"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"linha 1"},{"type":"text","text":"linha 2"}]}}],
			"usage":{"prompt_tokens":5,"completion_tokens":5,"total_tokens":10}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIClientConfig{APIKey: "test-key", BaseURL: server.URL, Timeout: 2 * time.Second})
	result, err := client.Generate(context.Background(), GenerateRequest{Model: "gpt-4.1-mini", Input: "test"})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if got := result.Text; got != "linha 1\nlinha 2" {
		t.Fatalf("unexpected parsed text: %q", got)
	}
}

func TestOpenAIClientUnavailableWithoutKey(t *testing.T) {
	client := NewOpenAIClient(OpenAIClientConfig{APIKey: ""})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "gpt-4.1-mini", Input: "test"})
	if !errors.Is(err, ErrInferenceUnavailable) {
		t.Fatalf("expected ErrInferenceUnavailable, got %v", err)
	}
}

func TestOpenAIClientAnonymousLocalServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"local"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIClientConfig{BaseURL: server.URL, AllowAnonymous: true})
	result, err := client.Generate(context.Background(), GenerateRequest{Model: "qwen", Input: "test"})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if result.ModelID != "qwen" {
		t.Fatalf("expected requested model as fallback id, got %q", result.ModelID)
	}
	if result.Usage.Reported() {
		t.Fatalf("expected no usage reported")
	}
}

func TestOpenAIClientSendsOptionalHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("HTTP-Referer"); got != "https://example.com" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"unexpected referer %q"}`, got)))
			return
		}
		if got := r.Header.Get("X-Title"); got != "LLM DVM" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"unexpected title %q"}`, got)))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"openai/gpt-4.1-mini",
			"choices":[{"message":{"role":"assistant","content":"ok"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIClientConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		SiteURL: "https://example.com",
		AppName: "LLM DVM",
	})
	_, err := client.Generate(context.Background(), GenerateRequest{Model: "openai/gpt-4.1-mini", Input: "test"})
	if err != nil {
		t.Fatalf("expected success with optional headers, got err=%v", err)
	}
}
