package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOllamaClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload.Stream || payload.Model != "llama3.2" || payload.Options.NumPredict != 64 || payload.Options.TopK != 40 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"model":"llama3.2","response":" bonjour ","done":true,"prompt_eval_count":12,"eval_count":3}`))
	}))
	defer server.Close()

	client := NewOllamaClient(OllamaClientConfig{BaseURL: server.URL, Timeout: 2 * time.Second})
	result, err := client.Generate(context.Background(), GenerateRequest{
		Model:           "llama3.2",
		Input:           "translate hello",
		MaxOutputTokens: 64,
		TopK:            40,
	})
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if result.Text != "bonjour" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if result.Usage.InputTokens != 12 || result.Usage.OutputTokens != 3 || result.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage %+v", result.Usage)
	}
}

func TestOllamaClientRetriesServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`model is loading`))
			return
		}
		_, _ = w.Write([]byte(`{"response":"ok","done":true}`))
	}))
	defer server.Close()

	client := NewOllamaClient(OllamaClientConfig{BaseURL: server.URL, MaxRetries: 1})
	result, err := client.Generate(context.Background(), GenerateRequest{Model: "llama3.2", Input: "hi"})
	if err != nil {
		t.Fatalf("expected success after retry, got err=%v", err)
	}
	if result.Usage.Reported() {
		t.Fatalf("expected no usage when counts are missing")
	}
}

func TestOllamaClientRejectsEmptyInput(t *testing.T) {
	client := NewOllamaClient(OllamaClientConfig{})
	if _, err := client.Generate(context.Background(), GenerateRequest{Model: "llama3.2"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
