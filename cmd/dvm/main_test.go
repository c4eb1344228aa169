package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/llm-dvm/internal/domain"
	"github.com/iago/llm-dvm/internal/nostr"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--env-file", ""}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		outputFormat = "table"
		keygenJSON = false
		apiToken = ""
		listStatus = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestKeygenPrintsValidKeyPair(t *testing.T) {
	output, err := runCommand(t, "keygen", "--json")
	require.NoError(t, err)

	var keys map[string]string
	require.NoError(t, json.Unmarshal([]byte(output), &keys))
	derived, err := nostr.PublicKeyHex(keys["private_key"])
	require.NoError(t, err)
	assert.Equal(t, derived, keys["public_key"])
}

func TestJobsListRendersTable(t *testing.T) {
	var gotAuth, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []domain.JobRecord{{
				ID:                "0123456789abcdef",
				CreatedAt:         time.Now(),
				RequesterIdentity: strings.Repeat("ab", 32),
				Kind:              5050,
				Status:            domain.JobStatusAwaitingPayment,
				ModelUsed:         "llama3.2",
				TokensProcessed:   domain.IntPtr(50),
				InvoiceAmountSats: domain.Int64Ptr(10),
			}},
			"total":     1,
			"page":      1,
			"page_size": 20,
		})
	}))
	defer server.Close()

	output, err := runCommand(t, "jobs", "list", "--api", server.URL, "--token", "secret", "--status", "awaiting_payment")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Contains(t, gotQuery, "status=awaiting_payment")
	assert.Contains(t, output, "01234567")
	assert.Contains(t, output, "awaiting_payment")
	assert.Contains(t, output, "llama3.2")
	assert.Contains(t, output, "1 of 1 jobs")
}

func TestJobsListRejectsUnknownStatus(t *testing.T) {
	_, err := runCommand(t, "jobs", "list", "--api", "http://127.0.0.1:1", "--status", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestJobsGetSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"job not found"},"request_id":"x"}`))
	}))
	defer server.Close()

	_, err := runCommand(t, "jobs", "get", "missing", "--api", server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}
