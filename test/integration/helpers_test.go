//go:build integration

// Package integration provides end-to-end integration tests for dirgate.
// These tests require a running dirgate instance backed by PostgreSQL,
// Redis, and a reachable directory server with at least one admin account.
// Run with: go test -v -tags=integration ./test/integration/...
package integration

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// Service endpoint and credentials (configurable via environment variables)
var (
	baseURL       = envOrDefault("DIRGATE_URL", "http://localhost:8080")
	adminUsername = envOrDefault("DIRGATE_TEST_USERNAME", "admin")
	adminPassword = os.Getenv("DIRGATE_TEST_PASSWORD")
)

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// httpClient is a shared HTTP client with reasonable timeouts
var httpClient = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse // Don't follow redirects
	},
}

// requireStack skips the test unless directory admin credentials are set.
// Accounts come from the upstream directory, so the suite cannot create
// its own login user the way a self-contained identity store could.
func requireStack(t *testing.T) {
	t.Helper()
	if adminPassword == "" {
		t.Skip("DIRGATE_TEST_PASSWORD not set; skipping stack-dependent test")
	}
}

// apiRequest makes an HTTP request and returns status code and body
func apiRequest(t *testing.T, method, url string, body string, token string) (int, map[string]interface{}) {
	t.Helper()

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	var result map[string]interface{}
	if len(respBody) > 0 {
		json.Unmarshal(respBody, &result) // Ignore errors for non-JSON responses
	}

	return resp.StatusCode, result
}

// decodeJWTPayload extracts and decodes the payload from a JWT token
func decodeJWTPayload(t *testing.T, token string) map[string]interface{} {
	t.Helper()

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("Invalid JWT format: expected 3 parts, got %d", len(parts))
	}

	payload := parts[1]
	// Add padding
	switch len(payload) % 4 {
	case 2:
		payload += "=="
	case 3:
		payload += "="
	}

	decoded, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("Failed to decode JWT payload: %v", err)
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(decoded, &claims); err != nil {
		t.Fatalf("Failed to parse JWT claims: %v", err)
	}

	return claims
}

// loginAsAdmin authenticates against the directory and returns a bearer token
func loginAsAdmin(t *testing.T) string {
	t.Helper()
	requireStack(t)

	loginData := fmt.Sprintf(`{"username":%q,"password":%q}`, adminUsername, adminPassword)
	status, body := apiRequest(t, "POST", baseURL+"/api/v1/auth/login", loginData, "")
	if status != 200 {
		t.Fatalf("Login failed: status %d, body %v", status, body)
	}

	token, ok := body["token"].(string)
	if !ok || token == "" {
		t.Fatal("Login response missing 'token' field")
	}

	return token
}
