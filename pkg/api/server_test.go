package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/proofcaptcha/proofcaptcha/pkg/analytics"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/config"
	"github.com/proofcaptcha/proofcaptcha/pkg/keys"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitoring"
	"github.com/proofcaptcha/proofcaptcha/pkg/ratelimit"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

const (
	testSitekey = "pk_AAAA"
	testSecret  = "sk_0123456789abcdef0123456789abcdef"
	testDomain  = "example.com"
	browserUA   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()

	memory := store.NewMemory()
	blocklist := ratelimit.NewBlocklist()
	signer := keys.NewSigner([]byte("0123456789abcdef0123456789abcdef"))

	server := &Server{
		Stage:      common.StageTest,
		Store:      memory,
		Signer:     signer,
		Sessions:   session.NewManager(signer),
		Risk:       risk.NewPipeline(nil /*vpn*/, blocklist),
		Blocklist:  blocklist,
		Monitor:    monitoring.NewMonitor(),
		Metrics:    monitoring.NewService(),
		Aggregator: analytics.NewAggregator(memory),
	}
	server.Init(config.NewEnvConfig(func(string) string { return "" }))
	t.Cleanup(server.Shutdown)

	apiKey := &store.ApiKey{
		ID:          "key1",
		DeveloperID: "dev1",
		Name:        "test",
		Sitekey:     testSitekey,
		Secretkey:   testSecret,
		Domain:      testDomain,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := memory.CreateApiKey(context.Background(), apiKey); err != nil {
		t.Fatalf("Failed to seed api key: %v", err)
	}

	return server, memory
}

func jsonRequest(t *testing.T, target string, body interface{}) *http.Request {
	t.Helper()

	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(encoded))
	r.Header.Set(common.HeaderContentType, common.ContentTypeJSON)
	r.Header.Set(common.HeaderOrigin, "https://"+testDomain)
	r.Header.Set(common.HeaderUserAgent, browserUA)
	r.Header.Set(common.HeaderAcceptLanguage, "en-US,en;q=0.9")
	r.Header.Set(common.HeaderAcceptEncoding, "gzip, deflate, br")
	r.Header.Set("Accept", "application/json")
	r.Header.Set(common.HeaderSecChUA, `"Chromium";v="126"`)
	r.Header.Set(common.HeaderSecFetchSite, "cross-site")
	r.Header.Set(common.HeaderSecFetchMode, "cors")
	return r
}

func decodeResponse[T any](t *testing.T, recorder *httptest.ResponseRecorder) *T {
	t.Helper()

	var result T
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode response %q: %v", recorder.Body.String(), err)
	}

	return &result
}

func requestChallenge(t *testing.T, server *Server, body interface{}) (*httptest.ResponseRecorder, *challengeResponse) {
	t.Helper()

	recorder := httptest.NewRecorder()
	server.challengeHandler(recorder, jsonRequest(t, "https://captcha.test/"+common.ChallengeEndpoint, body))

	if recorder.Code != http.StatusOK {
		return recorder, nil
	}

	return recorder, decodeResponse[challengeResponse](t, recorder)
}

func newRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

type errorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func expectErrorCode(t *testing.T, recorder *httptest.ResponseRecorder, status int, code Code) {
	t.Helper()

	if recorder.Code != status {
		t.Fatalf("Expected status %v, got %v: %v", status, recorder.Code, recorder.Body.String())
	}

	response := decodeResponse[errorBody](t, recorder)
	if response.Code != string(code) {
		t.Fatalf("Expected code %v, got %v", code, response.Code)
	}
}
