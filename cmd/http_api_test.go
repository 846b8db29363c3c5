package cmd

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"leadflow/internal/domain/engagement"
	"leadflow/internal/domain/job"
	"leadflow/internal/infrastructure/metrics"
	"leadflow/internal/infrastructure/queue/redisqueue"
	"leadflow/internal/ports"
	"leadflow/internal/usecase/leads"
)

const (
	testAppSecret = "app-secret"
	testJWTSecret = "jwt-secret"
	testVerify    = "verify-me"
)

type stubLeadService struct {
	accounts   map[string]ports.Account
	registered []leads.RegisterAccountInput
}

func (s *stubLeadService) GetAccount(_ context.Context, tenantID string, accountID string) (ports.Account, error) {
	account, ok := s.accounts[accountID]
	if !ok || account.TenantID != tenantID {
		return ports.Account{}, engagement.ErrAccountNotFound
	}
	return account, nil
}

func (s *stubLeadService) RegisterAccount(_ context.Context, tenantID string, input leads.RegisterAccountInput) (ports.Account, error) {
	platform, err := engagement.ParsePlatform(input.Platform)
	if err != nil {
		return ports.Account{}, fmt.Errorf("%w: %v", engagement.ErrValidation, err)
	}
	s.registered = append(s.registered, input)
	return ports.Account{
		ID:                "acc-new",
		TenantID:          tenantID,
		Platform:          platform,
		ExternalAccountID: input.ExternalAccountID,
		Name:              input.Name,
	}, nil
}

func (s *stubLeadService) TenantStats(_ context.Context, tenantID string) (engagement.TenantStats, error) {
	return engagement.TenantStats{TenantID: tenantID, Total: 3, Unanswered: 2}, nil
}

type failingQueue struct{}

func (failingQueue) Add(context.Context, job.QueueName, []byte, ports.EnqueueOptions) (string, bool, error) {
	return "", false, errors.New("redis down")
}

func (failingQueue) Counts(context.Context, job.QueueName) (ports.QueueCounts, error) {
	return ports.QueueCounts{}, errors.New("redis down")
}

type apiEnv struct {
	handler http.Handler
	queue   *redisqueue.Queue
	svc     *stubLeadService
}

func setupAPI(t *testing.T) apiEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	queue := redisqueue.New(client, "test", nil)
	svc := &stubLeadService{accounts: map[string]ports.Account{
		"acc-a": {ID: "acc-a", TenantID: "tenant-a", Platform: engagement.PlatformInstagram, ExternalAccountID: "17841"},
		"acc-b": {ID: "acc-b", TenantID: "tenant-b", Platform: engagement.PlatformFacebook, ExternalAccountID: "page-1"},
	}}

	handler := newAPIHandler(svc, queue, metrics.New(prometheus.NewRegistry()), apiConfig{
		VerifyToken: testVerify,
		JWTSecret:   testJWTSecret,
		Verifier:    hubSignatureVerifier(testAppSecret),
	})
	return apiEnv{handler: handler, queue: queue, svc: svc}
}

func (e apiEnv) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	e.handler.ServeHTTP(resp, req)
	return resp
}

func testHubSignature(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func testToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func tenantRequest(t *testing.T, method, target, tenantID, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken(t, testJWTSecret, jwt.MapClaims{
		"tenant_id": tenantID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}))
	return req
}

func decodeBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode response: %v; body=%s", err, string(raw))
	}
	return out
}

func TestWebhookHandshake(t *testing.T) {
	env := setupAPI(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/webhooks/instagram?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil))
	if resp.Code != http.StatusOK || resp.Body.String() != "12345" {
		t.Fatalf("handshake = %d %q", resp.Code, resp.Body.String())
	}

	resp = env.do(httptest.NewRequest(http.MethodGet, "/webhooks/instagram?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", nil))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("bad token status = %d, want 403", resp.Code)
	}

	resp = env.do(httptest.NewRequest(http.MethodGet, "/webhooks/myspace?hub.mode=subscribe&hub.verify_token=verify-me", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown platform status = %d, want 404", resp.Code)
	}
}

func TestWebhookSignedDeliveryIsQueued(t *testing.T) {
	env := setupAPI(t)
	payload := `{"object":"instagram","entry":[]}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", strings.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", testHubSignature(testAppSecret, []byte(payload)))
	resp := env.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp.Body.Bytes())
	jobID, _ := body["job_id"].(string)
	if body["status"] != "queued" || jobID == "" {
		t.Fatalf("body = %v", body)
	}

	stored, err := env.queue.Get(context.Background(), job.QueueWebhook, jobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var queued job.WebhookPayload
	if err := json.Unmarshal(stored.Data, &queued); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if queued.Platform != "instagram" || string(queued.Payload) != payload || queued.ReceivedAt.IsZero() {
		t.Fatalf("queued payload = %+v", queued)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := setupAPI(t)
	payload := `{"object":"page","entry":[]}`

	for _, signature := range []string{"", "sha256=deadbeef", testHubSignature("other", []byte(payload))} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/facebook", strings.NewReader(payload))
		if signature != "" {
			req.Header.Set("X-Hub-Signature-256", signature)
		}
		resp := env.do(req)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("signature %q status = %d, want 401", signature, resp.Code)
		}
	}

	counts, err := env.queue.Counts(context.Background(), job.QueueWebhook)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Waiting != 0 {
		t.Fatalf("counts = %+v, want nothing queued", counts)
	}
}

func TestWebhookUnknownPlatformAndQueueFailure(t *testing.T) {
	env := setupAPI(t)

	resp := env.do(httptest.NewRequest(http.MethodPost, "/webhooks/myspace", strings.NewReader(`{}`)))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown platform status = %d, want 404", resp.Code)
	}

	handler := newAPIHandler(env.svc, failingQueue{}, nil, apiConfig{JWTSecret: testJWTSecret})
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(`{"entry":[]}`)))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("queue failure status = %d, want 503", resp.Code)
	}

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(`{not json`)))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid json status = %d, want 400", resp.Code)
	}
}

func TestTenantAuthentication(t *testing.T) {
	env := setupAPI(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/stats", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", resp.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "wrong-secret", jwt.MapClaims{"tenant_id": "tenant-a"}))
	if resp := env.do(req); resp.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, testJWTSecret, jwt.MapClaims{"sub": "u-1"}))
	if resp := env.do(req); resp.Code != http.StatusUnauthorized {
		t.Fatalf("no tenant claim status = %d, want 401", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, testJWTSecret, jwt.MapClaims{
		"tenant_id": "tenant-a",
		"exp":       time.Now().Add(-time.Minute).Unix(),
	}))
	if resp := env.do(req); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expired token status = %d, want 401", resp.Code)
	}

	resp = env.do(tenantRequest(t, http.MethodGet, "/stats", "tenant-a", ""))
	if resp.Code != http.StatusOK {
		t.Fatalf("stats status = %d, body=%s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp.Body.Bytes())
	if body["tenant_id"] != "tenant-a" || body["total"] != float64(3) {
		t.Fatalf("stats body = %v", body)
	}
}

func TestIngestionTriggerEnforcesTenant(t *testing.T) {
	env := setupAPI(t)

	resp := env.do(tenantRequest(t, http.MethodPost, "/ingestion/acc-b", "tenant-a", ""))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("foreign account status = %d, want 404", resp.Code)
	}

	resp = env.do(tenantRequest(t, http.MethodPost, "/ingestion/acc-a", "tenant-a", ""))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body=%s", resp.Code, resp.Body.String())
	}
	counts, err := env.queue.Counts(context.Background(), job.QueueIngestion)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("ingestion counts = %+v, want 1 waiting", counts)
	}
}

func TestRegisterAccount(t *testing.T) {
	env := setupAPI(t)

	resp := env.do(tenantRequest(t, http.MethodPost, "/accounts", "tenant-a", `{"platform":"myspace","external_account_id":"x"}`))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid platform status = %d, want 400", resp.Code)
	}
	resp = env.do(tenantRequest(t, http.MethodPost, "/accounts", "tenant-a", `{not json`))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("invalid body status = %d, want 400", resp.Code)
	}

	resp = env.do(tenantRequest(t, http.MethodPost, "/accounts", "tenant-a", `{"platform":"whatsapp","external_account_id":"pn-1","name":"Shop"}`))
	if resp.Code != http.StatusCreated {
		t.Fatalf("status = %d, body=%s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp.Body.Bytes())
	if body["tenant_id"] != "tenant-a" || body["platform"] != "whatsapp" || body["external_account_id"] != "pn-1" {
		t.Fatalf("body = %v", body)
	}
	if len(env.svc.registered) != 1 {
		t.Fatalf("registered = %+v", env.svc.registered)
	}
}

func TestQueueCountsAndMetrics(t *testing.T) {
	env := setupAPI(t)

	resp := env.do(tenantRequest(t, http.MethodGet, "/queues/email", "tenant-a", ""))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown queue status = %d, want 404", resp.Code)
	}

	resp = env.do(tenantRequest(t, http.MethodGet, "/queues/analysis", "tenant-a", ""))
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp.Body.Bytes())
	if body["queue"] != "analysis" || body["waiting"] != float64(0) {
		t.Fatalf("body = %v", body)
	}

	resp = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `leadflow_http_requests_total{method="GET",path="/queues/{queue}",status="200"} 1`) {
		t.Fatalf("metrics body missing request counter:\n%s", resp.Body.String())
	}
}

func TestValidateHubSignature(t *testing.T) {
	payload := []byte(`{"a":1}`)

	if err := validateHubSignature("", "", payload); err != nil {
		t.Fatalf("empty secret error = %v", err)
	}
	if err := validateHubSignature("s", testHubSignature("s", payload), payload); err != nil {
		t.Fatalf("valid signature error = %v", err)
	}
	upper := "SHA256=" + strings.TrimPrefix(testHubSignature("s", payload), "sha256=")
	if err := validateHubSignature("s", upper, payload); err != nil {
		t.Fatalf("upper-case prefix error = %v", err)
	}
	for _, bad := range []string{"", "sha1=abc", "sha256=zz", testHubSignature("t", payload)} {
		if err := validateHubSignature("s", bad, payload); err == nil {
			t.Fatalf("validateHubSignature(%q) error = nil", bad)
		}
	}
}
