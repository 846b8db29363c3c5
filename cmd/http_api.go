package cmd

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/engagement"
	"leadflow/internal/domain/job"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
	"leadflow/internal/usecase/leads"
	"leadflow/internal/usecase/normalize"
)

const (
	hubSignatureHeader = "X-Hub-Signature-256"
	defaultMaxBodySize = 1 << 20
)

type apiLeadService interface {
	GetAccount(ctx context.Context, tenantID string, accountID string) (ports.Account, error)
	RegisterAccount(ctx context.Context, tenantID string, input leads.RegisterAccountInput) (ports.Account, error)
	TenantStats(ctx context.Context, tenantID string) (engagement.TenantStats, error)
}

type apiJobQueue interface {
	Add(ctx context.Context, queue job.QueueName, data []byte, opts ports.EnqueueOptions) (string, bool, error)
	Counts(ctx context.Context, queue job.QueueName) (ports.QueueCounts, error)
}

type apiMetrics interface {
	Handler() http.Handler
	Instrument(next http.Handler) http.Handler
}

// SignatureVerifier authenticates a webhook delivery before it is queued.
type SignatureVerifier func(header http.Header, payload []byte) error

type apiConfig struct {
	VerifyToken string
	JWTSecret   string
	MaxBodySize int64
	Verifier    SignatureVerifier
}

type apiHandler struct {
	leads apiLeadService
	queue apiJobQueue
	cfg   apiConfig
	now   func() time.Time
}

type queuedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

type accountRequest struct {
	Platform          string `json:"platform"`
	ExternalAccountID string `json:"external_account_id"`
	Name              string `json:"name"`
}

type accountResponse struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	Platform          string     `json:"platform"`
	ExternalAccountID string     `json:"external_account_id"`
	Name              string     `json:"name"`
	LastPolledAt      *time.Time `json:"last_polled_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

type queueCountsResponse struct {
	Queue string `json:"queue"`
	ports.QueueCounts
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

func newAPIHandler(svc apiLeadService, queue apiJobQueue, metrics apiMetrics, cfg apiConfig) http.Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	h := &apiHandler{leads: svc, queue: queue, cfg: cfg, now: time.Now}

	r := chi.NewRouter()
	if metrics != nil {
		r.Use(metrics.Instrument)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
	r.Get("/webhooks/{platform}", h.verifyWebhook)
	r.Post("/webhooks/{platform}", h.receiveWebhook)
	r.Group(func(r chi.Router) {
		r.Use(h.requireTenant)
		r.Post("/ingestion/{accountId}", h.triggerIngestion)
		r.Post("/accounts", h.registerAccount)
		r.Get("/stats", h.stats)
		r.Get("/queues/{queue}", h.queueCounts)
	})
	return r
}

func webhookPlatform(r *http.Request) (engagement.Platform, bool) {
	platform, err := engagement.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil || !normalize.Supports(platform) {
		return "", false
	}
	return platform, true
}

// verifyWebhook answers the subscription handshake Meta performs when a
// webhook URL is registered.
func (h *apiHandler) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	if _, ok := webhookPlatform(r); !ok {
		writeAPIError(w, http.StatusNotFound, "unknown platform")
		return
	}

	q := r.URL.Query()
	token := strings.TrimSpace(h.cfg.VerifyToken)
	if q.Get("hub.mode") != "subscribe" || token == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(token)) {
		writeAPIError(w, http.StatusForbidden, "verification failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (h *apiHandler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	platform, ok := webhookPlatform(r)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "unknown platform")
		return
	}
	logCtx := logging.WithAttrs(r.Context(),
		slog.String("component", "cmd.http.webhook"),
		slog.String("platform", string(platform)),
	)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeAPIError(w, http.StatusBadRequest, "failed to read payload")
		return
	}

	if h.cfg.Verifier != nil {
		if err := h.cfg.Verifier(r.Header, payload); err != nil {
			logging.Warn(logCtx, "webhook signature rejected", slog.Any("err", errs.Loggable(err)))
			writeAPIError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}
	if !json.Valid(payload) {
		writeAPIError(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}

	data, err := json.Marshal(job.WebhookPayload{
		Platform:   string(platform),
		Payload:    payload,
		ReceivedAt: h.now().UTC(),
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "encode job payload")
		return
	}
	jobID, _, err := h.queue.Add(r.Context(), job.QueueWebhook, data, ports.EnqueueOptions{})
	if err != nil {
		logging.Error(logCtx, "enqueue webhook failed", slog.Any("err", errs.Loggable(err)))
		writeAPIError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	writeAPIJSON(w, http.StatusOK, queuedResponse{Status: "queued", JobID: jobID})
}

func (h *apiHandler) triggerIngestion(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := ports.TenantFromContext(r.Context())
	accountID := strings.TrimSpace(chi.URLParam(r, "accountId"))

	account, err := h.leads.GetAccount(r.Context(), tenantID, accountID)
	if errors.Is(err, engagement.ErrAccountNotFound) {
		writeAPIError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data, err := json.Marshal(job.IngestionPayload{AccountID: account.ID})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "encode job payload")
		return
	}
	jobID, _, err := h.queue.Add(r.Context(), job.QueueIngestion, data, ports.EnqueueOptions{})
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeAPIJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", JobID: jobID})
}

func (h *apiHandler) registerAccount(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := ports.TenantFromContext(r.Context())

	var req accountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := h.leads.RegisterAccount(r.Context(), tenantID, leads.RegisterAccountInput{
		Platform:          req.Platform,
		ExternalAccountID: req.ExternalAccountID,
		Name:              req.Name,
	})
	switch {
	case errors.Is(err, engagement.ErrValidation):
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engagement.ErrAccountConflict):
		writeAPIError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeAPIJSON(w, http.StatusCreated, accountResponse{
		ID:                account.ID,
		TenantID:          account.TenantID,
		Platform:          string(account.Platform),
		ExternalAccountID: account.ExternalAccountID,
		Name:              account.Name,
		LastPolledAt:      account.LastPolledAt,
		CreatedAt:         account.CreatedAt,
	})
}

func (h *apiHandler) stats(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := ports.TenantFromContext(r.Context())
	stats, err := h.leads.TenantStats(r.Context(), tenantID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeAPIJSON(w, http.StatusOK, stats)
}

func (h *apiHandler) queueCounts(w http.ResponseWriter, r *http.Request) {
	queue, err := job.ParseQueueName(chi.URLParam(r, "queue"))
	if err != nil {
		writeAPIError(w, http.StatusNotFound, err.Error())
		return
	}
	counts, err := h.queue.Counts(r.Context(), queue)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeAPIJSON(w, http.StatusOK, queueCountsResponse{Queue: string(queue), QueueCounts: counts})
}

// requireTenant authenticates a bearer JWT signed with HS256 and puts its
// tenant_id claim on the request context.
func (h *apiHandler) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimSpace(h.cfg.JWTSecret)
		if secret == "" {
			writeAPIError(w, http.StatusServiceUnavailable, "tenant authentication is not configured")
			return
		}

		tenantID, err := tenantFromBearer(r.Header.Get("Authorization"), secret)
		if err != nil {
			writeAPIError(w, http.StatusUnauthorized, err.Error())
			return
		}

		ctx := ports.WithTenant(r.Context(), tenantID)
		ctx = logging.WithAttrs(ctx, slog.String("tenant_id", tenantID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFromBearer(header string, secret string) (string, error) {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errors.New("missing bearer token")
	}

	token, err := jwt.Parse(
		strings.TrimSpace(header[len(prefix):]),
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return "", errors.New("invalid bearer token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	tenantID, _ := claims["tenant_id"].(string)
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", errors.New("token carries no tenant_id")
	}
	return tenantID, nil
}

// hubSignatureVerifier checks X-Hub-Signature-256 against the app secret.
// An empty secret accepts every delivery.
func hubSignatureVerifier(secret string) SignatureVerifier {
	return func(header http.Header, payload []byte) error {
		return validateHubSignature(secret, header.Get(hubSignatureHeader), payload)
	}
}

func validateHubSignature(secret string, signatureHeader string, payload []byte) error {
	normalizedSecret := strings.TrimSpace(secret)
	if normalizedSecret == "" {
		return nil
	}

	signature := strings.TrimSpace(signatureHeader)
	if signature == "" {
		return errors.New("missing X-Hub-Signature-256")
	}

	const prefix = "sha256="
	if len(signature) <= len(prefix) || !strings.EqualFold(signature[:len(prefix)], prefix) {
		return errors.New("invalid X-Hub-Signature-256 format")
	}

	decoded, err := hex.DecodeString(strings.TrimSpace(signature[len(prefix):]))
	if err != nil {
		return errors.New("invalid X-Hub-Signature-256 digest")
	}

	mac := hmac.New(sha256.New, []byte(normalizedSecret))
	if _, err := mac.Write(payload); err != nil {
		return errs.Wrap(err, "compute webhook signature")
	}
	if !hmac.Equal(decoded, mac.Sum(nil)) {
		return errors.New("invalid X-Hub-Signature-256")
	}
	return nil
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeAPIJSON(w, status, apiErrorResponse{Error: message})
}

func writeAPIJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
