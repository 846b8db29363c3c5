package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/engagement"
	"leadflow/internal/domain/job"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
	"leadflow/internal/usecase/leads"
	"leadflow/internal/usecase/normalize"
)

// Handler processes one reserved job. Returning an error wrapped with
// errs.Unrecoverable completes the job without retrying it.
type Handler func(ctx context.Context, j ports.Job) error

// LeadService is the part of leads.Service the handlers drive.
type LeadService interface {
	ResolveAccount(ctx context.Context, platform engagement.Platform, externalAccountID string) (ports.Account, error)
	ProcessNormalizedData(ctx context.Context, tenantID string, platform engagement.Platform, data engagement.Normalized, accountID string) (leads.IngestResult, error)
	PollAccount(ctx context.Context, accountID string) (leads.IngestResult, error)
	AnalyzeInteraction(ctx context.Context, tenantID string, interactionID string) (leads.AnalysisResult, error)
	RunDecay(ctx context.Context, now time.Time) (leads.DecayResult, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, platform engagement.Platform, raw []byte) engagement.Normalized
}

type Handlers struct {
	leads      LeadService
	normalizer Normalizer
	queue      ports.JobQueue
	audit      ports.AuditRepository
	now        func() time.Time
}

func NewHandlers(leadService LeadService, normalizer Normalizer, queue ports.JobQueue, audit ports.AuditRepository) *Handlers {
	return &Handlers{
		leads:      leadService,
		normalizer: normalizer,
		queue:      queue,
		audit:      audit,
		now:        time.Now,
	}
}

// ByQueue maps every queue to its handler.
func (h *Handlers) ByQueue() map[job.QueueName]Handler {
	return map[job.QueueName]Handler{
		job.QueueWebhook:   h.Webhook,
		job.QueueIngestion: h.Ingestion,
		job.QueueAnalysis:  h.Analysis,
		job.QueueDecay:     h.Decay,
	}
}

// Webhook normalizes a raw platform payload, routes each account's slice
// to its tenant and ingests it. Envelopes the adapter cannot read and
// payloads addressed to unknown accounts are audited and dropped.
func (h *Handlers) Webhook(ctx context.Context, j ports.Job) error {
	var payload job.WebhookPayload
	if err := job.Decode(j.Data, &payload); err != nil {
		return errs.Unrecoverable(err)
	}
	platform, err := engagement.ParsePlatform(payload.Platform)
	if err != nil || !normalize.Supports(platform) {
		return errs.Unrecoverable(fmt.Errorf("%w: platform %q", job.ErrInvalidPayload, payload.Platform))
	}
	if err := normalize.CheckShape(platform, payload.Payload); err != nil {
		return errs.Unrecoverable(fmt.Errorf("%w: %w", job.ErrInvalidPayload, err))
	}

	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.pipeline.webhook"),
		slog.String("job_id", j.ID),
		slog.String("platform", string(platform)),
	)

	data := h.normalizer.Normalize(ctx, platform, payload.Payload)
	if data.IsEmpty() {
		logging.Debug(logCtx, "webhook carried no engagement")
		return nil
	}

	groups, order := data.SplitByAccount()
	for _, externalAccountID := range order {
		account, err := h.leads.ResolveAccount(ctx, platform, externalAccountID)
		if errors.Is(err, engagement.ErrAccountNotFound) {
			logging.Warn(logCtx, "webhook for unknown account", slog.String("external_account_id", externalAccountID))
			h.appendAudit(ctx, ports.AuditEventCreate{
				Kind:   ports.AuditUnknownTenant,
				Queue:  string(j.Queue),
				JobID:  j.ID,
				Detail: fmt.Sprintf("%s account %q is not connected", platform, externalAccountID),
			})
			continue
		}
		if err != nil {
			return errs.Wrapf(err, "resolve %s account %s", platform, externalAccountID)
		}

		result, err := h.leads.ProcessNormalizedData(ctx, account.TenantID, platform, groups[externalAccountID], account.ID)
		if err != nil {
			return errs.Wrapf(err, "ingest webhook for account %s", account.ID)
		}
		if err := h.enqueueAnalysis(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// Ingestion polls one connected account.
func (h *Handlers) Ingestion(ctx context.Context, j ports.Job) error {
	var payload job.IngestionPayload
	if err := job.Decode(j.Data, &payload); err != nil {
		return errs.Unrecoverable(err)
	}
	if strings.TrimSpace(payload.AccountID) == "" {
		return errs.Unrecoverable(fmt.Errorf("%w: accountId is required", job.ErrInvalidPayload))
	}

	result, err := h.leads.PollAccount(ctx, payload.AccountID)
	if err != nil {
		return err
	}
	return h.enqueueAnalysis(ctx, result)
}

func (h *Handlers) Analysis(ctx context.Context, j ports.Job) error {
	var payload job.AnalysisPayload
	if err := job.Decode(j.Data, &payload); err != nil {
		return errs.Unrecoverable(err)
	}
	if strings.TrimSpace(payload.TenantID) == "" || strings.TrimSpace(payload.InteractionID) == "" {
		return errs.Unrecoverable(fmt.Errorf("%w: tenantId and interactionId are required", job.ErrInvalidPayload))
	}
	_, err := h.leads.AnalyzeInteraction(ctx, payload.TenantID, payload.InteractionID)
	return err
}

func (h *Handlers) Decay(ctx context.Context, _ ports.Job) error {
	_, err := h.leads.RunDecay(ctx, h.now())
	return err
}

// enqueueAnalysis adds one analysis job per pending interaction. The fixed
// job id keeps redeliveries from analyzing the same interaction twice.
func (h *Handlers) enqueueAnalysis(ctx context.Context, result leads.IngestResult) error {
	for _, interactionID := range result.PendingAnalysisIDs {
		data, err := json.Marshal(job.AnalysisPayload{
			TenantID:      result.TenantID,
			InteractionID: interactionID,
		})
		if err != nil {
			return errs.Wrap(err, "encode analysis payload")
		}
		if _, _, err := h.queue.Add(ctx, job.QueueAnalysis, data, ports.EnqueueOptions{
			JobID: job.AnalysisJobID(interactionID),
		}); err != nil {
			return errs.Wrapf(err, "enqueue analysis of %s", interactionID)
		}
	}
	return nil
}

func (h *Handlers) appendAudit(ctx context.Context, event ports.AuditEventCreate) {
	if h.audit == nil {
		return
	}
	if err := h.audit.AppendAudit(ctx, event); err != nil {
		logging.Error(logging.WithComponent(ctx, "usecase.pipeline"), "append audit event failed",
			slog.String("kind", string(event.Kind)),
			slog.String("job_id", event.JobID),
			slog.Any("err", errs.Loggable(err)),
		)
	}
}
