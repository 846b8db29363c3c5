package leads

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

type IngestResult struct {
	TenantID       string
	ProcessedCount int
	InsertedIDs    []string
	// PendingAnalysisIDs lists inserted interactions plus already stored
	// ones that were never analyzed, so a redelivered batch re-enqueues
	// analysis that was lost.
	PendingAnalysisIDs []string
}

// ProcessNormalizedData stores a normalized batch for one connected account.
// Each post and each interaction commits in its own tenant transaction, so a
// retry after a partial failure skips what already landed.
func (s *Service) ProcessNormalizedData(ctx context.Context, tenantID string, platform engagement.Platform, data engagement.Normalized, accountID string) (IngestResult, error) {
	if err := s.check(ctx); err != nil {
		return IngestResult{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return IngestResult{}, engagement.ErrTenantRequired
	}

	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.leads.ingest"),
		slog.String("tenant_id", tenantID),
		slog.String("platform", string(platform)),
		slog.String("account_id", accountID),
	)

	result := IngestResult{
		TenantID:           tenantID,
		InsertedIDs:        []string{},
		PendingAnalysisIDs: []string{},
	}

	for _, p := range data.Posts {
		if strings.TrimSpace(p.ExternalID) == "" {
			continue
		}
		if err := s.uow.WithTenantTx(ctx, tenantID, func(txCtx context.Context) error {
			post := ports.Post{
				TenantID:   tenantID,
				AccountID:  accountID,
				Platform:   platform,
				ExternalID: p.ExternalID,
				Caption:    p.Caption,
				URL:        p.URL,
			}
			if !p.PublishedAt.IsZero() {
				at := p.PublishedAt.UTC()
				post.PublishedAt = &at
			}
			_, err := s.posts.UpsertPost(txCtx, post)
			return err
		}); err != nil {
			return result, errs.Wrapf(err, "upsert post %s", p.ExternalID)
		}
		result.ProcessedCount++
	}

	for _, item := range data.Interactions {
		if strings.TrimSpace(item.ExternalID) == "" {
			logging.Warn(logCtx, "skip interaction without external id")
			continue
		}

		var outcome interactionOutcome
		if err := s.uow.WithTenantTx(ctx, tenantID, func(txCtx context.Context) error {
			var err error
			outcome, err = s.ingestInteraction(txCtx, tenantID, platform, accountID, item)
			return err
		}); err != nil {
			return result, errs.Wrapf(err, "ingest interaction %s", item.ExternalID)
		}

		if outcome.inserted {
			result.ProcessedCount++
			result.InsertedIDs = append(result.InsertedIDs, outcome.id)
		}
		if outcome.pendingAnalysis {
			result.PendingAnalysisIDs = append(result.PendingAnalysisIDs, outcome.id)
		}
	}

	if len(result.InsertedIDs) > 0 {
		s.invalidateStats(ctx, tenantID)
	}
	logging.Info(logCtx, "normalized batch ingested",
		slog.Int("posts", len(data.Posts)),
		slog.Int("interactions", len(data.Interactions)),
		slog.Int("inserted", len(result.InsertedIDs)),
		slog.Int("pending_analysis", len(result.PendingAnalysisIDs)),
	)
	return result, nil
}

type interactionOutcome struct {
	id              string
	inserted        bool
	pendingAnalysis bool
}

func existingOutcome(it ports.Interaction) interactionOutcome {
	return interactionOutcome{id: it.ID, pendingAnalysis: it.AnalyzedAt == nil}
}

func (s *Service) ingestInteraction(ctx context.Context, tenantID string, platform engagement.Platform, accountID string, item engagement.NormalizedInteraction) (interactionOutcome, error) {
	existing, found, err := s.interactions.FindInteractionByExternalID(ctx, platform, item.ExternalID)
	if err != nil {
		return interactionOutcome{}, err
	}
	if found {
		return existingOutcome(existing), nil
	}

	postID, sourcePostID, err := s.linkPosts(ctx, platform, item)
	if err != nil {
		return interactionOutcome{}, err
	}

	customerID := ""
	customer, _, err := s.FindOrCreate(ctx, tenantID, engagement.SignalsFromSender(platform, item.Sender))
	switch {
	case err == nil:
		customerID = customer.ID
	case errors.Is(err, engagement.ErrNoStrongIdentifier):
		// Stored unlinked and unscored.
	default:
		return interactionOutcome{}, err
	}

	receivedAt := item.ReceivedAt.UTC()
	if item.ReceivedAt.IsZero() {
		receivedAt = s.nowUTC()
	}

	stored, err := s.interactions.InsertInteraction(ctx, ports.Interaction{
		TenantID:       tenantID,
		AccountID:      accountID,
		Platform:       platform,
		Type:           item.Type,
		ExternalID:     item.ExternalID,
		SenderID:       item.Sender.ID,
		SenderUsername: item.Sender.Username,
		SenderPhone:    item.Sender.Phone,
		SenderName:     item.Sender.DisplayName,
		Content:        item.Content,
		PostID:         postID,
		SourcePostID:   sourcePostID,
		Referral:       item.Referral,
		CustomerID:     customerID,
		Intent:         item.Intent,
		Sentiment:      item.Sentiment,
		Confidence:     item.Confidence,
		ReceivedAt:     receivedAt,
	})
	if errors.Is(err, engagement.ErrInteractionDuplicate) {
		// A concurrent delivery of the same event won; its transaction
		// applied the score.
		winner, found, err := s.interactions.FindInteractionByExternalID(ctx, platform, item.ExternalID)
		if err != nil || !found {
			return interactionOutcome{}, errs.Wrap(engagement.ErrInteractionDuplicate, "re-select duplicate interaction")
		}
		return existingOutcome(winner), nil
	}
	if err != nil {
		return interactionOutcome{}, err
	}

	if customerID != "" {
		delta := engagement.CalculateIncrement(ingestSignal(item))
		if err := s.customers.ApplyScore(ctx, ports.ScoreUpdate{
			CustomerID:    customerID,
			Delta:         delta,
			InteractionAt: &receivedAt,
		}); err != nil {
			return interactionOutcome{}, err
		}
	}

	return interactionOutcome{id: stored.ID, inserted: true, pendingAnalysis: true}, nil
}

// ingestSignal scores an unanalyzed interaction as general/neutral with zero
// confidence unless the platform already labelled it.
func ingestSignal(item engagement.NormalizedInteraction) engagement.ScoreSignal {
	signal := engagement.ScoreSignal{
		Intent:     item.Intent,
		Sentiment:  item.Sentiment,
		Confidence: item.Confidence,
		Type:       item.Type,
	}
	if signal.Intent == "" {
		signal.Intent = engagement.IntentGeneral
	}
	if signal.Sentiment == "" {
		signal.Sentiment = engagement.SentimentNeutral
	}
	return signal
}

func (s *Service) linkPosts(ctx context.Context, platform engagement.Platform, item engagement.NormalizedInteraction) (*string, *string, error) {
	var postID, sourcePostID *string

	if ext := strings.TrimSpace(item.PostExternalID); ext != "" {
		post, found, err := s.posts.FindPostByExternalID(ctx, platform, ext)
		if err != nil {
			return nil, nil, err
		}
		if found {
			id := post.ID
			postID = &id
		}
	}

	if postID == nil && item.Referral != nil {
		for _, ext := range item.Referral.PostCandidates() {
			post, found, err := s.posts.FindPostByExternalID(ctx, platform, ext)
			if err != nil {
				return nil, nil, err
			}
			if found {
				id := post.ID
				sourcePostID = &id
				break
			}
		}
	}
	return postID, sourcePostID, nil
}
