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

type AnalysisResult struct {
	Classification engagement.Classification
	// FirstAnalysis is true when this call moved the interaction from
	// unanalyzed to analyzed; only then is Increment applied.
	FirstAnalysis bool
	Increment     int
}

// AnalyzeInteraction classifies one interaction and stores the AI fields.
// The classifier runs outside any transaction. Re-analysis overwrites the
// fields without scoring the customer again.
func (s *Service) AnalyzeInteraction(ctx context.Context, tenantID string, interactionID string) (AnalysisResult, error) {
	if err := s.check(ctx); err != nil {
		return AnalysisResult{}, err
	}
	if s.classifier == nil {
		return AnalysisResult{}, errors.New("classifier is required")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return AnalysisResult{}, errs.Unrecoverable(engagement.ErrTenantRequired)
	}

	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.leads.analyze"),
		slog.String("tenant_id", tenantID),
		slog.String("interaction_id", interactionID),
	)

	var (
		item ports.Interaction
		cc   engagement.ClassifyContext
	)
	if err := s.uow.WithTenantTx(ctx, tenantID, func(txCtx context.Context) error {
		var err error
		item, err = s.interactions.GetInteraction(txCtx, interactionID)
		if err != nil {
			return err
		}
		cc = engagement.ClassifyContext{
			Platform:        item.Platform,
			InteractionType: item.Type,
			CustomerName:    item.SenderName,
		}
		if item.CustomerID != "" {
			customer, err := s.customers.GetCustomer(txCtx, item.CustomerID)
			if err != nil && !errors.Is(err, engagement.ErrCustomerNotFound) {
				return err
			}
			if customer.DisplayName != "" {
				cc.CustomerName = customer.DisplayName
			}
		}
		postID := item.PostID
		if postID == nil {
			postID = item.SourcePostID
		}
		if postID != nil {
			post, found, err := s.posts.FindPostByID(txCtx, *postID)
			if err != nil {
				return err
			}
			if found {
				cc.PostCaption = post.Caption
			}
		}
		return nil
	}); err != nil {
		if errors.Is(err, engagement.ErrInteractionNotFound) {
			return AnalysisResult{}, errs.Unrecoverable(err)
		}
		return AnalysisResult{}, errs.Wrap(err, "load interaction")
	}

	classification := engagement.Classification{
		Intent:       engagement.IntentGeneral,
		Sentiment:    engagement.SentimentNeutral,
		ModelVersion: "none",
	}
	if strings.TrimSpace(item.Content) != "" {
		classifyCtx, cancel := context.WithTimeout(ctx, s.classifyTimeout)
		c, err := s.classifier.Classify(classifyCtx, item.Content, cc)
		cancel()
		if err != nil {
			return AnalysisResult{}, errs.Wrap(err, "classify interaction")
		}
		classification = c
	}

	result := AnalysisResult{Classification: classification}
	if err := s.uow.WithTenantTx(ctx, tenantID, func(txCtx context.Context) error {
		first, err := s.interactions.SaveAnalysis(txCtx, interactionID, classification, s.nowUTC())
		if err != nil {
			return err
		}
		result.FirstAnalysis = first
		if !first || item.CustomerID == "" {
			return nil
		}
		result.Increment = engagement.CalculateIncrement(engagement.ScoreSignal{
			Intent:     classification.Intent,
			Confidence: classification.Confidence,
			Sentiment:  classification.Sentiment,
			Type:       item.Type,
		})
		return s.customers.ApplyScore(txCtx, ports.ScoreUpdate{
			CustomerID: item.CustomerID,
			Delta:      result.Increment,
		})
	}); err != nil {
		if errors.Is(err, engagement.ErrInteractionNotFound) {
			return AnalysisResult{}, errs.Unrecoverable(err)
		}
		return AnalysisResult{}, errs.Wrap(err, "save analysis")
	}

	s.invalidateStats(ctx, tenantID)
	logging.Info(logCtx, "interaction analyzed",
		slog.String("intent", string(classification.Intent)),
		slog.String("sentiment", string(classification.Sentiment)),
		slog.Int("confidence", classification.Confidence),
		slog.Bool("first", result.FirstAnalysis),
		slog.Int("increment", result.Increment),
	)
	return result, nil
}
