package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/infrastructure/persistence/gormdb/model"
	"leadflow/internal/ports"
)

type InteractionRepository struct {
	db *gorm.DB
}

var _ ports.InteractionRepository = (*InteractionRepository)(nil)

func NewInteractionRepository(db *gorm.DB) *InteractionRepository {
	return &InteractionRepository{db: db}
}

func (r *InteractionRepository) FindInteractionByExternalID(ctx context.Context, platform engagement.Platform, externalID string) (ports.Interaction, bool, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Interaction{}, false, err
	}

	var row model.Interaction
	if err := tenantScope(ctx, db).
		Where("platform = ? AND external_id = ?", string(platform), strings.TrimSpace(externalID)).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.Interaction{}, false, nil
		}
		return ports.Interaction{}, false, errs.Wrap(err, "query interaction by external id")
	}
	item, err := mapInteraction(row)
	if err != nil {
		return ports.Interaction{}, false, err
	}
	return item, true, nil
}

func (r *InteractionRepository) GetInteraction(ctx context.Context, interactionID string) (ports.Interaction, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Interaction{}, err
	}

	var row model.Interaction
	if err := tenantScope(ctx, db).Where("id = ?", interactionID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.Interaction{}, engagement.ErrInteractionNotFound
		}
		return ports.Interaction{}, errs.Wrap(err, "query interaction")
	}
	return mapInteraction(row)
}

func (r *InteractionRepository) InsertInteraction(ctx context.Context, interaction ports.Interaction) (ports.Interaction, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Interaction{}, err
	}
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return ports.Interaction{}, err
	}

	var referral datatypes.JSON
	if interaction.Referral != nil && !interaction.Referral.IsZero() {
		raw, err := json.Marshal(interaction.Referral)
		if err != nil {
			return ports.Interaction{}, errs.Wrap(err, "marshal referral")
		}
		referral = datatypes.JSON(raw)
	}

	now := time.Now().UTC()
	receivedAt := interaction.ReceivedAt.UTC()
	if interaction.ReceivedAt.IsZero() {
		receivedAt = now
	}
	row := model.Interaction{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Platform:       string(interaction.Platform),
		ExternalID:     strings.TrimSpace(interaction.ExternalID),
		Type:           string(interaction.Type),
		AccountID:      interaction.AccountID,
		SenderID:       interaction.SenderID,
		SenderUsername: interaction.SenderUsername,
		SenderPhone:    interaction.SenderPhone,
		SenderName:     interaction.SenderName,
		Content:        interaction.Content,
		PostID:         interaction.PostID,
		SourcePostID:   interaction.SourcePostID,
		Referral:       referral,
		CustomerID:     interaction.CustomerID,
		Intent:         string(interaction.Intent),
		Sentiment:      string(interaction.Sentiment),
		Suggestion:     interaction.Suggestion,
		Confidence:     interaction.Confidence,
		ModelVersion:   interaction.ModelVersion,
		AnalyzedAt:     interaction.AnalyzedAt,
		IsReplied:      interaction.IsReplied,
		ReceivedAt:     receivedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// The savepoint keeps the enclosing transaction usable after a
	// concurrent duplicate delivery loses the race.
	if err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	}); err != nil {
		if isUniqueViolation(err) {
			return ports.Interaction{}, engagement.ErrInteractionDuplicate
		}
		return ports.Interaction{}, errs.Wrap(err, "insert interaction")
	}
	return mapInteraction(row)
}

func (r *InteractionRepository) SaveAnalysis(ctx context.Context, interactionID string, c engagement.Classification, at time.Time) (bool, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return false, err
	}

	at = at.UTC()
	fields := map[string]any{
		"intent":        string(c.Intent),
		"sentiment":     string(c.Sentiment),
		"suggestion":    c.Suggestion,
		"confidence":    c.Confidence,
		"model_version": c.ModelVersion,
		"analyzed_at":   at,
		"updated_at":    at,
	}

	// Compare-and-set on analyzed_at decides which write is the first one.
	first := tenantScope(ctx, db.Model(&model.Interaction{})).
		Where("id = ? AND analyzed_at IS NULL", interactionID).
		Updates(fields)
	if first.Error != nil {
		return false, errs.Wrap(first.Error, "save first analysis")
	}
	if first.RowsAffected > 0 {
		return true, nil
	}

	again := tenantScope(ctx, db.Model(&model.Interaction{})).
		Where("id = ?", interactionID).
		Updates(fields)
	if again.Error != nil {
		return false, errs.Wrap(again.Error, "save analysis")
	}
	if again.RowsAffected == 0 {
		return false, engagement.ErrInteractionNotFound
	}
	return false, nil
}

type countBucket struct {
	K string
	N int64
}

func (r *InteractionRepository) Stats(ctx context.Context) (engagement.TenantStats, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return engagement.TenantStats{}, err
	}
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return engagement.TenantStats{}, err
	}

	stats := engagement.TenantStats{
		TenantID:   tenantID,
		ByPlatform: map[string]int64{},
		ByType:     map[string]int64{},
		ByIntent:   map[string]int64{},
	}

	base := func() *gorm.DB {
		return tenantScope(ctx, db.Model(&model.Interaction{}))
	}
	if err := base().Count(&stats.Total).Error; err != nil {
		return engagement.TenantStats{}, errs.Wrap(err, "count interactions")
	}
	if err := base().Where("is_replied = ?", false).Count(&stats.Unanswered).Error; err != nil {
		return engagement.TenantStats{}, errs.Wrap(err, "count unanswered interactions")
	}

	groups := []struct {
		column string
		out    map[string]int64
	}{
		{"platform", stats.ByPlatform},
		{"type", stats.ByType},
		{"intent", stats.ByIntent},
	}
	for _, g := range groups {
		var rows []countBucket
		if err := base().
			Select(g.column + " AS k, COUNT(*) AS n").
			Where(g.column + " <> ''").
			Group(g.column).
			Scan(&rows).Error; err != nil {
			return engagement.TenantStats{}, errs.Wrapf(err, "count interactions by %s", g.column)
		}
		for _, row := range rows {
			g.out[row.K] = row.N
		}
	}

	stats.ComputedAt = time.Now().UTC()
	return stats, nil
}

func mapInteraction(row model.Interaction) (ports.Interaction, error) {
	item := ports.Interaction{
		ID:             row.ID,
		TenantID:       row.TenantID,
		AccountID:      row.AccountID,
		Platform:       engagement.Platform(row.Platform),
		Type:           engagement.InteractionType(row.Type),
		ExternalID:     row.ExternalID,
		SenderID:       row.SenderID,
		SenderUsername: row.SenderUsername,
		SenderPhone:    row.SenderPhone,
		SenderName:     row.SenderName,
		Content:        row.Content,
		PostID:         row.PostID,
		SourcePostID:   row.SourcePostID,
		CustomerID:     row.CustomerID,
		Intent:         engagement.Intent(row.Intent),
		Sentiment:      engagement.Sentiment(row.Sentiment),
		Suggestion:     row.Suggestion,
		Confidence:     row.Confidence,
		ModelVersion:   row.ModelVersion,
		AnalyzedAt:     row.AnalyzedAt,
		IsReplied:      row.IsReplied,
		ReceivedAt:     row.ReceivedAt,
		CreatedAt:      row.CreatedAt,
	}
	// datatypes.JSON scans SQL NULL as the literal "null".
	if raw := strings.TrimSpace(string(row.Referral)); raw != "" && raw != "null" {
		var ref engagement.Referral
		if err := json.Unmarshal([]byte(raw), &ref); err != nil {
			return ports.Interaction{}, errs.Wrapf(err, "decode referral of interaction %s", row.ID)
		}
		item.Referral = &ref
	}
	return item, nil
}
