package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/infrastructure/persistence/gormdb/model"
	"leadflow/internal/ports"
)

type PostRepository struct {
	db *gorm.DB
}

var _ ports.PostRepository = (*PostRepository)(nil)

func NewPostRepository(db *gorm.DB) *PostRepository {
	return &PostRepository{db: db}
}

func (r *PostRepository) UpsertPost(ctx context.Context, post ports.Post) (ports.Post, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Post{}, err
	}
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return ports.Post{}, err
	}

	externalID := strings.TrimSpace(post.ExternalID)
	if externalID == "" {
		return ports.Post{}, errs.Wrap(engagement.ErrValidation, "post external id is required")
	}

	now := time.Now().UTC()
	row := model.Post{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Platform:    string(post.Platform),
		ExternalID:  externalID,
		AccountID:   post.AccountID,
		Caption:     post.Caption,
		URL:         post.URL,
		PublishedAt: post.PublishedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Later sightings only refresh non-empty fields.
	updates := map[string]any{}
	if post.Caption != "" {
		updates["caption"] = post.Caption
	}
	if post.URL != "" {
		updates["url"] = post.URL
	}
	conflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "platform"}, {Name: "external_id"}},
	}
	if len(updates) == 0 {
		conflict.DoNothing = true
	} else {
		updates["updated_at"] = now
		conflict.DoUpdates = clause.Assignments(updates)
	}

	if err := db.Clauses(conflict).Create(&row).Error; err != nil {
		return ports.Post{}, errs.Wrap(err, "upsert post")
	}

	stored, found, err := r.FindPostByExternalID(ctx, post.Platform, externalID)
	if err != nil {
		return ports.Post{}, err
	}
	if !found {
		return ports.Post{}, errs.Wrapf(gorm.ErrRecordNotFound, "reload post %s", externalID)
	}
	return stored, nil
}

func (r *PostRepository) FindPostByExternalID(ctx context.Context, platform engagement.Platform, externalID string) (ports.Post, bool, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Post{}, false, err
	}

	var row model.Post
	if err := tenantScope(ctx, db).
		Where("platform = ? AND external_id = ?", string(platform), strings.TrimSpace(externalID)).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.Post{}, false, nil
		}
		return ports.Post{}, false, errs.Wrap(err, "query post by external id")
	}
	return mapPost(row), true, nil
}

func (r *PostRepository) FindPostByID(ctx context.Context, postID string) (ports.Post, bool, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Post{}, false, err
	}

	var row model.Post
	if err := tenantScope(ctx, db).Where("id = ?", postID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.Post{}, false, nil
		}
		return ports.Post{}, false, errs.Wrap(err, "query post")
	}
	return mapPost(row), true, nil
}

func mapPost(row model.Post) ports.Post {
	return ports.Post{
		ID:          row.ID,
		TenantID:    row.TenantID,
		AccountID:   row.AccountID,
		Platform:    engagement.Platform(row.Platform),
		ExternalID:  row.ExternalID,
		Caption:     row.Caption,
		URL:         row.URL,
		PublishedAt: row.PublishedAt,
		CreatedAt:   row.CreatedAt,
	}
}
