package repository

import (
	"context"
	"errors"
	"fmt"
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

type CustomerRepository struct {
	db *gorm.DB
}

var _ ports.CustomerRepository = (*CustomerRepository)(nil)

func NewCustomerRepository(db *gorm.DB) *CustomerRepository {
	return &CustomerRepository{db: db}
}

var slotColumns = map[engagement.IdentifierSlot]string{
	engagement.SlotPhone:             "phone",
	engagement.SlotWhatsAppPhone:     "whatsapp_phone",
	engagement.SlotFacebookUserID:    "facebook_user_id",
	engagement.SlotInstagramUserID:   "instagram_user_id",
	engagement.SlotInstagramUsername: "instagram_username",
	engagement.SlotTikTokUsername:    "tiktok_username",
}

func slotColumn(slot engagement.IdentifierSlot) (string, error) {
	col, ok := slotColumns[slot]
	if !ok {
		return "", fmt.Errorf("unknown identifier slot %q", slot)
	}
	return col, nil
}

func (r *CustomerRepository) FindCustomerBySlot(ctx context.Context, slot engagement.IdentifierSlot, value string) (ports.Customer, bool, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Customer{}, false, err
	}
	col, err := slotColumn(slot)
	if err != nil {
		return ports.Customer{}, false, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ports.Customer{}, false, nil
	}

	var row model.Customer
	if err := tenantScope(ctx, db).Where(col+" = ?", value).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.Customer{}, false, nil
		}
		return ports.Customer{}, false, errs.Wrapf(err, "query customer by %s", col)
	}
	return mapCustomer(row), true, nil
}

func (r *CustomerRepository) GetCustomer(ctx context.Context, customerID string) (ports.Customer, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Customer{}, err
	}

	var row model.Customer
	if err := tenantScope(ctx, db).Where("id = ?", customerID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.Customer{}, engagement.ErrCustomerNotFound
		}
		return ports.Customer{}, errs.Wrap(err, "query customer")
	}
	return mapCustomer(row), nil
}

func (r *CustomerRepository) InsertCustomer(ctx context.Context, customer ports.Customer) (ports.Customer, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Customer{}, err
	}
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return ports.Customer{}, err
	}

	now := time.Now().UTC()
	tags := customer.Tags
	if tags == nil {
		tags = []string{}
	}
	status := customer.Status
	if status == "" {
		status = engagement.DetermineStatus(customer.TotalLeadScore)
	}
	row := model.Customer{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		DisplayName:         customer.DisplayName,
		Phone:               customer.Phone,
		WhatsAppPhone:       customer.WhatsAppPhone,
		FacebookUserID:      customer.FacebookUserID,
		InstagramUserID:     customer.InstagramUserID,
		InstagramUsername:   customer.InstagramUsername,
		TikTokUsername:      customer.TikTokUsername,
		TotalLeadScore:      customer.TotalLeadScore,
		Status:              string(status),
		LastInteractionAt:   customer.LastInteractionAt,
		TotalInteractions:   customer.TotalInteractions,
		DecayPeriodsApplied: customer.DecayPeriodsApplied,
		Tags:                datatypes.NewJSONSlice(tags),
		Notes:               customer.Notes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	// Nested Transaction runs as a savepoint inside the caller's tx, so a
	// unique violation rolls back only this insert.
	if err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	}); err != nil {
		if isUniqueViolation(err) {
			return ports.Customer{}, engagement.ErrCustomerConflict
		}
		return ports.Customer{}, errs.Wrap(err, "insert customer")
	}
	return mapCustomer(row), nil
}

func (r *CustomerRepository) UpdateCustomerIdentity(ctx context.Context, customerID string, patch ports.CustomerIdentityPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return err
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	for slot, value := range patch.Slots {
		col, err := slotColumn(slot)
		if err != nil {
			return err
		}
		if value = strings.TrimSpace(value); value != "" {
			updates[col] = gorm.Expr("COALESCE("+col+", ?)", value)
		}
	}
	if name := strings.TrimSpace(patch.DisplayName); name != "" {
		updates["display_name"] = gorm.Expr("CASE WHEN display_name = '' THEN ? ELSE display_name END", name)
	}

	// Only null slots are filled; a slot value owned by another customer
	// surfaces as a conflict after the savepoint is rolled back.
	err = db.Transaction(func(tx *gorm.DB) error {
		return tenantScope(ctx, tx.Model(&model.Customer{})).
			Where("id = ?", customerID).
			Updates(updates).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return engagement.ErrCustomerConflict
		}
		return errs.Wrap(err, "update customer identity")
	}
	return nil
}

func (r *CustomerRepository) ApplyScore(ctx context.Context, update ports.ScoreUpdate) error {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return err
	}

	delta := update.Delta
	updates := map[string]any{
		"total_lead_score": gorm.Expr("total_lead_score + ?", delta),
		"status": gorm.Expr(
			"CASE WHEN total_lead_score + ? >= ? THEN ? WHEN total_lead_score + ? >= ? THEN ? ELSE ? END",
			delta, engagement.HotThreshold, string(engagement.StatusHot),
			delta, engagement.WarmThreshold, string(engagement.StatusWarm),
			string(engagement.StatusCold),
		),
		"updated_at": time.Now().UTC(),
	}
	if update.InteractionAt != nil {
		// Late deliveries count but never move activity backwards; the decay
		// counter restarts only when last_interaction_at advances.
		at := update.InteractionAt.UTC()
		updates["total_interactions"] = gorm.Expr("total_interactions + 1")
		updates["last_interaction_at"] = gorm.Expr(
			"CASE WHEN last_interaction_at IS NULL OR last_interaction_at < ? THEN ? ELSE last_interaction_at END",
			at, at,
		)
		updates["decay_periods_applied"] = gorm.Expr(
			"CASE WHEN last_interaction_at IS NULL OR last_interaction_at < ? THEN 0 ELSE decay_periods_applied END",
			at,
		)
	}

	result := tenantScope(ctx, db.Model(&model.Customer{})).
		Where("id = ?", update.CustomerID).
		Updates(updates)
	if result.Error != nil {
		return errs.Wrap(result.Error, "apply customer score")
	}
	if result.RowsAffected == 0 {
		return engagement.ErrCustomerNotFound
	}
	return nil
}

func (r *CustomerRepository) ListDecayCandidates(ctx context.Context, afterID string, limit int) ([]ports.Customer, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}

	var rows []model.Customer
	if err := tenantScope(ctx, db).
		Where("id > ? AND total_lead_score > 0 AND last_interaction_at IS NOT NULL", afterID).
		Order("id asc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query decay candidates")
	}

	items := make([]ports.Customer, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapCustomer(row))
	}
	return items, nil
}

func (r *CustomerRepository) ApplyDecay(ctx context.Context, customerID string, expectedScore int, newScore int, periodsApplied int) (bool, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return false, err
	}

	result := tenantScope(ctx, db.Model(&model.Customer{})).
		Where("id = ? AND total_lead_score = ?", customerID, expectedScore).
		Updates(map[string]any{
			"total_lead_score":      newScore,
			"status":                string(engagement.DetermineStatus(newScore)),
			"decay_periods_applied": periodsApplied,
			"updated_at":            time.Now().UTC(),
		})
	if result.Error != nil {
		return false, errs.Wrap(result.Error, "apply customer decay")
	}
	return result.RowsAffected > 0, nil
}

func mapCustomer(row model.Customer) ports.Customer {
	tags := []string(row.Tags)
	if tags == nil {
		tags = []string{}
	}
	return ports.Customer{
		ID:                  row.ID,
		TenantID:            row.TenantID,
		DisplayName:         row.DisplayName,
		Phone:               row.Phone,
		WhatsAppPhone:       row.WhatsAppPhone,
		FacebookUserID:      row.FacebookUserID,
		InstagramUserID:     row.InstagramUserID,
		InstagramUsername:   row.InstagramUsername,
		TikTokUsername:      row.TikTokUsername,
		TotalLeadScore:      row.TotalLeadScore,
		Status:              engagement.Status(row.Status),
		LastInteractionAt:   row.LastInteractionAt,
		TotalInteractions:   row.TotalInteractions,
		DecayPeriodsApplied: row.DecayPeriodsApplied,
		Tags:                tags,
		Notes:               row.Notes,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}
}
