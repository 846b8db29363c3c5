package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/infrastructure/persistence/gormdb/model"
	"leadflow/internal/ports"
)

type AccountRepository struct {
	db *gorm.DB
}

var _ ports.AccountRepository = (*AccountRepository)(nil)

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) CreateAccount(ctx context.Context, account ports.Account) (ports.Account, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Account{}, err
	}
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return ports.Account{}, err
	}

	now := time.Now().UTC()
	row := model.ConnectedAccount{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		Platform:          string(account.Platform),
		ExternalAccountID: strings.TrimSpace(account.ExternalAccountID),
		Name:              strings.TrimSpace(account.Name),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	// Savepoint keeps a caller's transaction usable after a conflict.
	if err := db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	}); err != nil {
		if isUniqueViolation(err) {
			return ports.Account{}, engagement.ErrAccountConflict
		}
		return ports.Account{}, errs.Wrap(err, "insert connected account")
	}
	return mapAccount(row), nil
}

func (r *AccountRepository) GetAccount(ctx context.Context, accountID string) (ports.Account, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Account{}, err
	}

	var row model.ConnectedAccount
	if err := tenantScope(ctx, db).Where("id = ?", accountID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.Account{}, engagement.ErrAccountNotFound
		}
		return ports.Account{}, errs.Wrap(err, "query connected account")
	}
	return mapAccount(row), nil
}

func (r *AccountRepository) FindAccountByExternalID(ctx context.Context, platform engagement.Platform, externalAccountID string) (ports.Account, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return ports.Account{}, err
	}

	var row model.ConnectedAccount
	if err := tenantScope(ctx, db).
		Where("platform = ? AND external_account_id = ?", string(platform), strings.TrimSpace(externalAccountID)).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ports.Account{}, engagement.ErrAccountNotFound
		}
		return ports.Account{}, errs.Wrap(err, "query connected account by external id")
	}
	return mapAccount(row), nil
}

func (r *AccountRepository) MarkAccountPolled(ctx context.Context, accountID string, at time.Time) error {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return err
	}

	at = at.UTC()
	result := tenantScope(ctx, db.Model(&model.ConnectedAccount{})).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"last_polled_at": at,
			"updated_at":     at,
		})
	if result.Error != nil {
		return errs.Wrap(result.Error, "update connected account polled_at")
	}
	if result.RowsAffected == 0 {
		return engagement.ErrAccountNotFound
	}
	return nil
}

func mapAccount(row model.ConnectedAccount) ports.Account {
	return ports.Account{
		ID:                row.ID,
		TenantID:          row.TenantID,
		Platform:          engagement.Platform(row.Platform),
		ExternalAccountID: row.ExternalAccountID,
		Name:              row.Name,
		LastPolledAt:      row.LastPolledAt,
		CreatedAt:         row.CreatedAt,
	}
}
