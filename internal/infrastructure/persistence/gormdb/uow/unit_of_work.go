package uow

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

const (
	// TenantSetting and SystemScopeSetting are the session variables the
	// row-level security policies read.
	TenantSetting      = "app.current_tenant"
	SystemScopeSetting = "app.system_scope"
)

// UnitOfWork implements ports.UnitOfWork with gorm.
type UnitOfWork struct {
	db *gorm.DB
}

var _ ports.UnitOfWork = (*UnitOfWork)(nil)

func NewUnitOfWork(db *gorm.DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

func (u *UnitOfWork) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ports.WithTxContext(ctx, tx))
	})
}

// WithTenantTx runs fn in a transaction pinned to tenantID. On postgres the
// tenant is set with set_config(..., true), which is SET LOCAL: it lasts
// until the transaction ends and never leaks to the pooled connection.
func (u *UnitOfWork) WithTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return engagement.ErrTenantRequired
	}

	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setLocal(tx, TenantSetting, tenantID); err != nil {
			return errs.Wrap(err, "pin tenant")
		}
		txCtx := ports.WithTenant(ctx, tenantID)
		return fn(ports.WithTxContext(txCtx, tx))
	})
}

func (u *UnitOfWork) WithSystemTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setLocal(tx, SystemScopeSetting, "on"); err != nil {
			return errs.Wrap(err, "enter system scope")
		}
		txCtx := ports.WithSystemScope(ports.WithTenant(ctx, ""))
		return fn(ports.WithTxContext(txCtx, tx))
	})
}

func setLocal(tx *gorm.DB, name string, value string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT set_config(?, ?, true)", name, value).Error
}
