package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"leadflow/internal/domain/engagement"
	"leadflow/internal/ports"
)

const pgUniqueViolation = "23505"

func dbFromContext(ctx context.Context, root *gorm.DB) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	tx := ports.TxFromContext(ctx)
	if tx == nil {
		return root.WithContext(ctx), nil
	}

	gormTx, ok := tx.(*gorm.DB)
	if !ok || gormTx == nil {
		return nil, fmt.Errorf("invalid tx in context: %T", tx)
	}
	return gormTx.WithContext(ctx), nil
}

// tenantScope restricts a query to the context tenant. The system scope sees
// every tenant; a context with neither sees nothing.
func tenantScope(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tenantID, ok := ports.TenantFromContext(ctx); ok {
		return db.Where("tenant_id = ?", tenantID)
	}
	if ports.IsSystemScope(ctx) {
		return db
	}
	return db.Where("1 = 0")
}

func requireTenant(ctx context.Context) (string, error) {
	tenantID, ok := ports.TenantFromContext(ctx)
	if !ok {
		return "", engagement.ErrTenantRequired
	}
	return tenantID, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "duplicate key value")
}
