package ports

import (
	"context"
	"strings"
)

// Tx is an opaque transaction handle for repositories/adapters.
// Infrastructure controls the concrete type (for example, *gorm.DB).
type Tx interface{}

// UnitOfWork defines a transaction boundary.
//
// This is intentionally callback-style: returning an error causes rollback,
// returning nil causes commit.
//
// WithTenantTx pins the transaction to one tenant: the database session
// variable is set with transaction-local scope and repositories only see that
// tenant's rows. WithSystemTx is the cross-tenant scope used by maintenance
// jobs and webhook routing.
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	WithTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
	WithSystemTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

type tenantKey struct{}

type systemScopeKey struct{}

// WithTxContext stores a transaction handle in context.
func WithTxContext(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext reads a transaction handle from context.
func TxFromContext(ctx context.Context) Tx {
	return ctx.Value(txKey{})
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, strings.TrimSpace(tenantID))
}

func TenantFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tenantKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func WithSystemScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, systemScopeKey{}, true)
}

func IsSystemScope(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(systemScopeKey{}).(bool)
	return v
}
