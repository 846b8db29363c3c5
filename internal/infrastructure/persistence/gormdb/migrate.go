package gormdb

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"leadflow/internal/errs"
	"leadflow/internal/infrastructure/persistence/gormdb/model"
	"leadflow/internal/infrastructure/persistence/gormdb/uow"
)

const tenantPolicy = "tenant_isolation"

var tenantPredicate = fmt.Sprintf(
	"tenant_id = current_setting('%s', true) OR current_setting('%s', true) = 'on'",
	uow.TenantSetting, uow.SystemScopeSetting,
)

// Migrate creates or updates the schema. On postgres every tenant table also
// gets a forced row-level security policy keyed on the session tenant.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	conn := db.WithContext(ctx)
	if err := conn.AutoMigrate(model.All()...); err != nil {
		return errs.Wrap(err, "auto migrate schema")
	}
	if conn.Dialector.Name() != "postgres" {
		return nil
	}

	for _, table := range model.TenantTables {
		for _, stmt := range rlsStatements(table) {
			if err := conn.Exec(stmt).Error; err != nil {
				return errs.Wrapf(err, "enable row level security on %s", table)
			}
		}
	}
	return nil
}

func rlsStatements(table string) []string {
	return []string{
		fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", table),
		fmt.Sprintf("ALTER TABLE %s FORCE ROW LEVEL SECURITY", table),
		fmt.Sprintf("DROP POLICY IF EXISTS %s ON %s", tenantPolicy, table),
		fmt.Sprintf(
			"CREATE POLICY %s ON %s USING (%s) WITH CHECK (%s)",
			tenantPolicy, table, tenantPredicate, tenantPredicate,
		),
	}
}
