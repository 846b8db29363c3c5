package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"leadflow/internal/errs"
	"leadflow/internal/infrastructure/persistence/gormdb/model"
	"leadflow/internal/ports"
)

// AuditRepository is the append-only log of pipeline decisions that did not
// end in data: unknown tenants, unrecoverable and dead jobs. Rows may carry
// no tenant, so the table is not tenant-scoped.
type AuditRepository struct {
	db *gorm.DB
}

var _ ports.AuditRepository = (*AuditRepository)(nil)

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) AppendAudit(ctx context.Context, input ports.AuditEventCreate) error {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return err
	}

	row := model.AuditEvent{
		Kind:      string(input.Kind),
		Queue:     input.Queue,
		JobID:     input.JobID,
		Detail:    input.Detail,
		CreatedAt: time.Now().UTC(),
	}
	if tenantID := strings.TrimSpace(input.TenantID); tenantID != "" {
		row.TenantID = &tenantID
	}
	if err := db.Create(&row).Error; err != nil {
		return errs.Wrap(err, "insert audit event")
	}
	return nil
}

func (r *AuditRepository) ListAuditAfter(ctx context.Context, afterID uint64, limit int) ([]ports.AuditEvent, error) {
	db, err := dbFromContext(ctx, r.db)
	if err != nil {
		return nil, err
	}

	query := db.Model(&model.AuditEvent{}).Where("audit_event_id > ?", afterID).Order("audit_event_id asc")
	if tenantID, ok := ports.TenantFromContext(ctx); ok {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []model.AuditEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query audit events")
	}

	items := make([]ports.AuditEvent, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.AuditEvent{
			ID:        row.AuditEventID,
			TenantID:  row.TenantID,
			Kind:      ports.AuditKind(row.Kind),
			Queue:     row.Queue,
			JobID:     row.JobID,
			Detail:    row.Detail,
			CreatedAt: row.CreatedAt,
		})
	}
	return items, nil
}
