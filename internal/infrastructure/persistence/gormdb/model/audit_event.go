package model

import "time"

type AuditEvent struct {
	AuditEventID uint64    `gorm:"column:audit_event_id;primaryKey;autoIncrement"`
	TenantID     *string   `gorm:"column:tenant_id;type:varchar(64);index"`
	Kind         string    `gorm:"column:kind;type:varchar(32);not null;index"`
	Queue        string    `gorm:"column:queue;type:varchar(32);not null"`
	JobID        string    `gorm:"column:job_id;type:text;not null"`
	Detail       string    `gorm:"column:detail;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index"`
}

func (AuditEvent) TableName() string {
	return "audit_events"
}
