package model

import (
	"time"

	"gorm.io/datatypes"
)

type ConnectedAccount struct {
	ID                string     `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID          string     `gorm:"column:tenant_id;type:varchar(64);not null;index"`
	Platform          string     `gorm:"column:platform;type:varchar(32);not null;uniqueIndex:ux_accounts_platform_external,priority:1"`
	ExternalAccountID string     `gorm:"column:external_account_id;type:varchar(128);not null;uniqueIndex:ux_accounts_platform_external,priority:2"`
	Name              string     `gorm:"column:name;type:text;not null"`
	LastPolledAt      *time.Time `gorm:"column:last_polled_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
}

func (ConnectedAccount) TableName() string {
	return "connected_accounts"
}

type Post struct {
	ID          string     `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID    string     `gorm:"column:tenant_id;type:varchar(64);not null;uniqueIndex:ux_posts_identity,priority:1"`
	Platform    string     `gorm:"column:platform;type:varchar(32);not null;uniqueIndex:ux_posts_identity,priority:2"`
	ExternalID  string     `gorm:"column:external_id;type:varchar(191);not null;uniqueIndex:ux_posts_identity,priority:3"`
	AccountID   string     `gorm:"column:account_id;type:varchar(36);not null;index"`
	Caption     string     `gorm:"column:caption;type:text;not null"`
	URL         string     `gorm:"column:url;type:text;not null"`
	PublishedAt *time.Time `gorm:"column:published_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
}

func (Post) TableName() string {
	return "posts"
}

// Customer carries one unique index per (tenant, identifier slot). NULL slots
// never collide.
type Customer struct {
	ID                  string                      `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID            string                      `gorm:"column:tenant_id;type:varchar(64);not null;index;uniqueIndex:ux_customers_phone,priority:1;uniqueIndex:ux_customers_whatsapp_phone,priority:1;uniqueIndex:ux_customers_facebook_user_id,priority:1;uniqueIndex:ux_customers_instagram_user_id,priority:1;uniqueIndex:ux_customers_instagram_username,priority:1;uniqueIndex:ux_customers_tiktok_username,priority:1"`
	DisplayName         string                      `gorm:"column:display_name;type:text;not null"`
	Phone               *string                     `gorm:"column:phone;type:varchar(64);uniqueIndex:ux_customers_phone,priority:2"`
	WhatsAppPhone       *string                     `gorm:"column:whatsapp_phone;type:varchar(64);uniqueIndex:ux_customers_whatsapp_phone,priority:2"`
	FacebookUserID      *string                     `gorm:"column:facebook_user_id;type:varchar(128);uniqueIndex:ux_customers_facebook_user_id,priority:2"`
	InstagramUserID     *string                     `gorm:"column:instagram_user_id;type:varchar(128);uniqueIndex:ux_customers_instagram_user_id,priority:2"`
	InstagramUsername   *string                     `gorm:"column:instagram_username;type:varchar(128);uniqueIndex:ux_customers_instagram_username,priority:2"`
	TikTokUsername      *string                     `gorm:"column:tiktok_username;type:varchar(128);uniqueIndex:ux_customers_tiktok_username,priority:2"`
	TotalLeadScore      int                         `gorm:"column:total_lead_score;not null;default:0"`
	Status              string                      `gorm:"column:status;type:varchar(8);not null;default:COLD;index"`
	LastInteractionAt   *time.Time                  `gorm:"column:last_interaction_at"`
	TotalInteractions   int                         `gorm:"column:total_interactions;not null;default:0"`
	DecayPeriodsApplied int                         `gorm:"column:decay_periods_applied;not null;default:0"`
	Tags                datatypes.JSONSlice[string] `gorm:"column:tags"`
	Notes               string                      `gorm:"column:notes;type:text;not null"`
	CreatedAt           time.Time                   `gorm:"column:created_at;not null"`
	UpdatedAt           time.Time                   `gorm:"column:updated_at;not null"`
}

func (Customer) TableName() string {
	return "customers"
}

type Interaction struct {
	ID             string         `gorm:"column:id;type:varchar(36);primaryKey"`
	TenantID       string         `gorm:"column:tenant_id;type:varchar(64);not null;uniqueIndex:ux_interactions_identity,priority:1"`
	Platform       string         `gorm:"column:platform;type:varchar(32);not null;uniqueIndex:ux_interactions_identity,priority:2"`
	ExternalID     string         `gorm:"column:external_id;type:varchar(191);not null;uniqueIndex:ux_interactions_identity,priority:3"`
	Type           string         `gorm:"column:type;type:varchar(16);not null"`
	AccountID      string         `gorm:"column:account_id;type:varchar(36);not null;index"`
	SenderID       string         `gorm:"column:sender_id;type:varchar(128);not null"`
	SenderUsername string         `gorm:"column:sender_username;type:varchar(128);not null"`
	SenderPhone    string         `gorm:"column:sender_phone;type:varchar(64);not null"`
	SenderName     string         `gorm:"column:sender_name;type:text;not null"`
	Content        string         `gorm:"column:content;type:text;not null"`
	PostID         *string        `gorm:"column:post_id;type:varchar(36);index"`
	SourcePostID   *string        `gorm:"column:source_post_id;type:varchar(36)"`
	Referral       datatypes.JSON `gorm:"column:referral"`
	CustomerID     string         `gorm:"column:customer_id;type:varchar(36);not null;index"`
	Intent         string         `gorm:"column:intent;type:varchar(32);not null"`
	Sentiment      string         `gorm:"column:sentiment;type:varchar(16);not null"`
	Suggestion     string         `gorm:"column:suggestion;type:text;not null"`
	Confidence     int            `gorm:"column:confidence;not null;default:0"`
	ModelVersion   string         `gorm:"column:model_version;type:varchar(64);not null"`
	AnalyzedAt     *time.Time     `gorm:"column:analyzed_at"`
	IsReplied      bool           `gorm:"column:is_replied;not null;default:false"`
	ReceivedAt     time.Time      `gorm:"column:received_at;not null;index"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null"`
}

func (Interaction) TableName() string {
	return "interactions"
}

// TenantTables are the tables protected by row-level security.
var TenantTables = []string{"connected_accounts", "posts", "customers", "interactions"}

// All lists every model for auto-migration.
func All() []any {
	return []any{
		&ConnectedAccount{},
		&Post{},
		&Customer{},
		&Interaction{},
		&AuditEvent{},
		&KVEntry{},
	}
}
