package ports

import (
	"context"
	"time"

	"leadflow/internal/domain/engagement"
)

type Account struct {
	ID                string
	TenantID          string
	Platform          engagement.Platform
	ExternalAccountID string
	Name              string
	LastPolledAt      *time.Time
	CreatedAt         time.Time
}

type Post struct {
	ID          string
	TenantID    string
	AccountID   string
	Platform    engagement.Platform
	ExternalID  string
	Caption     string
	URL         string
	PublishedAt *time.Time
	CreatedAt   time.Time
}

type Customer struct {
	ID                  string
	TenantID            string
	DisplayName         string
	Phone               *string
	WhatsAppPhone       *string
	FacebookUserID      *string
	InstagramUserID     *string
	InstagramUsername   *string
	TikTokUsername      *string
	TotalLeadScore      int
	Status              engagement.Status
	LastInteractionAt   *time.Time
	TotalInteractions   int
	DecayPeriodsApplied int
	Tags                []string
	Notes               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Slot returns the value stored in an identifier slot, or "" when null.
func (c Customer) Slot(slot engagement.IdentifierSlot) string {
	var p *string
	switch slot {
	case engagement.SlotPhone:
		p = c.Phone
	case engagement.SlotWhatsAppPhone:
		p = c.WhatsAppPhone
	case engagement.SlotFacebookUserID:
		p = c.FacebookUserID
	case engagement.SlotInstagramUserID:
		p = c.InstagramUserID
	case engagement.SlotInstagramUsername:
		p = c.InstagramUsername
	case engagement.SlotTikTokUsername:
		p = c.TikTokUsername
	}
	if p == nil {
		return ""
	}
	return *p
}

// SetSlot assigns an identifier slot.
func (c *Customer) SetSlot(slot engagement.IdentifierSlot, value string) {
	v := value
	switch slot {
	case engagement.SlotPhone:
		c.Phone = &v
	case engagement.SlotWhatsAppPhone:
		c.WhatsAppPhone = &v
	case engagement.SlotFacebookUserID:
		c.FacebookUserID = &v
	case engagement.SlotInstagramUserID:
		c.InstagramUserID = &v
	case engagement.SlotInstagramUsername:
		c.InstagramUsername = &v
	case engagement.SlotTikTokUsername:
		c.TikTokUsername = &v
	}
}

// CustomerIdentityPatch fills null identifier slots and an empty display
// name. Only non-empty entries are written.
type CustomerIdentityPatch struct {
	Slots       map[engagement.IdentifierSlot]string
	DisplayName string
}

func (p CustomerIdentityPatch) IsEmpty() bool {
	return len(p.Slots) == 0 && p.DisplayName == ""
}

type Interaction struct {
	ID             string
	TenantID       string
	AccountID      string
	Platform       engagement.Platform
	Type           engagement.InteractionType
	ExternalID     string
	SenderID       string
	SenderUsername string
	SenderPhone    string
	SenderName     string
	Content        string
	PostID         *string
	SourcePostID   *string
	Referral       *engagement.Referral
	CustomerID     string
	Intent         engagement.Intent
	Sentiment      engagement.Sentiment
	Suggestion     string
	Confidence     int
	ModelVersion   string
	AnalyzedAt     *time.Time
	IsReplied      bool
	ReceivedAt     time.Time
	CreatedAt      time.Time
}

// ScoreUpdate is applied in one statement: the score moves by Delta and the
// status is recomputed from the new score.
type ScoreUpdate struct {
	CustomerID    string
	Delta         int
	InteractionAt *time.Time
}

type AuditKind string

const (
	AuditUnknownTenant    AuditKind = "unknown_tenant"
	AuditMalformedPayload AuditKind = "malformed_payload"
	AuditJobDead          AuditKind = "job_dead"
	AuditJobUnrecoverable AuditKind = "job_unrecoverable"
)

type AuditEvent struct {
	ID        uint64
	TenantID  *string
	Kind      AuditKind
	Queue     string
	JobID     string
	Detail    string
	CreatedAt time.Time
}

type AuditEventCreate struct {
	TenantID string
	Kind     AuditKind
	Queue    string
	JobID    string
	Detail   string
}

// All repositories read the tenant from the context (see WithTenant). Reads
// without a tenant and outside the system scope see no rows; writes without
// a tenant fail with engagement.ErrTenantRequired.

type AccountRepository interface {
	CreateAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	FindAccountByExternalID(ctx context.Context, platform engagement.Platform, externalAccountID string) (Account, error)
	MarkAccountPolled(ctx context.Context, accountID string, at time.Time) error
}

type PostRepository interface {
	// UpsertPost inserts the post or refreshes caption/url of the existing
	// (tenant, platform, external id) row and returns the stored row.
	UpsertPost(ctx context.Context, post Post) (Post, error)
	FindPostByExternalID(ctx context.Context, platform engagement.Platform, externalID string) (Post, bool, error)
	FindPostByID(ctx context.Context, postID string) (Post, bool, error)
}

type CustomerRepository interface {
	FindCustomerBySlot(ctx context.Context, slot engagement.IdentifierSlot, value string) (Customer, bool, error)
	GetCustomer(ctx context.Context, customerID string) (Customer, error)
	// InsertCustomer returns engagement.ErrCustomerConflict when an
	// identifier slot is already owned. The failed insert is rolled back to
	// a savepoint so the enclosing transaction stays usable.
	InsertCustomer(ctx context.Context, customer Customer) (Customer, error)
	UpdateCustomerIdentity(ctx context.Context, customerID string, patch CustomerIdentityPatch) error
	ApplyScore(ctx context.Context, update ScoreUpdate) error
	ListDecayCandidates(ctx context.Context, afterID string, limit int) ([]Customer, error)
	// ApplyDecay writes the decayed score only if the stored score still
	// equals expectedScore. It reports whether the row was updated.
	ApplyDecay(ctx context.Context, customerID string, expectedScore int, newScore int, periodsApplied int) (bool, error)
}

type InteractionRepository interface {
	FindInteractionByExternalID(ctx context.Context, platform engagement.Platform, externalID string) (Interaction, bool, error)
	GetInteraction(ctx context.Context, interactionID string) (Interaction, error)
	InsertInteraction(ctx context.Context, interaction Interaction) (Interaction, error)
	// SaveAnalysis overwrites the AI fields. first is true only for the
	// write that moved analyzed_at from null to a value.
	SaveAnalysis(ctx context.Context, interactionID string, c engagement.Classification, at time.Time) (first bool, err error)
	Stats(ctx context.Context) (engagement.TenantStats, error)
}

type AuditRepository interface {
	AppendAudit(ctx context.Context, input AuditEventCreate) error
	ListAuditAfter(ctx context.Context, afterID uint64, limit int) ([]AuditEvent, error)
}
