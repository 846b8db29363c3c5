package engagement

import (
	"fmt"
	"strings"
	"time"
)

type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformTikTok    Platform = "tiktok"
)

var knownPlatforms = map[Platform]struct{}{
	PlatformInstagram: {},
	PlatformFacebook:  {},
	PlatformWhatsApp:  {},
	PlatformTikTok:    {},
}

func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownPlatforms[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, raw)
	}
	return p, nil
}

type InteractionType string

const (
	InteractionDM      InteractionType = "DM"
	InteractionComment InteractionType = "COMMENT"
)

type Status string

const (
	StatusCold Status = "COLD"
	StatusWarm Status = "WARM"
	StatusHot  Status = "HOT"
)

type Intent string

const (
	IntentPurchase        Intent = "purchase_intent"
	IntentPricingInquiry  Intent = "pricing_inquiry"
	IntentShippingInquiry Intent = "shipping_inquiry"
	IntentServiceInquiry  Intent = "service_inquiry"
	IntentGeneralComment  Intent = "general_comment"
	IntentComplaint       Intent = "complaint"
	IntentSpam            Intent = "spam"
	IntentGeneral         Intent = "general"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Referral is the ad/click-to-message metadata attached to an inbound event.
type Referral struct {
	AdID      string `json:"ad_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Type      string `json:"type,omitempty"`
	Ref       string `json:"ref,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	ClickID   string `json:"ctwa_clid,omitempty"`
}

func (r Referral) IsZero() bool {
	return r == Referral{}
}

// PostCandidates lists the external ids that may name the referred post, most
// specific first.
func (r Referral) PostCandidates() []string {
	out := make([]string, 0, 2)
	for _, v := range []string{r.SourceID, r.AdID} {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

type Sender struct {
	ID          string
	Username    string
	Phone       string
	DisplayName string
}

// NormalizedPost is the platform-agnostic form of a piece of published content.
type NormalizedPost struct {
	AccountExternalID string
	ExternalID        string
	Caption           string
	URL               string
	PublishedAt       time.Time
}

// NormalizedInteraction is a canonical interaction.
type NormalizedInteraction struct {
	AccountExternalID string
	ExternalID        string
	Type              InteractionType
	Sender            Sender
	Content           string
	PostExternalID    string
	Referral          *Referral
	Intent            Intent
	Sentiment         Sentiment
	Confidence        int
	ReceivedAt        time.Time
}

type Normalized struct {
	Posts        []NormalizedPost
	Interactions []NormalizedInteraction
}

func (n Normalized) IsEmpty() bool {
	return len(n.Posts) == 0 && len(n.Interactions) == 0
}

// SplitByAccount groups a normalized batch by the external account it was
// addressed to, preserving item order inside each group.
func (n Normalized) SplitByAccount() (map[string]Normalized, []string) {
	groups := make(map[string]Normalized)
	order := make([]string, 0, 1)
	touch := func(id string) Normalized {
		g, ok := groups[id]
		if !ok {
			order = append(order, id)
		}
		return g
	}
	for _, p := range n.Posts {
		g := touch(p.AccountExternalID)
		g.Posts = append(g.Posts, p)
		groups[p.AccountExternalID] = g
	}
	for _, it := range n.Interactions {
		g := touch(it.AccountExternalID)
		g.Interactions = append(g.Interactions, it)
		groups[it.AccountExternalID] = g
	}
	return groups, order
}

// Signals carries the identifiers available for one event when resolving a
// customer.
type Signals struct {
	Platform    Platform
	UserID      string
	Username    string
	Phone       string
	DisplayName string
}

func SignalsFromSender(platform Platform, s Sender) Signals {
	return Signals{
		Platform:    platform,
		UserID:      strings.TrimSpace(s.ID),
		Username:    strings.TrimSpace(s.Username),
		Phone:       strings.TrimSpace(s.Phone),
		DisplayName: strings.TrimSpace(s.DisplayName),
	}
}

// Classification is the output of the external intent classifier.
type Classification struct {
	Intent       Intent
	Sentiment    Sentiment
	Suggestion   string
	Confidence   int
	ModelVersion string
}

type ClassifyContext struct {
	Platform        Platform
	InteractionType InteractionType
	CustomerName    string
	PostCaption     string
}

type TenantStats struct {
	TenantID   string           `json:"tenant_id"`
	Total      int64            `json:"total"`
	Unanswered int64            `json:"unanswered"`
	ByPlatform map[string]int64 `json:"by_platform"`
	ByType     map[string]int64 `json:"by_type"`
	ByIntent   map[string]int64 `json:"by_intent"`
	ComputedAt time.Time        `json:"computed_at"`
}
