package engagement

import (
	"strings"
	"unicode"
)

// IdentifierSlot names a per-tenant unique customer column that acts as a
// strong identifier.
type IdentifierSlot string

const (
	SlotPhone             IdentifierSlot = "phone"
	SlotInstagramUsername IdentifierSlot = "instagram_username"
	SlotInstagramUserID   IdentifierSlot = "instagram_user_id"
	SlotFacebookUserID    IdentifierSlot = "facebook_user_id"
	SlotWhatsAppPhone     IdentifierSlot = "whatsapp_phone"
	SlotTikTokUsername    IdentifierSlot = "tiktok_username"
)

// AllSlots is the lookup priority order: phone first, then platform slots.
var AllSlots = []IdentifierSlot{
	SlotPhone,
	SlotWhatsAppPhone,
	SlotFacebookUserID,
	SlotInstagramUserID,
	SlotInstagramUsername,
	SlotTikTokUsername,
}

type Identifier struct {
	Slot  IdentifierSlot
	Value string
}

// StrongIdentifiers derives the normalized strong identifiers carried by the
// signals, in lookup priority order. Display name never appears here.
func (s Signals) StrongIdentifiers() []Identifier {
	values := make(map[IdentifierSlot]string, 4)
	set := func(slot IdentifierSlot, v string) {
		if v == "" {
			return
		}
		if _, ok := values[slot]; !ok {
			values[slot] = v
		}
	}

	set(SlotPhone, NormalizePhone(s.Phone))
	switch s.Platform {
	case PlatformWhatsApp:
		phone := NormalizePhone(firstNonEmpty(s.Phone, s.UserID))
		set(SlotWhatsAppPhone, phone)
		set(SlotPhone, phone)
	case PlatformFacebook:
		set(SlotFacebookUserID, strings.TrimSpace(s.UserID))
	case PlatformInstagram:
		set(SlotInstagramUserID, strings.TrimSpace(s.UserID))
		set(SlotInstagramUsername, NormalizeUsername(s.Username))
	case PlatformTikTok:
		set(SlotTikTokUsername, NormalizeUsername(s.Username))
	}

	out := make([]Identifier, 0, len(values))
	for _, slot := range AllSlots {
		if v, ok := values[slot]; ok {
			out = append(out, Identifier{Slot: slot, Value: v})
		}
	}
	return out
}

// NormalizePhone keeps digits only, so "+1 (555) 010-2000" and "15550102000"
// resolve to the same identifier.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func NormalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
