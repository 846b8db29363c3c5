package normalize

import (
	"github.com/tidwall/gjson"

	"leadflow/internal/domain/engagement"
)

func (n *Normalizer) instagram(doc gjson.Result, out *engagement.Normalized) {
	doc.Get("entry").ForEach(func(_, entry gjson.Result) bool {
		accountID := entry.Get("id").String()

		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			value := change.Get("value")
			switch change.Get("field").String() {
			case "comments", "live_comments":
				id := value.Get("id").String()
				if id == "" {
					return true
				}
				out.Interactions = append(out.Interactions, engagement.NormalizedInteraction{
					AccountExternalID: accountID,
					ExternalID:        id,
					Type:              engagement.InteractionComment,
					Sender: engagement.Sender{
						ID:       value.Get("from.id").String(),
						Username: value.Get("from.username").String(),
					},
					Content:        value.Get("text").String(),
					PostExternalID: value.Get("media.id").String(),
					ReceivedAt:     n.timestamp(entry.Get("time")),
				})
			case "mentions":
				id := value.Get("comment_id").String()
				if id == "" {
					return true
				}
				out.Interactions = append(out.Interactions, engagement.NormalizedInteraction{
					AccountExternalID: accountID,
					ExternalID:        id,
					Type:              engagement.InteractionComment,
					PostExternalID:    value.Get("media_id").String(),
					ReceivedAt:        n.timestamp(entry.Get("time")),
				})
			}
			return true
		})

		n.messaging(entry, accountID, out)
		return true
	})
}

func (n *Normalizer) facebook(doc gjson.Result, out *engagement.Normalized) {
	doc.Get("entry").ForEach(func(_, entry gjson.Result) bool {
		pageID := entry.Get("id").String()

		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			if change.Get("field").String() != "feed" {
				return true
			}
			value := change.Get("value")
			if verb := value.Get("verb").String(); verb != "" && verb != "add" {
				return true
			}

			switch value.Get("item").String() {
			case "comment":
				id := value.Get("comment_id").String()
				senderID := value.Get("from.id").String()
				// Replies written by the page itself are not customer engagement.
				if id == "" || (senderID != "" && senderID == pageID) {
					return true
				}
				out.Interactions = append(out.Interactions, engagement.NormalizedInteraction{
					AccountExternalID: pageID,
					ExternalID:        id,
					Type:              engagement.InteractionComment,
					Sender: engagement.Sender{
						ID:          senderID,
						DisplayName: value.Get("from.name").String(),
					},
					Content:        value.Get("message").String(),
					PostExternalID: value.Get("post_id").String(),
					ReceivedAt:     n.timestamp(value.Get("created_time")),
				})
			case "post", "status", "photo", "video":
				id := value.Get("post_id").String()
				if id == "" {
					return true
				}
				out.Posts = append(out.Posts, engagement.NormalizedPost{
					AccountExternalID: pageID,
					ExternalID:        id,
					Caption:           value.Get("message").String(),
					URL:               firstString(value, "link", "permalink_url"),
					PublishedAt:       n.timestamp(value.Get("created_time")),
				})
			}
			return true
		})

		n.messaging(entry, pageID, out)
		return true
	})
}

// messaging reads Messenger-style DMs shared by Instagram and Facebook.
func (n *Normalizer) messaging(entry gjson.Result, accountID string, out *engagement.Normalized) {
	entry.Get("messaging").ForEach(func(_, m gjson.Result) bool {
		msg := m.Get("message")
		mid := msg.Get("mid").String()
		if mid == "" || msg.Get("is_echo").Bool() {
			return true
		}

		account := accountID
		if account == "" {
			account = m.Get("recipient.id").String()
		}

		referral := referralFrom(msg.Get("referral"))
		if referral == nil {
			referral = referralFrom(m.Get("referral"))
		}

		out.Interactions = append(out.Interactions, engagement.NormalizedInteraction{
			AccountExternalID: account,
			ExternalID:        mid,
			Type:              engagement.InteractionDM,
			Sender: engagement.Sender{
				ID:       m.Get("sender.id").String(),
				Username: m.Get("sender.username").String(),
			},
			Content:    msg.Get("text").String(),
			Referral:   referral,
			ReceivedAt: n.timestamp(m.Get("timestamp")),
		})
		return true
	})
}
