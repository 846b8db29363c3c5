package normalize

import (
	"github.com/tidwall/gjson"

	"leadflow/internal/domain/engagement"
)

func (n *Normalizer) whatsapp(doc gjson.Result, out *engagement.Normalized) {
	doc.Get("entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			value := change.Get("value")
			phoneNumberID := value.Get("metadata.phone_number_id").String()

			names := make(map[string]string)
			value.Get("contacts").ForEach(func(_, c gjson.Result) bool {
				names[c.Get("wa_id").String()] = c.Get("profile.name").String()
				return true
			})

			// statuses[] (delivery receipts) are ignored.
			value.Get("messages").ForEach(func(_, m gjson.Result) bool {
				id := m.Get("id").String()
				from := m.Get("from").String()
				if id == "" || from == "" {
					return true
				}
				out.Interactions = append(out.Interactions, engagement.NormalizedInteraction{
					AccountExternalID: phoneNumberID,
					ExternalID:        id,
					Type:              engagement.InteractionDM,
					Sender: engagement.Sender{
						ID:          from,
						Phone:       from,
						DisplayName: names[from],
					},
					Content:    whatsappText(m),
					Referral:   referralFrom(m.Get("referral")),
					ReceivedAt: n.timestamp(m.Get("timestamp")),
				})
				return true
			})
			return true
		})
		return true
	})
}

func whatsappText(m gjson.Result) string {
	switch m.Get("type").String() {
	case "button":
		return firstString(m, "button.text", "button.payload")
	case "interactive":
		return firstString(m, "interactive.button_reply.title", "interactive.list_reply.title")
	case "image", "video", "document":
		return firstString(m, m.Get("type").String()+".caption")
	default:
		return m.Get("text.body").String()
	}
}
